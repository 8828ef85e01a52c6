package eventschema

import (
	"fmt"
	"time"

	"github.com/pulseproof/pulseproof/internal/models"
)

type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldObject    FieldType = "object"
	FieldArray     FieldType = "array"
	FieldTimestamp FieldType = "timestamp"
)

// Field describes one key of an event's data payload.
type Field struct {
	Type     FieldType
	Required bool
}

// Schema is the declared shape of an event payload for one type+version.
type Schema struct {
	Fields map[string]Field
}

// validate checks data against the schema and returns human-readable errors.
// Unknown keys are permitted; providers attach extra fields freely.
func (s Schema) validate(data models.Data) []string {
	var errs []string
	for name, field := range s.Fields {
		value, ok := data[name]
		if !ok || value == nil {
			if field.Required {
				errs = append(errs, fmt.Sprintf("missing required field %q", name))
			}
			continue
		}
		if !matchesType(value, field.Type) {
			errs = append(errs, fmt.Sprintf("field %q: expected %s, got %T", name, field.Type, value))
		}
	}
	return errs
}

func matchesType(value interface{}, ft FieldType) bool {
	switch ft {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case FieldBoolean:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		switch value.(type) {
		case map[string]interface{}, models.Data:
			return true
		}
		return false
	case FieldArray:
		_, ok := value.([]interface{})
		return ok
	case FieldTimestamp:
		switch v := value.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, v)
			return err == nil
		}
		return false
	default:
		return true
	}
}
