package models

import (
	"encoding"
	"encoding/json"
	"fmt"
	"time"
)

// Data is the kind-specific payload of an event. Its shape is determined by
// the event's type and version (see eventschema).
type Data map[string]interface{}

var _ fmt.Stringer = &Data{}
var _ encoding.BinaryUnmarshaler = &Data{}

func (d *Data) String() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(data)
}

func (d *Data) UnmarshalBinary(data []byte) error {
	if string(data) == "" {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Metadata carries transport-level annotations (migrated flag, provider
// topic, trace IDs) that are not part of the event payload.
type Metadata map[string]string

// Event is the canonical, immutable event form after provider normalization.
// ID is globally unique; Type+Version determine the shape of Data;
// CorrelationID groups causally related events.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Version        string    `json:"version"`
	Time           time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	OrganizationID string    `json:"organization_id"`
	SiteID         string    `json:"site_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	Data           Data      `json:"data"`
}

// PartitionKey returns the bus partition key: organization ID when present,
// otherwise the event ID. Keeps a tenant's events in producer order within
// one partition.
func (e *Event) PartitionKey() string {
	if e.OrganizationID != "" {
		return e.OrganizationID
	}
	return e.ID
}

// Migrated reports whether the event was version-migrated after production.
func (e *Event) Migrated() bool {
	return e.Metadata["migrated"] == "true"
}

func (e *Event) SetMigrated() {
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	e.Metadata["migrated"] = "true"
}

func (e *Event) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Event) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}
