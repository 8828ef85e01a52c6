package eventschema

import "github.com/pulseproof/pulseproof/internal/models"

// NewDefaultRegistry returns a registry preloaded with the commerce event
// schemas the pipeline ships with.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	// order.created: 1.1.0 adds the optional currency field.
	_ = r.Register("order.created", "1.0.0", Schema{Fields: map[string]Field{
		"order_id":      {Type: FieldString, Required: true},
		"customer_name": {Type: FieldString},
		"email":         {Type: FieldString},
		"total_price":   {Type: FieldString, Required: true},
		"products":      {Type: FieldArray},
	}}, WithMigrationPath("1.1.0"))
	_ = r.Register("order.created", "1.1.0", Schema{Fields: map[string]Field{
		"order_id":      {Type: FieldString, Required: true},
		"customer_name": {Type: FieldString},
		"email":         {Type: FieldString},
		"total_price":   {Type: FieldString, Required: true},
		"currency":      {Type: FieldString, Required: true},
		"products":      {Type: FieldArray},
	}})
	_ = r.RegisterMigration("order.created", "1.0.0", "1.1.0", func(data models.Data) (models.Data, error) {
		out := cloneData(data)
		if _, ok := out["currency"]; !ok {
			out["currency"] = "USD"
		}
		return out, nil
	})

	// user.registered: 1.1.0 adds a required timezone, defaulted to UTC.
	_ = r.Register("user.registered", "1.0.0", Schema{Fields: map[string]Field{
		"user_id": {Type: FieldString, Required: true},
		"email":   {Type: FieldString, Required: true},
		"name":    {Type: FieldString},
	}}, WithMigrationPath("1.1.0"))
	_ = r.Register("user.registered", "1.1.0", Schema{Fields: map[string]Field{
		"user_id":  {Type: FieldString, Required: true},
		"email":    {Type: FieldString, Required: true},
		"name":     {Type: FieldString},
		"timezone": {Type: FieldString, Required: true},
	}})
	_ = r.RegisterMigration("user.registered", "1.0.0", "1.1.0", func(data models.Data) (models.Data, error) {
		out := cloneData(data)
		if _, ok := out["timezone"]; !ok {
			out["timezone"] = "UTC"
		}
		return out, nil
	})

	_ = r.Register("signup.completed", "1.0.0", Schema{Fields: map[string]Field{
		"user_id": {Type: FieldString, Required: true},
		"email":   {Type: FieldString},
		"plan":    {Type: FieldString},
	}})

	_ = r.Register("review.submitted", "1.0.0", Schema{Fields: map[string]Field{
		"review_id": {Type: FieldString, Required: true},
		"rating":    {Type: FieldNumber, Required: true},
		"product":   {Type: FieldString},
		"author":    {Type: FieldString},
	}})

	_ = r.Register("invoice.paid", "1.0.0", Schema{Fields: map[string]Field{
		"invoice_id": {Type: FieldString, Required: true},
		"amount":     {Type: FieldNumber, Required: true},
		"currency":   {Type: FieldString},
	}})

	return r
}

func cloneData(data models.Data) models.Data {
	out := make(models.Data, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	return out
}
