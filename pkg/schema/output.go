package schema

import (
	"encoding/json"
)

// Output validates values a node pushes. It satisfies driver.Validator.
type Output struct {
	schema    *Schema
	validator *Validator
}

// NewOutput parses def and returns an Output validator for it.
func NewOutput(def []byte) (*Output, error) {
	s, err := Parse(def)
	if err != nil {
		return nil, err
	}
	return NewOutputFor(s), nil
}

// NewOutputFor returns an Output validator for an already parsed schema.
func NewOutputFor(s *Schema) *Output {
	return &Output{schema: s, validator: NewValidator()}
}

// Schema returns the schema the output is checked against.
func (o *Output) Schema() *Schema { return o.schema }

// Validate normalises value through JSON, applies defaults and validates the
// result. The normalised value is returned on success and a
// *ValidationFailure otherwise.
func (o *Output) Validate(value interface{}) (interface{}, error) {
	data, err := normalise(value)
	if err != nil {
		return nil, &ValidationFailure{
			Value:  value,
			Schema: o.describe(),
			Errors: []ValidationError{{Path: "root", Code: "NOT_JSON", Message: err.Error()}},
		}
	}

	data = applyDefaults(data, o.schema.root())
	if errs := o.validator.Validate(data, o.schema); len(errs) > 0 {
		return nil, &ValidationFailure{Value: value, Schema: o.describe(), Errors: errs}
	}
	return data, nil
}

func (o *Output) describe() string {
	if o.schema.Description != "" {
		return o.schema.Description
	}
	return string(o.schema.Type)
}

func normalise(value interface{}) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
