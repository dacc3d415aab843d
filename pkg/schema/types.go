// Package schema validates and normalises node output values.
package schema

// Schema is the root of a schema definition.
type Schema struct {
	Type        SchemaType           `json:"type"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Property describes one field.
type Property struct {
	Type        SchemaType           `json:"type"`
	Required    bool                 `json:"required,omitempty"`
	Default     interface{}          `json:"default,omitempty"`
	Description string               `json:"description,omitempty"`
	Validation  *ValidationRules     `json:"validation,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Items       *Property            `json:"items,omitempty"`
}

// SchemaType names the JSON shape a value must have.
type SchemaType string

const (
	TypeString   SchemaType = "STRING"
	TypeNumber   SchemaType = "NUMBER"
	TypeBoolean  SchemaType = "BOOLEAN"
	TypeObject   SchemaType = "OBJECT"
	TypeArray    SchemaType = "ARRAY"
	TypeDate     SchemaType = "DATE"
	TypeDateTime SchemaType = "DATETIME"
	TypeAny      SchemaType = "ANY"
)

var knownTypes = map[SchemaType]bool{
	TypeString: true, TypeNumber: true, TypeBoolean: true,
	TypeObject: true, TypeArray: true, TypeDate: true,
	TypeDateTime: true, TypeAny: true,
}

// IsValidType reports whether t is one of the known types.
func IsValidType(t SchemaType) bool {
	return knownTypes[t]
}

// ValidationRules constrain a value beyond its type. Only the rules
// matching the property type are consulted.
type ValidationRules struct {
	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Format    string   `json:"format,omitempty"`
	Enum      []string `json:"enum,omitempty"`

	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`

	MinItems    *int `json:"minItems,omitempty"`
	MaxItems    *int `json:"maxItems,omitempty"`
	UniqueItems bool `json:"uniqueItems,omitempty"`
}

// ValidationError is one violation found at Path.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// root returns the schema as a property so the root and nested fields share
// one code path.
func (s *Schema) root() *Property {
	return &Property{
		Type:        s.Type,
		Properties:  s.Properties,
		Items:       s.Items,
		Description: s.Description,
	}
}
