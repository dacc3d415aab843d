package schema

import (
	"fmt"
	"strings"
)

// SchemaError represents a schema-related error
type SchemaError struct {
	Message string
	Code    string
	Err     error
}

// Error implements the error interface
func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SchemaError) Unwrap() error {
	return e.Err
}

// ParseError creates a schema parsing error
func ParseError(err error) *SchemaError {
	return &SchemaError{
		Message: "Schema parsing failed",
		Code:    "SCHEMA_PARSE_ERROR",
		Err:     err,
	}
}

// ValidationFailure is returned when an output value does not satisfy its
// schema. It carries the offending value and every violation.
type ValidationFailure struct {
	Value  interface{}
	Schema string
	Errors []ValidationError
}

// Error implements the error interface
func (f *ValidationFailure) Error() string {
	parts := make([]string, len(f.Errors))
	for i, e := range f.Errors {
		parts[i] = fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("value %v does not match schema %s: %s", f.Value, f.Schema, strings.Join(parts, "; "))
}

// Codes returns the violation codes in order.
func (f *ValidationFailure) Codes() []string {
	out := make([]string, len(f.Errors))
	for i, e := range f.Errors {
		out[i] = e.Code
	}
	return out
}
