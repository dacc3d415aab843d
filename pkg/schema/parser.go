package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Parse parses a schema definition from JSON and checks its structure.
func Parse(def []byte) (*Schema, error) {
	if len(def) == 0 {
		return nil, ParseError(fmt.Errorf("schema definition cannot be empty"))
	}

	var s Schema
	if err := json.Unmarshal(def, &s); err != nil {
		return nil, ParseError(err)
	}
	if err := checkProperty(s.root(), "root"); err != nil {
		return nil, ParseError(err)
	}
	return &s, nil
}

func checkProperty(p *Property, path string) error {
	if p.Type == "" {
		return fmt.Errorf("%s: type is required", path)
	}
	if !IsValidType(p.Type) {
		return fmt.Errorf("%s: invalid type %s", path, p.Type)
	}
	if p.Validation != nil {
		if err := checkRules(p.Validation, p.Type, path); err != nil {
			return err
		}
	}

	for name, child := range p.Properties {
		if p.Type != TypeObject {
			return fmt.Errorf("%s: properties declared on %s", path, p.Type)
		}
		if err := checkProperty(child, path+"."+name); err != nil {
			return err
		}
	}
	if p.Items != nil {
		if p.Type != TypeArray {
			return fmt.Errorf("%s: items declared on %s", path, p.Type)
		}
		return checkProperty(p.Items, path+"[]")
	}
	return nil
}

func checkRules(r *ValidationRules, t SchemaType, path string) error {
	stringish := t == TypeString || t == TypeDate || t == TypeDateTime
	switch {
	case !stringish && (r.MinLength != nil || r.MaxLength != nil || r.Pattern != "" || r.Format != "" || len(r.Enum) > 0):
		return fmt.Errorf("%s: string rules used on %s", path, t)
	case t != TypeNumber && (r.Minimum != nil || r.Maximum != nil):
		return fmt.Errorf("%s: number rules used on %s", path, t)
	case t != TypeArray && (r.MinItems != nil || r.MaxItems != nil || r.UniqueItems):
		return fmt.Errorf("%s: array rules used on %s", path, t)
	}
	if r.Pattern != "" {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("%s: invalid pattern: %w", path, err)
		}
	}
	if r.Format != "" {
		if _, ok := defaultFormats()[r.Format]; !ok {
			return fmt.Errorf("%s: unknown format %s", path, r.Format)
		}
	}
	return nil
}
