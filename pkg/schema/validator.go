package schema

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Validator validates data against schemas
type Validator struct {
	formats map[string]FormatValidator

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewValidator creates a validator with the built-in formats.
func NewValidator() *Validator {
	return &Validator{
		formats:  defaultFormats(),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// RegisterFormat registers a custom format validator
func (v *Validator) RegisterFormat(format string, fn FormatValidator) {
	v.formats[format] = fn
}

// Validate returns every violation of data against s, ordered by path.
func (v *Validator) Validate(data interface{}, s *Schema) []ValidationError {
	errs := v.value(data, s.root(), "root")
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}

func mismatch(path, want string, got interface{}) ValidationError {
	return ValidationError{Path: path, Code: "TYPE_MISMATCH", Message: fmt.Sprintf("expected %s, got %T", want, got)}
}

func (v *Validator) value(data interface{}, p *Property, path string) []ValidationError {
	if data == nil {
		if p.Required {
			return []ValidationError{{Path: path, Code: "REQUIRED", Message: "field is required"}}
		}
		return nil
	}

	switch p.Type {
	case TypeString, TypeDate, TypeDateTime:
		s, ok := data.(string)
		if !ok {
			return []ValidationError{mismatch(path, "string", data)}
		}
		return v.str(s, p, path)
	case TypeNumber:
		n, ok := toFloat(data)
		if !ok {
			return []ValidationError{mismatch(path, "number", data)}
		}
		return number(n, p.Validation, path)
	case TypeBoolean:
		if _, ok := data.(bool); !ok {
			return []ValidationError{mismatch(path, "boolean", data)}
		}
	case TypeArray:
		arr, ok := data.([]interface{})
		if !ok {
			return []ValidationError{mismatch(path, "array", data)}
		}
		return v.array(arr, p, path)
	case TypeObject:
		obj, ok := data.(map[string]interface{})
		if !ok {
			return []ValidationError{mismatch(path, "object", data)}
		}
		return v.object(obj, p, path)
	}
	return nil
}

func (v *Validator) str(s string, p *Property, path string) []ValidationError {
	var errs []ValidationError
	format := ""
	switch p.Type {
	case TypeDate:
		format = "date"
	case TypeDateTime:
		format = "datetime"
	}

	r := p.Validation
	if r != nil {
		if r.MinLength != nil && len(s) < *r.MinLength {
			errs = append(errs, ValidationError{Path: path, Code: "MIN_LENGTH",
				Message: fmt.Sprintf("length %d is less than minimum %d", len(s), *r.MinLength)})
		}
		if r.MaxLength != nil && len(s) > *r.MaxLength {
			errs = append(errs, ValidationError{Path: path, Code: "MAX_LENGTH",
				Message: fmt.Sprintf("length %d exceeds maximum %d", len(s), *r.MaxLength)})
		}
		if r.Pattern != "" {
			re, err := v.pattern(r.Pattern)
			switch {
			case err != nil:
				errs = append(errs, ValidationError{Path: path, Code: "INVALID_PATTERN", Message: err.Error()})
			case !re.MatchString(s):
				errs = append(errs, ValidationError{Path: path, Code: "PATTERN_MISMATCH",
					Message: fmt.Sprintf("value does not match pattern '%s'", r.Pattern)})
			}
		}
		if len(r.Enum) > 0 && !contains(r.Enum, s) {
			errs = append(errs, ValidationError{Path: path, Code: "ENUM_MISMATCH",
				Message: fmt.Sprintf("value '%s' not in allowed values %v", s, r.Enum)})
		}
		if r.Format != "" {
			format = r.Format
		}
	}

	if format != "" {
		fn, ok := v.formats[format]
		switch {
		case !ok:
			errs = append(errs, ValidationError{Path: path, Code: "UNKNOWN_FORMAT",
				Message: fmt.Sprintf("unknown format validator: %s", format)})
		case !fn(s):
			errs = append(errs, ValidationError{Path: path, Code: "FORMAT_MISMATCH",
				Message: fmt.Sprintf("value does not match format '%s'", format)})
		}
	}
	return errs
}

func number(n float64, r *ValidationRules, path string) []ValidationError {
	if r == nil {
		return nil
	}
	var errs []ValidationError
	if r.Minimum != nil && n < *r.Minimum {
		errs = append(errs, ValidationError{Path: path, Code: "MIN_VALUE",
			Message: fmt.Sprintf("value %g is less than minimum %g", n, *r.Minimum)})
	}
	if r.Maximum != nil && n > *r.Maximum {
		errs = append(errs, ValidationError{Path: path, Code: "MAX_VALUE",
			Message: fmt.Sprintf("value %g exceeds maximum %g", n, *r.Maximum)})
	}
	return errs
}

func (v *Validator) array(arr []interface{}, p *Property, path string) []ValidationError {
	var errs []ValidationError
	if r := p.Validation; r != nil {
		if r.MinItems != nil && len(arr) < *r.MinItems {
			errs = append(errs, ValidationError{Path: path, Code: "MIN_ITEMS",
				Message: fmt.Sprintf("array length %d is less than minimum %d", len(arr), *r.MinItems)})
		}
		if r.MaxItems != nil && len(arr) > *r.MaxItems {
			errs = append(errs, ValidationError{Path: path, Code: "MAX_ITEMS",
				Message: fmt.Sprintf("array length %d exceeds maximum %d", len(arr), *r.MaxItems)})
		}
		if r.UniqueItems {
			seen := make(map[string]bool, len(arr))
			for i, item := range arr {
				key := fmt.Sprintf("%T:%v", item, item)
				if seen[key] {
					errs = append(errs, ValidationError{Path: fmt.Sprintf("%s[%d]", path, i), Code: "DUPLICATE_ITEM",
						Message: "duplicate item found"})
					break
				}
				seen[key] = true
			}
		}
	}
	if p.Items != nil {
		for i, item := range arr {
			errs = append(errs, v.value(item, p.Items, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return errs
}

func (v *Validator) object(obj map[string]interface{}, p *Property, path string) []ValidationError {
	var errs []ValidationError
	for name, child := range p.Properties {
		childPath := path + "." + name
		value, exists := obj[name]
		if !exists {
			if child.Required {
				errs = append(errs, ValidationError{Path: childPath, Code: "REQUIRED", Message: "required field missing"})
			}
			continue
		}
		errs = append(errs, v.value(value, child, childPath)...)
	}
	return errs
}

func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	v.patterns[expr] = re
	return re, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
