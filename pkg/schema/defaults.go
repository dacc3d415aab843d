package schema

// applyDefaults fills missing object fields that declare a default. Existing
// values are never overridden.
func applyDefaults(data interface{}, p *Property) interface{} {
	switch p.Type {
	case TypeObject:
		obj, ok := data.(map[string]interface{})
		if !ok {
			if data != nil {
				return data
			}
			obj = make(map[string]interface{})
		}
		for name, child := range p.Properties {
			value, exists := obj[name]
			switch {
			case !exists && child.Default != nil:
				obj[name] = child.Default
			case exists:
				obj[name] = applyDefaults(value, child)
			}
		}
		return obj
	case TypeArray:
		arr, ok := data.([]interface{})
		if !ok || p.Items == nil {
			return data
		}
		for i, item := range arr {
			arr[i] = applyDefaults(item, p.Items)
		}
		return arr
	}
	if data == nil && p.Default != nil {
		return p.Default
	}
	return data
}
