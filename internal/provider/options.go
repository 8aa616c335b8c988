package provider

import "encoding/json"

// Float reads a numeric vendor option.
func Float(options map[string]any, key string) (float64, bool) {
	if options == nil {
		return 0, false
	}
	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// Int reads an integer vendor option.
func Int(options map[string]any, key string) (int, bool) {
	if options == nil {
		return 0, false
	}
	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i), true
			}
		}
	}
	return 0, false
}

// String reads a string vendor option.
func String(options map[string]any, key string) (string, bool) {
	if options == nil {
		return "", false
	}
	if value, ok := options[key]; ok {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}

// StringSlice reads a list-of-strings vendor option.
func StringSlice(options map[string]any, key string) ([]string, bool) {
	if options == nil {
		return nil, false
	}
	value, ok := options[key]
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}
