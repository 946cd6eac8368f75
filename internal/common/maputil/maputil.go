// Package maputil provides typed accessors for the loosely typed
// map[string]any payloads carried by JSON-RPC tool arguments.
package maputil

// GetString extracts a string value from a map, returning empty string if not
// found or wrong type.
func GetString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetInt extracts an int value from a map, returning 0 if not found or wrong
// type. Handles JSON numbers, which decode as float64, as well as native ints.
func GetInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// GetBool extracts a bool value from a map, returning false if not found or
// wrong type.
func GetBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

// GetMap extracts a nested map from a map, returning nil if not found or
// wrong type.
func GetMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// GetSlice extracts a slice from a map, returning nil if not found or wrong
// type.
func GetSlice(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

// GetStringSlice extracts a string slice from a map. JSON arrays decode as
// []any, so both representations are accepted; non-string elements are
// skipped.
func GetStringSlice(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
