package roompolicy

import "fmt"

// Merge deep-merges overrides onto defaults and returns a new tree. Nested
// maps are merged key by key; every other value, lists included, is replaced
// wholesale by the override. Neither input is modified.
func Merge(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = cloneValue(v)
	}

	for k, v := range overrides {
		if om, ok := asMap(v); ok {
			if dm, ok := asMap(out[k]); ok {
				out[k] = Merge(dm, om)
				continue
			}
		}
		out[k] = cloneValue(v)
	}

	return out
}

// asMap normalizes the two map shapes a YAML or JSON decoder can produce.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = cloneValue(val)
		}
		return out
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, val := range list {
			out[i] = cloneValue(val)
		}
		return out
	}
	return v
}
