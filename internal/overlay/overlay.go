// Package overlay resolves a project's effective configuration from its base
// configuration and an ordered list of active profiles.
package overlay

import (
	"fmt"

	"flowline/internal/config"
)

// Resolve folds the active profiles over the base configuration in order.
// Nested maps merge recursively; any other value, lists included, is replaced
// wholesale. The last active profile wins on conflicts. An empty profile list
// returns a copy of the base unchanged.
func Resolve(base map[string]any, profiles map[string]*config.Profile, active []string) (map[string]any, error) {
	result := deepCopy(base)
	for _, name := range active {
		p, ok := profiles[name]
		if !ok {
			return nil, fmt.Errorf("unknown profile %q", name)
		}
		if p == nil || p.Configuration == nil {
			continue
		}
		result = Merge(result, p.Configuration)
	}
	return result, nil
}

// Merge returns base with over applied on top. Both inputs stay untouched.
func Merge(base, over map[string]any) map[string]any {
	result := deepCopy(base)
	for k, v := range over {
		overMap, overIsMap := v.(map[string]any)
		baseMap, baseIsMap := result[k].(map[string]any)
		if overIsMap && baseIsMap {
			result[k] = Merge(baseMap, overMap)
			continue
		}
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopy(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}
