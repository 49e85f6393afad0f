package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// The config file may be JSON or YAML. Only the JSON decoder is strict
// (DisallowUnknownFields), so YAML input is converted to JSON bytes first
// and both formats then share the one decode path in Parse.
//
// asJSON returns (jsonBytes, format) where format is "json" or "yaml".
func asJSON(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	b, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return b, "yaml", nil
}

// stringKeys rewrites every map key to a string, recursively. YAML permits
// non-string keys; json.Marshal does not.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = stringKeys(val)
		}
		return x
	}
	return v
}
