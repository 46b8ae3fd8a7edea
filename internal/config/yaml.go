package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Config files may be YAML or JSON. YAML input is converted to JSON bytes
// first so one strict decoder (DisallowUnknownFields) validates both formats
// and a typo in a field name is rejected the same way in either.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	j, err := json.Marshal(stringKeyed(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// stringKeyed rewrites map keys to strings recursively. yaml/v3 can yield
// map[any]any for some documents and json.Marshal refuses those.
func stringKeyed(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeyed(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeyed(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeyed(x[i])
		}
		return x
	default:
		return in
	}
}
