package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so both formats go through
// the same strict decoder. An empty document decodes as {}.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	doc, err := jsonValue("", doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// jsonValue rewrites mappings with non-string keys into string-keyed maps.
// Payload keys such as `1:` become "1"; a nested mapping used as a key is
// rejected with its path.
func jsonValue(at string, v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			nv, err := jsonValue(at+"."+k, e)
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			switch k.(type) {
			case map[any]any, map[string]any, []any:
				return nil, fmt.Errorf("yaml: %s: mapping key must be a scalar", strings.TrimPrefix(at, "."))
			}
			key := fmt.Sprint(k)
			nv, err := jsonValue(at+"."+key, e)
			if err != nil {
				return nil, err
			}
			out[key] = nv
		}
		return out, nil
	case []any:
		for i, e := range x {
			nv, err := jsonValue(fmt.Sprintf("%s[%d]", at, i), e)
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	}
	return v, nil
}
