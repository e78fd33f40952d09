package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type fileFormat string

const (
	formatJSON fileFormat = "json"
	formatYAML fileFormat = "yaml"
)

// detectFormat goes by extension first. Files without a known extension are
// JSON when they open with a brace, YAML otherwise.
func detectFormat(name string, data []byte) fileFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".json":
		return formatJSON
	}
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
		return formatJSON
	}
	return formatYAML
}

// toJSON returns data as JSON so both formats go through the same strict
// decoder.
func toJSON(name string, data []byte) ([]byte, fileFormat, error) {
	f := detectFormat(name, data)
	if f == formatJSON {
		return data, f, nil
	}
	j, err := yamlToJSON(data)
	return j, f, err
}

// yamlToJSON accepts exactly one document whose top level is a mapping. An
// empty document is an empty mapping.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("more than one document")
		}
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}

	tree, err := jsonTree(doc, "")
	if err != nil {
		return nil, err
	}
	if _, ok := tree.(map[string]any); !ok {
		return nil, fmt.Errorf("top level is %T, want a mapping", doc)
	}
	return json.Marshal(tree)
}

// jsonTree rebuilds v with string keys only. A non-string key is an error
// rather than being stringified, so `1: x` never matches a field by accident.
func jsonTree(v any, at string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			c, err := jsonTree(child, joinPath(at, k))
			if err != nil {
				return nil, err
			}
			x[k] = c
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: key %v is not a string", displayPath(at), k)
			}
			c, err := jsonTree(child, joinPath(at, ks))
			if err != nil {
				return nil, err
			}
			out[ks] = c
		}
		return out, nil
	case []any:
		for i := range x {
			c, err := jsonTree(x[i], fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			x[i] = c
		}
		return x, nil
	default:
		return v, nil
	}
}

func joinPath(at, key string) string {
	if at == "" {
		return key
	}
	return at + "." + key
}

func displayPath(at string) string {
	if at == "" {
		return "top level"
	}
	return at
}
