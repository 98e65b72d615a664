package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type payloadFormat string

const (
	payloadFormatAuto payloadFormat = "auto"
	payloadFormatJSON payloadFormat = "json"
	payloadFormatYAML payloadFormat = "yaml"
)

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// loadPayload reads a JSON or YAML document and returns compact JSON.
func loadPayload(path string, format payloadFormat, stdin io.Reader) (json.RawMessage, error) {
	data, err := readInput(path, stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if format == payloadFormatAuto || format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			format = payloadFormatYAML
		default:
			format = payloadFormatJSON
		}
	}
	switch format {
	case payloadFormatYAML:
		return convertYAMLToJSON(data)
	case payloadFormatJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, bytes.TrimSpace(data)); err != nil {
			return nil, fmt.Errorf("payload is not valid JSON: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown payload format %q (auto|json|yaml)", format)
	}
}

func convertYAMLToJSON(data []byte) (json.RawMessage, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml payload: %w", err)
	}
	out, err := json.Marshal(yamlToJSON(doc))
	if err != nil {
		return nil, fmt.Errorf("encode yaml payload as json: %w", err)
	}
	return out, nil
}

// convertJSONToYAML renders a JSON payload for humans.
func convertJSONToYAML(data []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func yamlToJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = yamlToJSON(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = yamlToJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = yamlToJSON(item)
		}
		return out
	default:
		return val
	}
}
