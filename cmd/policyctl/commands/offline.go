package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gopolicy/internal/dsl"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

// readInputFile reads path, or stdin when path is "-".
func readInputFile(cmd interface{ InOrStdin() io.Reader }, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadRule reads a rule file. YAML files hold a whole rule record; any other
// file is taken as bare rule source.
func loadRule(path string, data []byte) (*rules.Rule, error) {
	r := rules.Rule{}
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		r.Source = string(data)
	}
	if r.ID == "" {
		r.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Version < 1 {
		r.Version = 1
	}
	if strings.TrimSpace(r.Source) == "" {
		return nil, fmt.Errorf("%s: rule source is empty", path)
	}
	if factType, fields, ok := dsl.DeclaredSchema(r.Source); ok {
		r.FactType = factType
		r.Fields = fields
	}
	return &r, nil
}

// decodeEvalInput reads evaluation input as a JSON object. An object whose
// only key is "data" is unwrapped, so API request bodies work too.
func decodeEvalInput(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var input map[string]any
	if err := dec.Decode(&input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if len(input) == 1 {
		if inner, ok := input["data"].(map[string]any); ok {
			return inner, nil
		}
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
