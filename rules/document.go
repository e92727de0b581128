package rules

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/rule.schema.json
var ruleSchemaJSON []byte

var ruleSchema = mustSchema(ruleSchemaJSON)

func mustSchema(data []byte) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded rule schema: %v", err))
	}
	return schema
}

// Document is the YAML form of a rule definition.
// rule, title and dedup are CEL expressions; severity is a literal label.
type Document struct {
	Description string `yaml:"description"`
	Rule        string `yaml:"rule"`
	Title       string `yaml:"title"`
	Severity    string `yaml:"severity"`
	Dedup       string `yaml:"dedup"`
	Threshold   *int   `yaml:"threshold"`
}

// HelperDocument is the YAML form of an underscore-prefixed helper file.
// Keys other than constants are ignored.
type HelperDocument struct {
	Constants map[string]any `yaml:"constants"`
}

// ParseDocument decodes and validates a rule definition. An empty body is a
// valid definition without capabilities.
func ParseDocument(body []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if raw == nil {
		return &Document{}, nil
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, fmt.Errorf("rule definition must be a mapping, got %T", raw)
	}

	result, err := ruleSchema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to validate rule definition: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("rule definition is invalid: %s", strings.Join(msgs, "; "))
	}

	var doc Document
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode rule definition: %w", err)
	}
	return &doc, nil
}

// ParseHelper decodes a helper file
func ParseHelper(body []byte) (*HelperDocument, error) {
	var doc HelperDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &doc, nil
}
