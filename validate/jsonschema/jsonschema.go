// Package jsonschema adapts xeipuuv/gojsonschema into a bundoc.Validator,
// rejecting a candidate root that doesn't conform to a configured JSON
// Schema document.
package jsonschema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/bundoc-io/bundoc"
)

// Validator validates a candidate root against a fixed JSON Schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// New compiles schemaJSON (a JSON Schema document) into a Validator.
func New(schemaJSON []byte) (*Validator, error) {
	loader := gojsonschema.NewBytesLoader(schemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("bundoc/validate/jsonschema: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate implements bundoc.Validator.
func (v *Validator) Validate(candidate bundoc.Value) []string {
	doc := gojsonschema.NewGoLoader(candidate.ToNative())
	result, err := v.schema.Validate(doc)
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		issues = append(issues, re.String())
	}
	return issues
}
