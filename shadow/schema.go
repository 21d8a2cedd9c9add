package shadow

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// deltaSchema describes the delta notification. Validation runs before any
// field extraction so a malformed document is rejected as a whole.
const deltaSchema = `{
	"type": "object",
	"required": ["version", "state"],
	"properties": {
		"version": {"type": "integer", "minimum": 0},
		"state": {"type": "object"},
		"clientToken": {"type": "string"}
	}
}`

// errorSchema describes the error document published on rejected topics.
const errorSchema = `{
	"type": "object",
	"required": ["code"],
	"properties": {
		"code": {"type": "integer"},
		"message": {"type": "string"},
		"timestamp": {"type": "integer"},
		"clientToken": {"type": "string"}
	}
}`

var (
	deltaValidator = mustSchema(deltaSchema)
	errorValidator = mustSchema(errorSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(err)
	}
	return s
}

func validate(schema *gojsonschema.Schema, payload []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("shadow: payload is not valid JSON: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("shadow: malformed document: %s", result.Errors()[0])
	}
	return nil
}
