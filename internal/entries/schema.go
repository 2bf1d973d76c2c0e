package entries

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const inputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["consumed_at", "category", "size_l"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 64},
    "consumed_at": {"type": "string", "format": "date-time"},
    "category": {"enum": ["beer", "wine", "sekt", "longdrink", "shot", "other"]},
    "size_l": {"type": "number", "exclusiveMinimum": 0, "maximum": 10},
    "custom_name": {"type": ["string", "null"], "maxLength": 80},
    "abv_percent": {"type": ["number", "null"], "minimum": 0, "maximum": 100},
    "note": {"type": ["string", "null"], "maxLength": 500}
  }
}`

const patchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "consumed_at": {"type": "string", "format": "date-time"},
    "category": {"enum": ["beer", "wine", "sekt", "longdrink", "shot", "other"]},
    "size_l": {"type": "number", "exclusiveMinimum": 0, "maximum": 10},
    "custom_name": {"type": "string", "maxLength": 80},
    "abv_percent": {"type": "number", "minimum": 0, "maximum": 100},
    "clear_abv_percent": {"type": "boolean"},
    "note": {"type": "string", "maxLength": 500}
  }
}`

// ValidationError reports why a payload was rejected. It matches
// ErrInvalidInput with errors.Is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid entry input: " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

var (
	schemaOnce  sync.Once
	inputSchema *jsonschema.Schema
	patchSchema *jsonschema.Schema
	schemaErr   error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	for name, raw := range map[string]string{
		"entry-input.json": inputSchemaJSON,
		"entry-patch.json": patchSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			schemaErr = fmt.Errorf("parse %s: %w", name, err)
			return
		}
		if err := c.AddResource(name, doc); err != nil {
			schemaErr = fmt.Errorf("add %s: %w", name, err)
			return
		}
	}
	if inputSchema, schemaErr = c.Compile("entry-input.json"); schemaErr != nil {
		return
	}
	patchSchema, schemaErr = c.Compile("entry-patch.json")
}

func validateAgainst(sch func() *jsonschema.Schema, value any) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	data, err := json.Marshal(value)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return ValidateJSON(sch(), data)
}

// ValidateJSON checks raw JSON against a compiled schema.
func ValidateJSON(sch *jsonschema.Schema, data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

func Validate(input Input) error {
	if input.ConsumedAt.IsZero() {
		return &ValidationError{Message: "consumed_at is required"}
	}
	return validateAgainst(func() *jsonschema.Schema { return inputSchema }, input)
}

func ValidateRow(row Row) error {
	if row.ConsumedAt.IsZero() {
		return &ValidationError{Message: "consumed_at is required"}
	}
	return validateAgainst(func() *jsonschema.Schema { return inputSchema }, row)
}

func ValidatePatch(patch Patch) error {
	if patch.IsEmpty() {
		return &ValidationError{Message: "patch has no fields"}
	}
	return validateAgainst(func() *jsonschema.Schema { return patchSchema }, patch)
}
