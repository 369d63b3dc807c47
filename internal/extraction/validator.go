// File: internal/extraction/validator.go
package extraction

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://webpilot.local/extraction/output.schema.json"

// ErrOutputRejected wraps every validation failure of extracted data.
var ErrOutputRejected = errors.New("extraction output rejected")

// numberAPI decodes numbers as json.Number, which the validator expects.
var numberAPI = jsoniter.Config{UseNumber: true, SortMapKeys: true}.Froze()

// Verify compiles the schema as Draft 2020-12. A schema that passes
// containment but not this is a bug in the compiler.
func Verify(s *Schema) error {
	_, err := compile(s)
	return err
}

func compile(s *Schema) (*jsonschema.Schema, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	doc, err := s.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

// Validator checks documents against one compiled schema. It is safe for
// concurrent use.
type Validator struct {
	schema   *Schema
	compiled *jsonschema.Schema
}

// NewValidator verifies s and prepares it for validation.
func NewValidator(s *Schema) (*Validator, error) {
	compiled, err := compile(s)
	if err != nil {
		return nil, err
	}
	return &Validator{schema: s, compiled: compiled}, nil
}

// Schema returns the schema the validator enforces.
func (v *Validator) Schema() *Schema { return v.schema }

// ValidateJSON validates a raw JSON document.
func (v *Validator) ValidateJSON(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: no data supplied", ErrOutputRejected)
	}
	var doc interface{}
	if err := numberAPI.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrOutputRejected, err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputRejected, err)
	}
	return nil
}

// Validate validates an already decoded value by round-tripping it through
// JSON so numeric types match what the validator expects.
func (v *Validator) Validate(value interface{}) error {
	raw, err := numberAPI.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputRejected, err)
	}
	return v.ValidateJSON(raw)
}

// ValidateCompletion lets a Validator stand in as the step machine's
// completion check.
func (v *Validator) ValidateCompletion(payload []byte) error {
	return v.ValidateJSON(payload)
}
