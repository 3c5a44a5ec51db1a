package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const eventSchemaURL = "https://escrowd.schemas.local/webhook/charge-event.schema.json"

// eventSchema accepts any event name but requires the full charge shape
// when the event is charge.success.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {"type": "string", "minLength": 1}
  },
  "if": {
    "properties": {"event": {"const": "charge.success"}}
  },
  "then": {
    "required": ["data"],
    "properties": {
      "data": {
        "type": "object",
        "required": ["reference", "amount", "metadata"],
        "properties": {
          "reference": {"type": "string", "minLength": 1, "maxLength": 255},
          "amount": {"type": "integer", "minimum": 1},
          "metadata": {
            "type": "object",
            "required": ["escrow_id"],
            "properties": {
              "escrow_id": {"type": "string", "minLength": 1, "maxLength": 64}
            }
          }
        }
      }
    }
  }
}`

// Schema validates raw webhook bodies before they are decoded.
type Schema struct {
	compiled *jsonschema.Schema
}

// NewSchema compiles the embedded charge event schema.
func NewSchema() (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(eventSchemaURL, strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("webhook schema load failed: %w", err)
	}
	compiled, err := c.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("webhook schema compile failed: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// Decode validates body and decodes it into an Event. Any failure wraps
// ErrInvalidPayload.
func (s *Schema) Decode(body []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &ev, nil
}
