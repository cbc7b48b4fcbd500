package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidPayload is returned when a webhook body fails validation or
// cannot be decoded. No item of such a payload is processed.
var ErrInvalidPayload = errors.New("invalid webhook payload")

const schemaURL = "https://chatrelay.local/schemas/webhook.json"

const webhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "anyOf": [
    {"required": ["entries"]},
    {"required": ["entry"]},
    {"required": ["metaData"]}
  ],
  "properties": {
    "entries": {"$ref": "#/$defs/entries"},
    "entry": {"$ref": "#/$defs/entries"},
    "metaData": {
      "type": "object",
      "required": ["entry"],
      "properties": {
        "gs_app_id": {"type": "string"},
        "entry": {"$ref": "#/$defs/entries"}
      }
    }
  },
  "$defs": {
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "changes": {"type": "array", "items": {"$ref": "#/$defs/change"}}
        }
      }
    },
    "change": {
      "type": "object",
      "required": ["field"],
      "properties": {
        "field": {"type": "string"},
        "value": {
          "type": "object",
          "properties": {
            "messages": {"type": "array", "items": {"$ref": "#/$defs/message"}},
            "statuses": {"type": "array", "items": {"$ref": "#/$defs/status"}},
            "contacts": {"type": "array"},
            "metadata": {"type": "object"}
          }
        }
      }
    },
    "message": {
      "type": "object",
      "required": ["id", "from"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "from": {"type": "string"},
        "type": {"type": "string"},
        "timestamp": {"type": ["string", "integer"]}
      }
    },
    "status": {
      "type": "object",
      "required": ["status"],
      "properties": {
        "id": {"type": "string"},
        "meta_msg_id": {"type": "string"},
        "status": {"type": "string"}
      }
    }
  }
}`

// Validator checks webhook bodies against the envelope schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the webhook schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Validate reports whether data is a well-formed webhook envelope.
func (v *Validator) Validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
