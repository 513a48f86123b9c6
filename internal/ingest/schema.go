package ingest

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Minimal shape contracts for the webhook payloads we act on. Validation
// happens before normalization so malformed deliveries are rejected with
// field-level detail instead of failing deep inside the handler.
var payloadSchemas = map[string]string{
	"issues": `{
		"type": "object",
		"required": ["action", "issue", "repository"],
		"properties": {
			"action": {"type": "string"},
			"issue": {
				"type": "object",
				"required": ["number"],
				"properties": {
					"number": {"type": "integer"},
					"title": {"type": "string"},
					"labels": {"type": "array"}
				}
			},
			"label": {
				"type": "object",
				"properties": {"name": {"type": "string"}}
			},
			"repository": {
				"type": "object",
				"required": ["full_name"],
				"properties": {"full_name": {"type": "string"}}
			}
		}
	}`,
	"pull_request": `{
		"type": "object",
		"required": ["action", "pull_request", "repository"],
		"properties": {
			"action": {"type": "string"},
			"pull_request": {
				"type": "object",
				"required": ["number"],
				"properties": {
					"number": {"type": "integer"},
					"title": {"type": "string"},
					"merged": {"type": "boolean"}
				}
			},
			"repository": {
				"type": "object",
				"required": ["full_name"],
				"properties": {"full_name": {"type": "string"}}
			}
		}
	}`,
	"release": `{
		"type": "object",
		"required": ["action", "release", "repository"],
		"properties": {
			"action": {"type": "string"},
			"release": {
				"type": "object",
				"required": ["tag_name"],
				"properties": {
					"tag_name": {"type": "string"},
					"name": {"type": "string"}
				}
			},
			"repository": {
				"type": "object",
				"required": ["full_name"],
				"properties": {"full_name": {"type": "string"}}
			}
		}
	}`,
	"workflow_run": `{
		"type": "object",
		"required": ["action", "workflow_run", "repository"],
		"properties": {
			"action": {"type": "string"},
			"workflow_run": {
				"type": "object",
				"required": ["path"],
				"properties": {
					"name": {"type": "string"},
					"path": {"type": "string"},
					"conclusion": {"type": ["string", "null"]},
					"html_url": {"type": "string"}
				}
			},
			"repository": {
				"type": "object",
				"required": ["full_name"],
				"properties": {"full_name": {"type": "string"}}
			}
		}
	}`,
}

// ValidationError carries field-level schema violations for a payload.
type ValidationError struct {
	Errors []FieldError
}

// FieldError is a single violation at a specific field path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return "payload validation failed: " + strings.Join(parts, "; ")
}

// validatePayload checks the raw body of a known event type against its
// schema. Event types without a schema pass through untouched.
func validatePayload(eventType string, body []byte) error {
	schema, ok := payloadSchemas[eventType]
	if !ok {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		return fmt.Errorf("validate %s payload: %w", eventType, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Errors: make([]FieldError, 0, len(result.Errors()))}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		verr.Errors = append(verr.Errors, FieldError{Field: field, Message: desc.Description()})
	}
	return verr
}
