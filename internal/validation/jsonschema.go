// Package validation checks workflow documents: structural validation
// of the version-1 file format via JSON Schema, and semantic checks the
// schema cannot express (edge endpoints, port kinds, required inputs,
// acyclicity).
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// workflowFileSchemaJSON is the JSON Schema for the version-1 workflow
// file. Embedded as a constant to avoid filesystem dependencies. Node
// data payloads are kind-specific and intentionally left open here; the
// typed unmarshal and the semantic checks cover them.
const workflowFileSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://canvasflow.dev/schemas/workflow-file.json",
  "type": "object",
  "required": ["version", "nodes", "edges"],
  "properties": {
    "version": { "const": 1 },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "edgeStyle": { "type": "string" }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type", "position", "data"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["imageInput", "annotation", "prompt", "nanoBanana", "llmGenerate", "output"]
        },
        "position": {
          "type": "object",
          "required": ["x", "y"],
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          }
        },
        "style": {
          "type": "object",
          "properties": {
            "width": { "type": "number" },
            "height": { "type": "number" }
          }
        },
        "data": { "type": "object" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": ["string", "null"] },
        "target": { "type": "string", "minLength": 1 },
        "targetHandle": { "type": ["string", "null"] },
        "data": {
          "type": "object",
          "properties": {
            "hasPause": { "type": "boolean" }
          }
        }
      }
    }
  }
}`

// FileValidator validates raw workflow files against the version-1
// schema. Safe for concurrent use.
type FileValidator struct {
	fileSchema *jsonschema.Schema
}

// NewFileValidator compiles the embedded workflow file schema.
func NewFileValidator() (*FileValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowFileSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow file schema: %w", err)
	}
	if err := c.AddResource("https://canvasflow.dev/schemas/workflow-file.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow file schema resource: %w", err)
	}
	compiled, err := c.Compile("https://canvasflow.dev/schemas/workflow-file.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow file schema: %w", err)
	}
	return &FileValidator{fileSchema: compiled}, nil
}

// ValidateRaw validates raw workflow file bytes against the schema.
func (v *FileValidator) ValidateRaw(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow file is not valid JSON").WithCause(err)
	}
	if err := v.fileSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateFile validates a parsed workflow file by round-tripping it
// through its wire form.
func (v *FileValidator) ValidateFile(f *schema.WorkflowFile) error {
	if f == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow file is nil")
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow file").WithCause(err)
	}
	return v.ValidateRaw(raw)
}

// toFlowError converts a jsonschema.ValidationError into a FlowError
// with the leaf violations collected for actionable reporting.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
