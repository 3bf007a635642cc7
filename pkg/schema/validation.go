package schema

import (
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult aggregates all issues found while validating a workflow.
type ValidationResult struct {
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// Valid returns true if there are no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an issue.
func (r *ValidationResult) AddError(path, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Message: message})
}

// ToError converts the result to an EngineError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow validation failed with %d errors", len(r.Errors))
	}
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"errors": r.Errors})
}

// ValidateWorkflow checks the structural invariants the engine relies on:
// step orders strictly increasing and unique, exactly one trigger sentinel,
// at most one end sentinel, non-empty step ids.
func ValidateWorkflow(w *Workflow) *ValidationResult {
	res := &ValidationResult{}
	if w == nil {
		res.AddError("/", "workflow is nil")
		return res
	}
	if w.ID == "" {
		res.AddError("/id", "workflow id is empty")
	}
	if len(w.Steps) == 0 {
		res.AddError("/steps", "workflow has no steps")
		return res
	}

	steps := w.OrderedSteps()
	seenIDs := make(map[string]struct{}, len(steps))
	triggers, ends := 0, 0
	prevOrder := steps[0].Order - 1
	for i, s := range steps {
		path := fmt.Sprintf("/steps/%d", i)
		if s.ID == "" {
			res.AddError(path+"/id", "step id is empty")
		} else if _, dup := seenIDs[s.ID]; dup {
			res.AddError(path+"/id", fmt.Sprintf("duplicate step id %q", s.ID))
		} else {
			seenIDs[s.ID] = struct{}{}
		}
		if s.Order <= prevOrder {
			res.AddError(path+"/order", fmt.Sprintf("step order %d is not strictly increasing", s.Order))
		}
		prevOrder = s.Order

		switch s.Type {
		case StepTypeTrigger:
			triggers++
		case StepTypeEnd:
			ends++
		case StepTypeAction, StepTypeDecision:
		default:
			res.AddError(path+"/type", fmt.Sprintf("unknown step type %q", s.Type))
		}
		switch s.Assignment.Type {
		case AssigneeHuman, AssigneeAgent:
		default:
			res.AddError(path+"/assignment", fmt.Sprintf("unknown assignee type %q", s.Assignment.Type))
		}
	}
	if triggers != 1 {
		res.AddError("/steps", fmt.Sprintf("workflow must have exactly one trigger step, found %d", triggers))
	}
	if ends > 1 {
		res.AddError("/steps", fmt.Sprintf("workflow may have at most one end step, found %d", ends))
	}
	return res
}

// decisionSchemaJSON is the JSON Schema the decision service's response must
// satisfy before the client attempts to decode it. Embedded as a constant to
// avoid filesystem dependencies.
const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sequent.dev/schemas/decision.json",
  "type": "object",
  "required": ["message"],
  "properties": {
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": { "type": "string", "minLength": 1 },
          "parameters": { "type": "object" }
        },
        "additionalProperties": false
      }
    },
    "message": { "type": "string" },
    "needs_guidance": { "type": "boolean" },
    "guidance_question": { "type": "string" },
    "requested_file_type": { "type": "string" },
    "file_description": { "type": "string" },
    "preview_image_url": { "type": "string" },
    "preview_image_caption": { "type": "string" }
  },
  "additionalProperties": false
}`

var (
	decisionSchemaOnce sync.Once
	decisionSchema     *jsonschema.Schema
	decisionSchemaErr  error
)

func compiledDecisionSchema() (*jsonschema.Schema, error) {
	decisionSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchemaJSON))
		if err != nil {
			decisionSchemaErr = fmt.Errorf("unmarshal decision schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource("https://sequent.dev/schemas/decision.json", doc); err != nil {
			decisionSchemaErr = fmt.Errorf("add decision schema resource: %w", err)
			return
		}
		decisionSchema, decisionSchemaErr = c.Compile("https://sequent.dev/schemas/decision.json")
	})
	return decisionSchema, decisionSchemaErr
}

// ValidateDecisionPayload checks a raw decision-service response against the
// decision JSON Schema. Any shape violation is a MALFORMED_DECISION.
func ValidateDecisionPayload(data []byte) error {
	compiled, err := compiledDecisionSchema()
	if err != nil {
		return NewError(ErrCodeMalformedDecision, "decision schema unavailable").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return NewError(ErrCodeMalformedDecision, "decision response is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// toEngineError converts a jsonschema.ValidationError into a MALFORMED_DECISION
// EngineError with leaf violation messages.
func toEngineError(err error) *EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return NewError(ErrCodeMalformedDecision, err.Error())
	}
	violations := collectViolations(verr)
	msg := verr.Error()
	if len(violations) > 0 {
		msg = violations[0]
	}
	return NewError(ErrCodeMalformedDecision, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
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
