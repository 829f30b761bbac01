package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/lanternlabs/lantern/internal/mcp"
	"github.com/lanternlabs/lantern/internal/schedule"
)

// ToolSource exposes the active tool catalog for build-time validation.
type ToolSource interface {
	ToolDefinitions() []mcp.Tool
}

// ValidationError is one problem found in a workflow draft.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Builder validates workflow drafts against structural rules and the
// active tools' input schemas without persisting anything.
type Builder struct {
	tools ToolSource
}

// NewBuilder creates a builder over the given tool catalog.
func NewBuilder(tools ToolSource) *Builder {
	return &Builder{tools: tools}
}

// Build parses and validates a draft. On success it returns the normalized
// definition (ids filled, timestamps stamped, defaults applied); otherwise
// the full list of validation errors.
func (b *Builder) Build(draft json.RawMessage) (*Definition, []ValidationError) {
	var def Definition
	if err := json.Unmarshal(draft, &def); err != nil {
		return nil, []ValidationError{{Field: "", Message: fmt.Sprintf("invalid JSON: %v", err)}}
	}

	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if def.Name == "" {
		add("name", "name is required")
	}

	switch def.Trigger.Type {
	case TriggerCron:
		if err := schedule.ValidateCron(def.Trigger.Expression); err != nil {
			add("trigger.expression", "%v", err)
		}
	case TriggerEvent:
		if def.Trigger.Source == "" || def.Trigger.EventType == "" {
			add("trigger", "event trigger requires source and eventType")
		}
	default:
		add("trigger.type", "unknown trigger type %q", def.Trigger.Type)
	}

	if len(def.Steps) == 0 {
		add("steps", "at least one step is required")
	}

	catalog := make(map[string]mcp.Tool)
	for _, tool := range b.tools.ToolDefinitions() {
		catalog[tool.Name] = tool
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)

		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		if stepIDs[step.ID] {
			add(field+".id", "duplicate step id %q", step.ID)
		}
		stepIDs[step.ID] = true

		tool, known := catalog[step.ToolName]
		if !known {
			add(field+".toolName", "unknown tool %q", step.ToolName)
		} else if step.ServerName == "" {
			step.ServerName = tool.Server
		}

		switch step.OnError {
		case "":
			step.OnError = OnErrorStop
		case OnErrorStop, OnErrorSkip, OnErrorRetry:
		default:
			add(field+".onError", "unknown error policy %q", step.OnError)
		}

		allLiteral := true
		for key, val := range step.Inputs {
			switch val.Type {
			case InputLiteral:
			case InputVariable:
				allLiteral = false
			default:
				add(fmt.Sprintf("%s.inputTemplate.%s", field, key), "unknown input type %q", val.Type)
			}
		}

		// Schema validation needs concrete values; only literal-only steps
		// can be checked at build time.
		if known && allLiteral && len(tool.InputSchema) > 0 {
			if err := validateAgainstSchema(tool.InputSchema, literalArgs(step.Inputs)); err != nil {
				add(field+".inputTemplate", "%v", err)
			}
		}
	}

	// Variable references must point to declared (transitive) dependencies.
	ancestors := ancestorSets(def.Steps)
	for i, step := range def.Steps {
		for key, val := range step.Inputs {
			if val.Type != InputVariable {
				continue
			}
			if !ancestors[step.ID][val.StepID] {
				add(fmt.Sprintf("steps[%d].inputTemplate.%s", i, key),
					"variable references step %q which is not a dependency", val.StepID)
			}
		}
	}

	if _, ok := topoSort(def.Steps); !ok {
		add("steps", "dependency graph has a cycle or unknown dependency")
	}

	if len(errs) > 0 {
		return nil, errs
	}

	now := time.Now().UTC()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.CreatedAt = now
	def.UpdatedAt = now
	return &def, nil
}

// validateAgainstSchema checks an argument object against a tool's JSON
// schema.
func validateAgainstSchema(schemaJSON json.RawMessage, args map[string]any) error {
	var sch jsonschema.Schema
	if err := json.Unmarshal(schemaJSON, &sch); err != nil {
		// An unusable tool schema is the tool's problem, not the draft's.
		return nil
	}
	resolved, err := sch.Resolve(nil)
	if err != nil {
		return nil
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("inputs do not match tool schema: %v", err)
	}
	return nil
}

func literalArgs(inputs map[string]InputValue) map[string]any {
	args := make(map[string]any, len(inputs))
	for key, val := range inputs {
		args[key] = val.Value
	}
	return args
}

// ancestorSets computes, per step, the transitive closure of its declared
// dependencies.
func ancestorSets(steps []Step) map[string]map[string]bool {
	direct := make(map[string][]string, len(steps))
	for _, step := range steps {
		direct[step.ID] = step.DependsOn
	}

	out := make(map[string]map[string]bool, len(steps))
	var walk func(set map[string]bool, id string)
	walk = func(set map[string]bool, id string) {
		for _, dep := range direct[id] {
			if set[dep] {
				continue
			}
			set[dep] = true
			walk(set, dep)
		}
	}
	for _, step := range steps {
		set := make(map[string]bool)
		walk(set, step.ID)
		out[step.ID] = set
	}
	return out
}
