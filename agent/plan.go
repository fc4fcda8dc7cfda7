package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"gopkg.in/yaml.v3"
)

// planDocument is the schema the designer instructs the model to emit inside
// a fenced yaml block.
type planDocument struct {
	Thinking     string `yaml:"thinking"`
	DirectAnswer string `yaml:"direct_answer"`
	Workflow     struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Steps       []struct {
			Step               string         `yaml:"step"`
			Node               string         `yaml:"node"`
			Description        string         `yaml:"description"`
			Inputs             map[string]any `yaml:"inputs"`
			Outputs            []string       `yaml:"outputs"`
			RequiresPermission bool           `yaml:"requires_permission"`
		} `yaml:"steps"`
		Connections []struct {
			From   string `yaml:"from"`
			To     string `yaml:"to"`
			Action string `yaml:"action"`
		} `yaml:"connections"`
		SharedStoreSchema map[string]string `yaml:"shared_store_schema"`
	} `yaml:"workflow"`
	EstimatedSteps     int  `yaml:"estimated_steps"`
	RequiresUserInput  bool `yaml:"requires_user_input"`
	RequiresPermission bool `yaml:"requires_permission"`
}

// extractYAML pulls the fenced yaml block out of an LLM response. A response
// that is valid YAML top to bottom is accepted as-is.
func extractYAML(response string) (string, error) {
	if idx := strings.Index(response, "```yaml"); idx >= 0 {
		rest := response[idx+len("```yaml"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), nil
		}
		return "", fmt.Errorf("unterminated yaml block")
	}
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return "", fmt.Errorf("empty response")
	}
	return trimmed, nil
}

// parsePlan decodes the model's response into a plan document.
func parsePlan(response string) (*planDocument, error) {
	raw, err := extractYAML(response)
	if err != nil {
		return nil, types.NewError(types.ErrDesignFailed, "no yaml plan in response").WithCause(err)
	}
	var doc planDocument
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, types.NewError(types.ErrDesignFailed, "plan is not valid yaml").WithCause(err)
	}
	return &doc, nil
}

// toTemplate converts a parsed plan into a workflow template. Inputs given
// as `{from: key}` maps become scratchpad references; everything else is a
// literal. Missing connections on a linear plan are filled in step order.
func (p *planDocument) toTemplate(question string) (*workflow.Template, error) {
	w := p.Workflow
	if len(w.Steps) == 0 {
		return nil, types.NewError(types.ErrDesignFailed, "plan contains no steps")
	}

	tpl := &workflow.Template{
		Metadata: workflow.Metadata{
			Name:            w.Name,
			Description:     w.Description,
			QuestionPattern: question,
		},
		SharedStoreSchema: w.SharedStoreSchema,
	}

	for _, s := range w.Steps {
		stepName := s.Step
		if stepName == "" {
			stepName = s.Node
		}
		step := workflow.Step{
			StepName:           stepName,
			NodeName:           s.Node,
			Description:        s.Description,
			DeclaredOutputs:    s.Outputs,
			RequiresPermission: s.RequiresPermission,
		}
		if len(s.Inputs) > 0 {
			step.BoundInputs = make(map[string]workflow.Binding, len(s.Inputs))
			for key, value := range s.Inputs {
				step.BoundInputs[key] = toBinding(value)
			}
		}
		tpl.Steps = append(tpl.Steps, step)
	}

	for _, c := range w.Connections {
		action := c.Action
		if action == "" {
			action = workflow.DefaultAction
		}
		tpl.Edges = append(tpl.Edges, workflow.Edge{From: c.From, To: c.To, Action: action})
	}

	// a linear plan without explicit connections chains its steps
	if len(tpl.Edges) == 0 && len(tpl.Steps) > 1 {
		for i := 1; i < len(tpl.Steps); i++ {
			tpl.Edges = append(tpl.Edges, workflow.Edge{
				From:   tpl.Steps[i-1].StepName,
				To:     tpl.Steps[i].StepName,
				Action: workflow.DefaultAction,
			})
		}
	}

	return tpl, nil
}

func toBinding(value any) workflow.Binding {
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := v["from"].(string); ok && len(v) == 1 {
			return workflow.Binding{Ref: ref}
		}
	case map[any]any:
		// yaml.v3 decodes nested maps with any keys in some shapes
		if len(v) == 1 {
			if ref, ok := v["from"].(string); ok {
				return workflow.Binding{Ref: ref}
			}
		}
	}
	return workflow.Binding{Literal: value}
}

// reviewDocument is the schema of the design-review ("rethinking") pass.
type reviewDocument struct {
	Thinking            string   `yaml:"thinking"`
	NeedsRevision       bool     `yaml:"needs_revision"`
	RevisionSuggestions []string `yaml:"revision_suggestions"`
	ReadyToExecute      bool     `yaml:"ready_to_execute"`
}

func parseReview(response string) (*reviewDocument, error) {
	raw, err := extractYAML(response)
	if err != nil {
		return nil, err
	}
	var doc reviewDocument
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
