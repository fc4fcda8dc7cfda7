// Package workflow defines the template model produced by the designer and
// interpreted by the executor: typed steps, action-labelled edges, and the
// DAG discipline that keeps execution well-founded.
package workflow

import (
	"encoding/json"
	"time"
)

// DefaultAction is the fallback edge label taken when a step's commit action
// matches no outgoing edge.
const DefaultAction = "default"

// Binding maps one declared input key of a node to its value source: either
// an inline literal or a reference to a scratchpad key.
type Binding struct {
	// Literal is the inline value when Ref is empty.
	Literal any
	// Ref names a scratchpad key written by an earlier step (or present at
	// template entry).
	Ref string
}

// IsRef reports whether the binding reads from the scratchpad.
func (b Binding) IsRef() bool { return b.Ref != "" }

type bindingWire struct {
	Ref   string `json:"ref,omitempty"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (b Binding) MarshalJSON() ([]byte, error) {
	return json.Marshal(bindingWire{Ref: b.Ref, Value: b.Literal})
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Binding) UnmarshalJSON(data []byte) error {
	var w bindingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Ref = w.Ref
	b.Literal = w.Value
	return nil
}

// Step is a single node invocation within a template.
type Step struct {
	StepName           string             `json:"step_name"`
	NodeName           string             `json:"node_name"`
	Description        string             `json:"description,omitempty"`
	BoundInputs        map[string]Binding `json:"bound_inputs,omitempty"`
	DeclaredOutputs    []string           `json:"declared_outputs,omitempty"`
	RequiresPermission bool               `json:"requires_permission,omitempty"`
}

// Edge is a control-flow dependency between two steps. Action labels the
// transition; the executor prefers an edge whose action matches the commit
// result and falls back to DefaultAction.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Action string `json:"action,omitempty"`
}

// Metadata carries the template's identity and learning statistics.
type Metadata struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	QuestionPattern string    `json:"question_pattern"`
	SuccessRate     float64   `json:"success_rate"`
	UsageCount      int       `json:"usage_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastUsedAt      time.Time `json:"last_used"`
	Tags            []string  `json:"tags,omitempty"`
	// Feedback is user commentary appended after completed runs; it never
	// alters the template structure.
	Feedback []string `json:"feedback,omitempty"`
}

// Template is a complete workflow: the unit designed, executed and stored.
type Template struct {
	Metadata          Metadata          `json:"metadata"`
	Steps             []Step            `json:"nodes"`
	Edges             []Edge            `json:"connections"`
	SharedStoreSchema map[string]string `json:"shared_store_schema,omitempty"`
}

// Step returns the step with the given name, or nil.
func (t *Template) Step(name string) *Step {
	for i := range t.Steps {
		if t.Steps[i].StepName == name {
			return &t.Steps[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving step name.
func (t *Template) OutgoingEdges(name string) []Edge {
	var out []Edge
	for _, e := range t.Edges {
		if e.From == name {
			out = append(out, e)
		}
	}
	return out
}

// NodeNames returns the distinct node names used by the template, in step
// order.
func (t *Template) NodeNames() []string {
	seen := make(map[string]bool, len(t.Steps))
	var out []string
	for _, s := range t.Steps {
		if !seen[s.NodeName] {
			seen[s.NodeName] = true
			out = append(out, s.NodeName)
		}
	}
	return out
}

// Clone returns a deep copy of the template. Stored templates are cloned on
// retrieval so callers cannot mutate the store's copy.
func (t *Template) Clone() *Template {
	cp := *t
	cp.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		sc := s
		if s.BoundInputs != nil {
			sc.BoundInputs = make(map[string]Binding, len(s.BoundInputs))
			for k, v := range s.BoundInputs {
				sc.BoundInputs[k] = v
			}
		}
		sc.DeclaredOutputs = append([]string(nil), s.DeclaredOutputs...)
		cp.Steps[i] = sc
	}
	cp.Edges = append([]Edge(nil), t.Edges...)
	cp.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	cp.Metadata.Feedback = append([]string(nil), t.Metadata.Feedback...)
	if t.SharedStoreSchema != nil {
		cp.SharedStoreSchema = make(map[string]string, len(t.SharedStoreSchema))
		for k, v := range t.SharedStoreSchema {
			cp.SharedStoreSchema[k] = v
		}
	}
	return &cp
}
