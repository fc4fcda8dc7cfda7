package workflow

import (
	"sort"

	"github.com/BaSui01/agentrun/types"
)

// NodeChecker answers whether a node name resolves in the registry. The
// registry satisfies this; tests use a map.
type NodeChecker interface {
	Has(name string) bool
}

// Validate checks the template's structural invariants: at least one step,
// unique step names, resolvable node names, a DAG edge set, and input
// references that target a prior step's declared output or a key present at
// template entry (initialKeys).
func (t *Template) Validate(nodes NodeChecker, initialKeys []string) error {
	if len(t.Steps) == 0 {
		return types.NewError(types.ErrInvalidInput, "template has no steps")
	}

	index := make(map[string]int, len(t.Steps))
	for i, s := range t.Steps {
		if s.StepName == "" {
			return types.Errorf(types.ErrInvalidInput, "step %d has no name", i)
		}
		if _, dup := index[s.StepName]; dup {
			return types.Errorf(types.ErrInvalidInput, "duplicate step name %q", s.StepName)
		}
		index[s.StepName] = i
		if nodes != nil && !nodes.Has(s.NodeName) {
			return types.Errorf(types.ErrUnknownNode, "UnknownNode: %s", s.NodeName)
		}
	}

	for _, e := range t.Edges {
		if _, ok := index[e.From]; !ok {
			return types.Errorf(types.ErrInvalidInput, "edge references unknown step %q", e.From)
		}
		if _, ok := index[e.To]; !ok {
			return types.Errorf(types.ErrInvalidInput, "edge references unknown step %q", e.To)
		}
	}

	order, err := t.TopologicalOrder()
	if err != nil {
		return err
	}

	// Each reference must be satisfiable by the time the step runs: written
	// by a step earlier in topological order, or present at entry.
	available := make(map[string]bool, len(initialKeys))
	for _, k := range initialKeys {
		available[k] = true
	}
	for _, name := range order {
		step := t.Steps[index[name]]
		for input, binding := range step.BoundInputs {
			if !binding.IsRef() {
				continue
			}
			if !available[binding.Ref] {
				return types.Errorf(types.ErrInvalidInput,
					"step %q input %q references key %q not produced by any prior step", name, input, binding.Ref)
			}
		}
		for _, out := range step.DeclaredOutputs {
			available[out] = true
		}
	}
	return nil
}

// TopologicalOrder returns the step names in a deterministic topological
// order (Kahn's algorithm, ties broken by template step order). A cycle
// yields an INVALID_INPUT error.
func (t *Template) TopologicalOrder() ([]string, error) {
	position := make(map[string]int, len(t.Steps))
	indegree := make(map[string]int, len(t.Steps))
	adj := make(map[string][]string, len(t.Steps))

	for i, s := range t.Steps {
		position[s.StepName] = i
		indegree[s.StepName] = 0
	}
	for _, e := range t.Edges {
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(t.Steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		head := ready[0]
		ready = ready[1:]
		order = append(order, head)
		for _, next := range adj[head] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(t.Steps) {
		return nil, types.NewError(types.ErrInvalidInput, "step graph contains a cycle")
	}
	return order, nil
}

// Sources returns steps with no incoming edges, in template order.
func (t *Template) Sources() []string {
	hasIncoming := make(map[string]bool)
	for _, e := range t.Edges {
		hasIncoming[e.To] = true
	}
	var out []string
	for _, s := range t.Steps {
		if !hasIncoming[s.StepName] {
			out = append(out, s.StepName)
		}
	}
	return out
}

// Sinks returns steps with no outgoing edges, in template order.
func (t *Template) Sinks() []string {
	hasOutgoing := make(map[string]bool)
	for _, e := range t.Edges {
		hasOutgoing[e.From] = true
	}
	var out []string
	for _, s := range t.Steps {
		if !hasOutgoing[s.StepName] {
			out = append(out, s.StepName)
		}
	}
	return out
}

// SelectEdge picks the outgoing edge of step matching action, falling back
// to the DefaultAction edge. The boolean is false when neither exists.
func (t *Template) SelectEdge(step, action string) (Edge, bool) {
	edges := t.OutgoingEdges(step)
	for _, e := range edges {
		if e.Action == action {
			return e, true
		}
	}
	for _, e := range edges {
		if e.Action == DefaultAction || e.Action == "" {
			return e, true
		}
	}
	return Edge{}, false
}
