// Package capability defines the uniform invocation contract over
// heterogeneous node implementations and ships the built-in capability set.
//
// Every node runs through the same three phases, driven by the executor:
//
//	Prepare — pure projection of resolved inputs into the node's typed form
//	Run     — the actual work; idempotent on retry; honors ctx cancellation
//	Commit  — writes declared outputs into the scratchpad, returns the next
//	          action label for edge selection
package capability

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/agentrun/session"
)

// Inputs is the resolved input set for one invocation: bindings already
// projected from literals and scratchpad references.
type Inputs map[string]any

// String returns the input coerced to a string ("" when absent).
func (in Inputs) String(key string) string {
	v, ok := in[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// Float returns the input coerced to float64.
func (in Inputs) Float(key string) (float64, bool) {
	switch v := in[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Capability is the executable behavior behind a registry descriptor.
type Capability interface {
	// Name is the implementation identifier bound from descriptors.
	Name() string

	// Prepare validates and projects inputs. It must not perform I/O.
	Prepare(ctx context.Context, in Inputs) (any, error)

	// Run performs the work. It must be idempotent on retry and must abort
	// promptly when ctx is cancelled.
	Run(ctx context.Context, prepared any) (any, error)

	// Commit writes the node's declared outputs into the scratchpad and
	// returns the action label selecting the outgoing edge ("" means the
	// default action).
	Commit(ctx context.Context, pad *session.Scratchpad, prepared, result any) (string, error)
}

// Interactive marks a capability whose Run phase is a user turn: the
// executor emits the question, suspends, and feeds the reply to Absorb in
// place of Run's result.
type Interactive interface {
	Capability

	// Question renders the outbound prompt from the prepared inputs.
	Question(prepared any) (prompt string, fields []string)

	// Absorb converts the user's raw reply into the run result.
	Absorb(answer json.RawMessage) (any, error)
}
