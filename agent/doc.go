// Package agent implements the orchestration stages of the runtime and the
// per-session loop that drives them.
//
// A session cycle runs Designer → Executor → Optimizer:
//
//   - the Designer turns a question, the node catalog and similar stored
//     templates into a validated workflow template (with a bounded review
//     loop critiquing the draft before execution);
//   - the Executor interprets the template step by step, suspending at
//     user-input and permission points and streaming progress frames;
//   - the Optimizer folds the outcome into the store, composes the reply,
//     and decides whether one redesign attempt is warranted.
//
// The Interaction layer is the thin demultiplexer routing inbound frames to
// the exact waiter they resolve. All LLM non-determinism is contained at the
// Designer boundary: everything downstream operates on validated templates.
package agent
