// Package types provides the shared type contracts of the agentrun runtime.
//
// types is the lowest-level package of the module and depends on nothing
// outside the standard library. It defines the structured error taxonomy
// used across the registry, store, permission manager and the orchestration
// stages, plus the enumerations (node categories, permission tiers) that
// every layer agrees on. Keeping these here avoids circular dependencies
// between the registry, the executor and the API surface.
package types
