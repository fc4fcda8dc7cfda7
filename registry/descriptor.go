package registry

import (
	"regexp"

	"github.com/BaSui01/agentrun/types"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Example is a sample input/output pair used as few-shot prompt material.
type Example struct {
	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// NodeDescriptor is an immutable catalog entry describing one capability.
type NodeDescriptor struct {
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Category       types.Category       `json:"category"`
	PermissionTier types.PermissionTier `json:"permission_tier"`
	Inputs         []string             `json:"inputs"`
	Outputs        []string             `json:"outputs"`
	Examples       []Example            `json:"examples,omitempty"`
	EstimatedCost  float64              `json:"estimated_cost,omitempty"`
	EstimatedTime  int                  `json:"estimated_time,omitempty"`
	// Invoke names the capability implementation bound at load time.
	// Empty means the implementation shares the descriptor name.
	Invoke string `json:"invoke,omitempty"`
}

// InvokeTarget returns the capability implementation name for the descriptor.
func (d *NodeDescriptor) InvokeTarget() string {
	if d.Invoke != "" {
		return d.Invoke
	}
	return d.Name
}

// Validate checks the descriptor's structural invariants.
func (d *NodeDescriptor) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return types.Errorf(types.ErrInvalidDescriptor, "node name %q does not match [a-z][a-z0-9_]*", d.Name)
	}
	if !types.ValidCategory(d.Category) {
		return types.Errorf(types.ErrInvalidDescriptor, "node %q has unknown category %q", d.Name, d.Category)
	}
	if !types.ValidTier(d.PermissionTier) {
		return types.Errorf(types.ErrInvalidDescriptor, "node %q has unknown permission tier %q", d.Name, d.PermissionTier)
	}
	return nil
}
