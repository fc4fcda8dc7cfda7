package capability

import (
	"sort"

	"github.com/BaSui01/agentrun/types"
	"go.uber.org/zap"
)

// Binder maps implementation names to capabilities. The registry consults it
// at load time so a descriptor with no implementation fails startup instead
// of the first execution.
type Binder struct {
	caps   map[string]Capability
	logger *zap.Logger
}

// NewBinder creates an empty binder.
func NewBinder(logger *zap.Logger) *Binder {
	return &Binder{
		caps:   make(map[string]Capability),
		logger: logger.With(zap.String("component", "capability_binder")),
	}
}

// Register adds a capability implementation.
func (b *Binder) Register(c Capability) error {
	if _, exists := b.caps[c.Name()]; exists {
		return types.Errorf(types.ErrDuplicateName, "capability %q already bound", c.Name())
	}
	b.caps[c.Name()] = c
	return nil
}

// Bound implements registry.Binder.
func (b *Binder) Bound(name string) bool {
	_, ok := b.caps[name]
	return ok
}

// Resolve returns the capability for name.
func (b *Binder) Resolve(name string) (Capability, error) {
	c, ok := b.caps[name]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "capability %q not bound", name)
	}
	return c, nil
}

// Names returns the bound implementation names in ascending order.
func (b *Binder) Names() []string {
	out := make([]string, 0, len(b.caps))
	for name := range b.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultBinder returns a binder with every built-in capability registered.
func DefaultBinder(logger *zap.Logger) *Binder {
	b := NewBinder(logger)
	for _, c := range Builtins() {
		if err := b.Register(c); err != nil {
			// Builtins carry unique hard-coded names.
			b.logger.Error("builtin registration failed", zap.Error(err))
		}
	}
	return b
}
