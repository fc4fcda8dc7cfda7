// Package registry holds the declarative catalog of callable capabilities.
// It is populated once at startup from a JSON configuration document and is
// read-only afterwards, so lookups take no lock.
package registry

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/BaSui01/agentrun/types"
	"go.uber.org/zap"
)

// Binder resolves a descriptor's invoke target to a capability
// implementation. The capability package provides the production binder.
type Binder interface {
	Bound(name string) bool
}

// Registry is the node catalog.
type Registry struct {
	nodes  map[string]*NodeDescriptor
	sorted []string
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]*NodeDescriptor),
		logger: logger.With(zap.String("component", "registry")),
	}
}

// configDocument is the on-disk shape: a top-level "nodes" mapping.
type configDocument struct {
	Nodes map[string]NodeDescriptor `json:"nodes"`
}

// Load populates the registry from the JSON document at path and verifies
// every invoke target binds. Any invalid descriptor fails the whole load.
func Load(path string, binder Binder, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidDescriptor, "read registry config %s", path).WithCause(err)
	}

	var doc configDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.Errorf(types.ErrInvalidDescriptor, "parse registry config %s", path).WithCause(err)
	}

	r := New(logger)
	// Deterministic registration order so duplicate detection is stable.
	names := make([]string, 0, len(doc.Nodes))
	for name := range doc.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		desc := doc.Nodes[name]
		if desc.Name == "" {
			desc.Name = name
		}
		if binder != nil && !binder.Bound(desc.InvokeTarget()) {
			return nil, types.Errorf(types.ErrInvalidDescriptor,
				"node %q invoke target %q is not bound", desc.Name, desc.InvokeTarget())
		}
		if err := r.Register(&desc); err != nil {
			return nil, err
		}
	}

	r.logger.Info("registry loaded",
		zap.String("path", path),
		zap.Int("nodes", len(r.nodes)),
	)
	return r, nil
}

// Register adds a descriptor. It fails with DUPLICATE_NAME when the name is
// already taken and INVALID_DESCRIPTOR when the descriptor is malformed.
func (r *Registry) Register(desc *NodeDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if _, exists := r.nodes[desc.Name]; exists {
		return types.Errorf(types.ErrDuplicateName, "node %q already registered", desc.Name)
	}
	r.nodes[desc.Name] = desc

	idx := sort.SearchStrings(r.sorted, desc.Name)
	r.sorted = append(r.sorted, "")
	copy(r.sorted[idx+1:], r.sorted[idx:])
	r.sorted[idx] = desc.Name
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*NodeDescriptor, error) {
	desc, ok := r.nodes[name]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "node %q not registered", name)
	}
	return desc, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.nodes[name]
	return ok
}

// ListAll returns every descriptor in ascending name order.
func (r *Registry) ListAll() []*NodeDescriptor {
	out := make([]*NodeDescriptor, 0, len(r.sorted))
	for _, name := range r.sorted {
		out = append(out, r.nodes[name])
	}
	return out
}

// ListByCategory returns descriptors of the given category, name-ordered.
func (r *Registry) ListByCategory(category types.Category) []*NodeDescriptor {
	var out []*NodeDescriptor
	for _, name := range r.sorted {
		if r.nodes[name].Category == category {
			out = append(out, r.nodes[name])
		}
	}
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}
