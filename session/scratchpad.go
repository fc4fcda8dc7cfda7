// Package session models one conversation: its scratchpad dataplane, the
// waiter plumbing for questions awaiting a user turn, and the framed
// message protocol spoken over the transport.
package session

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Scratchpad is the per-session key-value state shared between workflow
// steps. Writes never delete; overwriting an existing key is allowed and
// logged so learning runs can spot clobbered dataflow.
type Scratchpad struct {
	mu     sync.RWMutex
	values map[string]any
	logger *zap.Logger
}

// NewScratchpad creates an empty scratchpad.
func NewScratchpad(logger *zap.Logger) *Scratchpad {
	return &Scratchpad{
		values: make(map[string]any),
		logger: logger.With(zap.String("component", "scratchpad")),
	}
}

// Get returns the value for key.
func (s *Scratchpad) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value for key coerced to string ("" when absent or
// not a string).
func (s *Scratchpad) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Set writes key. Overwrites are logged, never rejected.
func (s *Scratchpad) Set(key string, value any) {
	s.mu.Lock()
	_, overwrite := s.values[key]
	s.values[key] = value
	s.mu.Unlock()

	if overwrite {
		s.logger.Debug("scratchpad key overwritten", zap.String("key", key))
	}
}

// Has reports whether key is present.
func (s *Scratchpad) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns the present keys in ascending order.
func (s *Scratchpad) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a shallow copy of the current state.
func (s *Scratchpad) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
