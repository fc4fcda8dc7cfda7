// Package permission tracks user permission requests: creation, coalescing,
// resolution, expiry, and an audit trail of every decision. Waiters are
// first-class awaitables scoped to the requesting session, so a session
// teardown can never strand one.
package permission

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/agentrun/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the permission request lifecycle state. The state machine is
// strictly monotone: pending is the only non-terminal state.
type State string

const (
	StatePending   State = "pending"
	StateGranted   State = "granted"
	StateDenied    State = "denied"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s admits no further transition.
func (s State) Terminal() bool { return s != StatePending }

// Request is one permission request.
type Request struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	SessionID string               `json:"session_id"`
	Operation string               `json:"operation"`
	Details   map[string]any       `json:"details,omitempty"`
	Tier      types.PermissionTier `json:"tier"`
	State     State                `json:"state"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
	DecidedAt *time.Time           `json:"decided_at,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

// Decision resolves an awaitable with the terminal state.
type Decision struct {
	State  State
	Reason string
}

// Granted reports whether the decision allows the operation.
func (d Decision) Granted() bool { return d.State == StateGranted }

// Config tunes the manager.
type Config struct {
	DefaultTTL    time.Duration
	HardCap       time.Duration
	SweepInterval time.Duration
}

// Manager owns the permission request lifecycle.
type Manager struct {
	cfg    Config
	audit  *AuditLog
	logger *zap.Logger
	clock  func() time.Time

	mu       sync.Mutex
	requests map[string]*Request
	waiters  map[string][]chan Decision
	// pendingKeys coalesces duplicates: (session, operation, canonical
	// details) → pending request id.
	pendingKeys map[string]string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager. audit may be nil.
func NewManager(cfg Config, audit *AuditLog, logger *zap.Logger) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Manager{
		cfg:         cfg,
		audit:       audit,
		logger:      logger.With(zap.String("component", "permission_manager")),
		clock:       time.Now,
		requests:    make(map[string]*Request),
		waiters:     make(map[string][]chan Decision),
		pendingKeys: make(map[string]string),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background expiry sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(m.clock())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func coalesceKey(sessionID, operation string, details map[string]any) string {
	// json.Marshal sorts map keys, so equal detail sets canonicalize equal.
	canonical, _ := json.Marshal(details)
	return sessionID + "|" + operation + "|" + string(canonical)
}

// Create registers a permission request and returns its awaitable. An
// existing pending request in the same session with the same operation and
// canonicalized details is returned instead of a fresh one (coalescing).
// The request TTL is bounded by the configured hard cap.
func (m *Manager) Create(userID, sessionID, operation string, details map[string]any, tier types.PermissionTier) (*Request, <-chan Decision) {
	return m.CreateWithTTL(userID, sessionID, operation, details, tier, m.cfg.DefaultTTL)
}

// CreateWithTTL is Create with an explicit TTL.
func (m *Manager) CreateWithTTL(userID, sessionID, operation string, details map[string]any, tier types.PermissionTier, ttl time.Duration) (*Request, <-chan Decision) {
	if ttl <= 0 || ttl > m.cfg.HardCap {
		ttl = m.cfg.HardCap
	}
	key := coalesceKey(sessionID, operation, details)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.pendingKeys[key]; ok {
		if req := m.requests[existingID]; req != nil && req.State == StatePending {
			ch := make(chan Decision, 1)
			m.waiters[existingID] = append(m.waiters[existingID], ch)
			return cloneRequest(req), ch
		}
	}

	now := m.clock()
	req := &Request{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Operation: operation,
		Details:   details,
		Tier:      tier,
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	ch := make(chan Decision, 1)
	m.requests[req.ID] = req
	m.waiters[req.ID] = []chan Decision{ch}
	m.pendingKeys[key] = req.ID

	m.logger.Info("permission request created",
		zap.String("request_id", req.ID),
		zap.String("session_id", sessionID),
		zap.String("operation", operation),
		zap.String("tier", string(tier)),
	)
	return cloneRequest(req), ch
}

// Respond resolves a pending request as granted or denied.
func (m *Manager) Respond(requestID string, granted bool, reason string) error {
	state := StateDenied
	if granted {
		state = StateGranted
	}
	return m.resolve(requestID, state, reason)
}

// Cancel moves a pending request to cancelled. Cancelling a decided or
// unknown request is a no-op.
func (m *Manager) Cancel(requestID string) {
	_ = m.resolve(requestID, StateCancelled, "")
}

// CancelSession cancels every pending request owned by sessionID. Used on
// session teardown so no waiter outlives its session.
func (m *Manager) CancelSession(sessionID string) {
	m.mu.Lock()
	var ids []string
	for id, req := range m.requests {
		if req.SessionID == sessionID && req.State == StatePending {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}
}

func (m *Manager) resolve(requestID string, state State, reason string) error {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return types.Errorf(types.ErrNotFound, "permission request %q not found", requestID)
	}
	if req.State.Terminal() {
		m.mu.Unlock()
		if state == StateCancelled {
			return nil
		}
		return types.Errorf(types.ErrAlreadyDecided, "permission request %q already %s", requestID, req.State)
	}

	now := m.clock()
	req.State = state
	req.Reason = reason
	req.DecidedAt = &now
	delete(m.pendingKeys, coalesceKey(req.SessionID, req.Operation, req.Details))
	chs := m.waiters[requestID]
	delete(m.waiters, requestID)
	snapshot := cloneRequest(req)
	m.mu.Unlock()

	for _, ch := range chs {
		ch <- Decision{State: state, Reason: reason}
	}
	m.logger.Info("permission request resolved",
		zap.String("request_id", requestID),
		zap.String("state", string(state)),
	)
	if m.audit != nil {
		m.audit.Record(context.Background(), snapshot)
	}
	return nil
}

// Sweep expires every pending request whose deadline has elapsed. Exposed
// for tests; Start drives it on the configured interval.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	var expired []string
	for id, req := range m.requests {
		if req.State == StatePending && !now.Before(req.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.resolve(id, StateExpired, "timed out"); err == nil {
			m.logger.Warn("permission request expired", zap.String("request_id", id))
		}
	}
}

// Get returns a snapshot of the request.
func (m *Manager) Get(requestID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "permission request %q not found", requestID)
	}
	return cloneRequest(req), nil
}

// Filter narrows ListPending.
type Filter struct {
	UserID    string
	SessionID string
	Operation string
}

// ListPending returns pending requests matching the filter, oldest first.
func (m *Manager) ListPending(f Filter) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, req := range m.requests {
		if req.State != StatePending {
			continue
		}
		if f.UserID != "" && req.UserID != f.UserID {
			continue
		}
		if f.SessionID != "" && req.SessionID != f.SessionID {
			continue
		}
		if f.Operation != "" && req.Operation != f.Operation {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sortRequests(out)
	return out
}

func sortRequests(reqs []*Request) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].CreatedAt.Before(reqs[j-1].CreatedAt); j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}

func cloneRequest(r *Request) *Request {
	cp := *r
	if r.Details != nil {
		cp.Details = make(map[string]any, len(r.Details))
		for k, v := range r.Details {
			cp.Details[k] = v
		}
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}
