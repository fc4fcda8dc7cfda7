package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BaSui01/agentrun/llm"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseDesigning          Phase = "designing"
	PhaseExecuting          Phase = "executing"
	PhaseAwaitingUser       Phase = "awaiting_user"
	PhaseAwaitingPermission Phase = "awaiting_permission"
	PhaseOptimizing         Phase = "optimizing"
	PhaseTerminal           Phase = "terminal"
)

// Emitter delivers an outbound frame to the transport. Implementations must
// be safe for sequential use; the session serializes all emissions.
type Emitter interface {
	Emit(ctx context.Context, f Frame) error
}

// Answer resolves a pending user question. Cancelled is set when the session
// closed before a reply arrived.
type Answer struct {
	Content   json.RawMessage
	Cancelled bool
}

// Session is one conversation: one scratchpad, one current template, one
// outstanding waiter at a time per question id.
type Session struct {
	ID     string
	UserID string

	pad          *Scratchpad
	emitter      Emitter
	logger       *zap.Logger
	historyLimit int

	mu               sync.Mutex
	emitMu           sync.Mutex
	phase            Phase
	closed           bool
	history          []llm.Message
	pendingQuestions map[string]chan Answer
	currentTemplate  *workflow.Template
	currentStepIndex int
}

// New creates an idle session bound to an emitter.
func New(id, userID string, emitter Emitter, historyLimit int, logger *zap.Logger) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:               id,
		UserID:           userID,
		pad:              NewScratchpad(logger),
		emitter:          emitter,
		logger:           logger.With(zap.String("component", "session"), zap.String("session_id", id)),
		historyLimit:     historyLimit,
		phase:            PhaseIdle,
		pendingQuestions: make(map[string]chan Answer),
	}
}

// Scratchpad returns the session dataplane.
func (s *Session) Scratchpad() *Scratchpad { return s.pad }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase transitions the lifecycle phase. Terminal is sticky.
func (s *Session) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseTerminal {
		return
	}
	s.phase = p
}

// SetCurrentTemplate records the template under execution.
func (s *Session) SetCurrentTemplate(t *workflow.Template, stepIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTemplate = t
	s.currentStepIndex = stepIndex
}

// CurrentTemplate returns the template under execution, if any.
func (s *Session) CurrentTemplate() (*workflow.Template, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTemplate, s.currentStepIndex
}

// Emit sends a frame; emissions are totally ordered per session.
func (s *Session) Emit(ctx context.Context, f Frame) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.isClosed() {
		return types.NewError(types.ErrSessionCancelled, "session closed")
	}
	return s.emitter.Emit(ctx, f)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AskUser registers a waiter and emits the user_question frame atomically
// with respect to inbound routing: the waiter exists before the frame leaves
// the session, so a prompt reply can never miss it.
func (s *Session) AskUser(ctx context.Context, question string, fields []string) (string, <-chan Answer, error) {
	questionID := uuid.NewString()
	ch := make(chan Answer, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", nil, types.NewError(types.ErrSessionCancelled, "session closed")
	}
	s.pendingQuestions[questionID] = ch
	s.mu.Unlock()

	frame := MustFrame(TypeUserQuestion, UserQuestionContent{
		QuestionID: questionID,
		Question:   question,
		Fields:     fields,
	})
	if err := s.Emit(ctx, frame); err != nil {
		s.mu.Lock()
		delete(s.pendingQuestions, questionID)
		s.mu.Unlock()
		return "", nil, err
	}
	return questionID, ch, nil
}

// ResolveQuestion routes an inbound user_response to its waiter. Unrouted
// ids return false; the caller logs and drops.
func (s *Session) ResolveQuestion(questionID string, content json.RawMessage) bool {
	s.mu.Lock()
	ch, ok := s.pendingQuestions[questionID]
	if ok {
		delete(s.pendingQuestions, questionID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	ch <- Answer{Content: content}
	return true
}

// HasPendingQuestion reports whether any question waiter is outstanding.
func (s *Session) HasPendingQuestion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingQuestions) > 0
}

// AppendHistory records a conversation turn, trimming to the history limit.
func (s *Session) AppendHistory(role llm.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, llm.Message{Role: role, Content: content})
	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// CancelPending resolves every outstanding waiter as cancelled without
// closing the emitter, so the unwinding cycle can still deliver its final
// end frame.
func (s *Session) CancelPending() {
	s.mu.Lock()
	pending := s.pendingQuestions
	s.pendingQuestions = make(map[string]chan Answer)
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- Answer{Cancelled: true}
		s.logger.Debug("cancelled pending question", zap.String("question_id", id))
	}
}

// Close resolves every outstanding waiter as cancelled and makes the session
// terminal. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.phase = PhaseTerminal
	pending := s.pendingQuestions
	s.pendingQuestions = make(map[string]chan Answer)
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- Answer{Cancelled: true}
		s.logger.Debug("cancelled pending question", zap.String("question_id", id))
	}
}
