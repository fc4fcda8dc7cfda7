package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/permission"
	"github.com/BaSui01/agentrun/registry"
	"github.com/BaSui01/agentrun/session"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"go.uber.org/zap"
)

// Transport is the framed bidirectional stream a session rides on. The
// WebSocket handler adapts the wire connection to this.
type Transport interface {
	ReadFrame(ctx context.Context) (session.Frame, error)
	WriteFrame(ctx context.Context, f session.Frame) error
	Close() error
}

type transportEmitter struct{ t Transport }

func (e transportEmitter) Emit(ctx context.Context, f session.Frame) error {
	return e.t.WriteFrame(ctx, f)
}

// Runtime wires the stages together and drives one cooperative task per
// session.
type Runtime struct {
	designer    *Designer
	executor    *Executor
	optimizer   *Optimizer
	interaction *Interaction
	perms       *permission.Manager
	store       *store.Store
	registry    *registry.Registry
	metrics     *metrics.Collector
	logger      *zap.Logger

	sessionDeadline time.Duration
	historyLimit    int
}

// RuntimeConfig wires a Runtime.
type RuntimeConfig struct {
	Designer        *Designer
	Executor        *Executor
	Optimizer       *Optimizer
	Permissions     *permission.Manager
	Store           *store.Store
	Registry        *registry.Registry
	Metrics         *metrics.Collector
	SessionDeadline time.Duration
	HistoryLimit    int
}

// NewRuntime assembles the per-session loop.
func NewRuntime(cfg RuntimeConfig, logger *zap.Logger) *Runtime {
	if cfg.SessionDeadline <= 0 {
		cfg.SessionDeadline = 15 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	r := &Runtime{
		designer:        cfg.Designer,
		executor:        cfg.Executor,
		optimizer:       cfg.Optimizer,
		perms:           cfg.Permissions,
		store:           cfg.Store,
		registry:        cfg.Registry,
		metrics:         cfg.Metrics,
		logger:          logger.With(zap.String("component", "runtime")),
		sessionDeadline: cfg.SessionDeadline,
		historyLimit:    cfg.HistoryLimit,
	}
	r.interaction = NewInteraction(cfg.Permissions, cfg.Optimizer, logger)
	return r
}

// ServeConn owns one connection until it closes: the read loop routes
// inbound frames while a worker goroutine runs chat cycles sequentially.
// Teardown resolves every outstanding waiter as cancelled.
func (r *Runtime) ServeConn(ctx context.Context, userID string, transport Transport) {
	sess := session.New("", userID, transportEmitter{transport}, r.historyLimit, r.logger)
	if r.metrics != nil {
		r.metrics.SessionOpened()
		defer r.metrics.SessionClosed()
	}
	r.logger.Info("session opened",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
	)

	// per-session soft deadline
	sessCtx, cancel := context.WithTimeout(ctx, r.sessionDeadline)
	defer cancel()

	chats := make(chan string, 4)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for question := range chats {
			r.RunCycle(sessCtx, sess, question)
			if sess.Phase() != session.PhaseTerminal {
				sess.SetPhase(session.PhaseIdle)
			}
		}
	}()

	for {
		frame, err := transport.ReadFrame(sessCtx)
		if err != nil {
			r.logger.Info("session transport closed",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
			break
		}
		r.interaction.Dispatch(sess, frame, chats)
	}

	// unwind: cancel the in-flight capability and resolve all waiters, then
	// let the worker finish its terminal frames before the session closes
	cancel()
	r.perms.CancelSession(sess.ID)
	sess.CancelPending()
	close(chats)
	wg.Wait()
	sess.Close()
	r.optimizer.ForgetSession(sess.ID)
	_ = transport.Close()
	r.logger.Info("session closed", zap.String("session_id", sess.ID))
}

// RunCycle executes one full Designer → Executor → Optimizer pass for a
// user turn. Exported so tests (and embedded callers) can drive a session
// without a transport read loop.
func (r *Runtime) RunCycle(ctx context.Context, sess *session.Session, question string) {
	started := time.Now()
	status := session.StatusFailed
	defer func() {
		if r.metrics != nil {
			r.metrics.WorkflowFinished(status, time.Since(started))
		}
	}()

	if err := sess.Emit(ctx, session.MustFrame(session.TypeStart, struct{}{})); err != nil {
		return
	}
	sess.AppendHistory("user", question)
	sess.Scratchpad().Set("user_message", question)

	// ---- design ----
	sess.SetPhase(session.PhaseDesigning)
	result, err := r.design(ctx, sess, question, "", "")
	if err != nil {
		r.endWith(sess, session.StatusFailed, "I could not come up with a workable plan: "+err.Error())
		return
	}

	if result.DirectAnswer != "" {
		r.streamAnswer(ctx, sess, result.DirectAnswer)
		sess.AppendHistory("assistant", result.DirectAnswer)
		status = session.StatusOK
		r.endWith(sess, session.StatusOK, "")
		return
	}

	tpl := r.persist(result.Template)
	if err := sess.Emit(ctx, session.MustFrame(session.TypeWorkflowDesign, map[string]any{"template": tpl})); err != nil {
		return
	}

	// ---- execute + optimize, with at most one redesign ----
	outcome := r.executor.Execute(ctx, sess, tpl)
	report := r.optimizer.Process(ctx, sess, outcome)

	if report.Redesign {
		r.logger.Info("attempting redesign after failure",
			zap.String("session_id", sess.ID),
			zap.String("template_id", tpl.Metadata.ID),
		)
		retryResult, retryErr := r.design(ctx, sess, question, report.Diagnostic, result.PlanYAML)
		if retryErr == nil && retryResult.Template != nil {
			tpl = r.persist(retryResult.Template)
			if err := sess.Emit(ctx, session.MustFrame(session.TypeWorkflowDesign, map[string]any{"template": tpl})); err != nil {
				return
			}
			outcome = r.executor.Execute(ctx, sess, tpl)
			report = r.optimizer.Process(ctx, sess, outcome)
			report.Redesign = false // second failure is terminal
		}
	}

	status = report.Status
	sess.AppendHistory("assistant", report.Summary)
	r.endWith(sess, report.Status, report.Summary)
}

// design runs the designer plus the bounded review loop.
func (r *Runtime) design(ctx context.Context, sess *session.Session, question, feedback, previousPlan string) (*DesignResult, error) {
	initialKeys := sess.Scratchpad().Keys()
	result, err := r.designer.Design(ctx, question, sess.History(), initialKeys, feedback, previousPlan)
	if err != nil {
		return nil, err
	}
	if result.DirectAnswer != "" {
		return result, nil
	}

	for round := 1; round <= maxReviewRounds; round++ {
		review, reviewErr := r.designer.Review(ctx, question, result.Template, round)
		if reviewErr != nil {
			break
		}
		if err := sess.Emit(ctx, session.MustFrame(session.TypeWorkflowReview, review)); err != nil {
			return nil, err
		}
		if !review.NeedsRevision {
			break
		}
		suggestions := strings.Join(review.RevisionSuggestions, "\n")
		revised, revErr := r.designer.Design(ctx, question, sess.History(), initialKeys,
			"Reviewer suggestions:\n"+suggestions, result.PlanYAML)
		if revErr != nil || revised.Template == nil {
			// keep the current draft rather than fail the turn
			r.logger.Warn("revision failed, keeping draft", zap.Error(revErr))
			break
		}
		result = revised
	}
	return result, nil
}

// persist saves the template; a store failure downgrades to the unsaved
// template so execution proceeds (learning is best-effort).
func (r *Runtime) persist(tpl *workflow.Template) *workflow.Template {
	stored, err := r.store.Save(tpl, r.registry)
	if err != nil {
		if types.IsCode(err, types.ErrStoreIO) {
			r.logger.Warn("template not persisted, continuing", zap.Error(err))
			return tpl
		}
		// validation rejections should have been caught at design time
		r.logger.Error("template rejected by store", zap.Error(err))
		return tpl
	}
	return stored
}

// streamAnswer emits a direct answer as chunk frames.
func (r *Runtime) streamAnswer(ctx context.Context, sess *session.Session, answer string) {
	const chunkSize = 120
	for start := 0; start < len(answer); start += chunkSize {
		end := start + chunkSize
		if end > len(answer) {
			end = len(answer)
		}
		frame := session.MustFrame(session.TypeChunk, map[string]string{"content": answer[start:end]})
		if err := sess.Emit(ctx, frame); err != nil {
			return
		}
	}
}

func (r *Runtime) endWith(sess *session.Session, status, summary string) {
	// the end frame must survive a cancelled cycle context while the
	// transport is still up
	emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame := session.MustFrame(session.TypeEnd, session.EndContent{Status: status, Summary: summary})
	if err := sess.Emit(emitCtx, frame); err != nil {
		r.logger.Debug("end frame dropped", zap.Error(err))
	}
}
