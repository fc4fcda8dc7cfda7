package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/agentrun/llm"
	"github.com/BaSui01/agentrun/registry"
	"github.com/BaSui01/agentrun/session"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
	"go.uber.org/zap"
)

// Optimizer digests executor outcomes: records learning signals in the
// store, composes the user-facing reply, and decides whether a single
// redesign attempt is worth making.
type Optimizer struct {
	store    *store.Store
	registry *registry.Registry
	provider llm.Provider
	model    string
	logger   *zap.Logger

	mu sync.Mutex
	// lastCompleted maps session id → template id of the most recently
	// completed run, the anchor for out-of-band feedback.
	lastCompleted map[string]string
}

// NewOptimizer creates the optimizer stage.
func NewOptimizer(s *store.Store, reg *registry.Registry, provider llm.Provider, model string, logger *zap.Logger) *Optimizer {
	return &Optimizer{
		store:         s,
		registry:      reg,
		provider:      provider,
		model:         model,
		logger:        logger.With(zap.String("component", "optimizer")),
		lastCompleted: make(map[string]string),
	}
}

// Report is the optimizer's verdict on one execution.
type Report struct {
	Status     string // session.StatusOK / StatusFailed / StatusCancelled
	Summary    string
	Redesign   bool
	Diagnostic string
}

// Process folds the outcome into the store and prepares the reply. Store
// failures are logged and never abort the session.
func (o *Optimizer) Process(ctx context.Context, sess *session.Session, outcome *Outcome) Report {
	sess.SetPhase(session.PhaseOptimizing)
	templateID := outcome.Template.Metadata.ID

	if outcome.Success() {
		o.recordOutcome(templateID, true)
		o.rememberCompleted(sess.ID, templateID)
		return Report{
			Status:  session.StatusOK,
			Summary: o.composeSummary(ctx, sess, outcome),
		}
	}

	terminal := outcome.TerminalErr
	if terminal == nil {
		// no sink completed and nothing errored: every branch terminated
		// early; treat as a template fault
		terminal = types.NewError(types.ErrCapabilityFailed, "no sink step completed")
	}

	switch terminal.Code {
	case types.ErrPermissionDenied, types.ErrPermissionExpired:
		// user choice, not template fault: usage moves, success rate does not
		o.touch(templateID)
		return Report{
			Status:  session.StatusFailed,
			Summary: fmt.Sprintf("Understood — I stopped before %q since permission was not granted. Nothing was executed beyond that point.", terminal.Step),
		}

	case types.ErrUserCancelled, types.ErrSessionCancelled:
		return Report{
			Status:  session.StatusCancelled,
			Summary: "The request was cancelled.",
		}

	case types.ErrInvalidInput, types.ErrCapabilityFailed, types.ErrUnknownNode:
		o.recordOutcome(templateID, false)
		return Report{
			Status:     session.StatusFailed,
			Summary:    fmt.Sprintf("Step %q failed: %s", terminal.Step, terminal.Message),
			Redesign:   true,
			Diagnostic: diagnosticPrompt(terminal.Step, string(terminal.Code), terminal.Message, outcome.CompletedSteps()),
		}

	default:
		o.recordOutcome(templateID, false)
		return Report{
			Status:  session.StatusFailed,
			Summary: fmt.Sprintf("Execution failed: %s", terminal.Message),
		}
	}
}

// composeSummary builds the final reply from the summaries of creation and
// analysis nodes, phrased by the model when one is available.
func (o *Optimizer) composeSummary(ctx context.Context, sess *session.Session, outcome *Outcome) string {
	var material []string
	for _, r := range outcome.StepResults {
		if r.Err != nil || r.Skipped {
			continue
		}
		desc, err := o.registry.Get(r.NodeName)
		if err != nil {
			continue
		}
		switch desc.Category {
		case types.CategoryCreation, types.CategoryAnalysis:
			material = append(material, fmt.Sprintf("%s: %v", r.StepName, summarize(r.Result)))
		}
	}
	if len(material) == 0 {
		// fall back to whatever the last completed step produced
		for i := len(outcome.StepResults) - 1; i >= 0; i-- {
			r := outcome.StepResults[i]
			if r.Err == nil && !r.Skipped {
				material = append(material, fmt.Sprintf("%s: %v", r.StepName, summarize(r.Result)))
				break
			}
		}
	}
	question := outcome.Template.Metadata.QuestionPattern

	if o.provider != nil {
		resp, err := o.provider.Completion(ctx, &llm.ChatRequest{
			Model:    o.model,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: summaryPrompt(question, material)}},
		})
		if err == nil && resp.Content != "" {
			return resp.Content
		}
		o.logger.Warn("summary phrasing failed, using raw material", zap.Error(err))
	}
	if len(material) == 0 {
		return "All steps completed."
	}
	return fmt.Sprintf("Completed. %s", material[len(material)-1])
}

// AbsorbFeedback attaches out-of-band user feedback to the session's most
// recently completed template.
func (o *Optimizer) AbsorbFeedback(sessionID, content string) {
	o.mu.Lock()
	templateID, ok := o.lastCompleted[sessionID]
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("feedback with no completed template, dropped",
			zap.String("session_id", sessionID),
		)
		return
	}
	if err := o.store.AppendFeedback(templateID, content); err != nil {
		o.logger.Warn("feedback write failed",
			zap.String("template_id", templateID),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("feedback recorded",
		zap.String("template_id", templateID),
		zap.String("feedback", clip(content, 80)),
	)
}

func (o *Optimizer) rememberCompleted(sessionID, templateID string) {
	o.mu.Lock()
	o.lastCompleted[sessionID] = templateID
	o.mu.Unlock()
}

// ForgetSession drops the feedback anchor when the session goes away.
func (o *Optimizer) ForgetSession(sessionID string) {
	o.mu.Lock()
	delete(o.lastCompleted, sessionID)
	o.mu.Unlock()
}

func (o *Optimizer) recordOutcome(templateID string, success bool) {
	if templateID == "" {
		return
	}
	if err := o.store.RecordOutcome(templateID, success); err != nil {
		// learning failures never block the reply
		o.logger.Warn("outcome not recorded",
			zap.String("template_id", templateID),
			zap.Error(err),
		)
	}
}

func (o *Optimizer) touch(templateID string) {
	if templateID == "" {
		return
	}
	if err := o.store.Touch(templateID); err != nil {
		o.logger.Warn("usage not recorded",
			zap.String("template_id", templateID),
			zap.Error(err),
		)
	}
}
