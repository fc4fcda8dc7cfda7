package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/BaSui01/agentrun/capability"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/permission"
	"github.com/BaSui01/agentrun/registry"
	"github.com/BaSui01/agentrun/session"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	// retryBackoffBase is the first transient-retry delay; each retry
	// doubles it with up to +20% jitter.
	retryBackoffBase = 250 * time.Millisecond
	// maxRunAttempts bounds Run invocations per step.
	maxRunAttempts = 3
)

// StepResult records one step's fate.
type StepResult struct {
	StepName string
	NodeName string
	Result   any
	Err      *types.Error
	Skipped  bool
}

// Outcome is what the executor hands to the optimizer.
type Outcome struct {
	Template       *workflow.Template
	StepResults    []StepResult
	TerminalErr    *types.Error
	CompletedSinks int
	Started        time.Time
	Finished       time.Time
}

// Success reports whether execution reached at least one sink without a
// terminal error.
func (o *Outcome) Success() bool {
	return o.TerminalErr == nil && o.CompletedSinks > 0
}

// CompletedSteps lists the step names that ran to completion.
func (o *Outcome) CompletedSteps() []string {
	var out []string
	for _, r := range o.StepResults {
		if r.Err == nil && !r.Skipped {
			out = append(out, r.StepName)
		}
	}
	return out
}

// Executor interprets a validated template against a session.
type Executor struct {
	registry *registry.Registry
	binder   *capability.Binder
	perms    *permission.Manager
	pool     *pool.WorkerPool
	metrics  *metrics.Collector
	logger   *zap.Logger

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates the executor stage. collector may be nil.
func NewExecutor(reg *registry.Registry, binder *capability.Binder, perms *permission.Manager, workers *pool.WorkerPool, collector *metrics.Collector, logger *zap.Logger) *Executor {
	return &Executor{
		registry: reg,
		binder:   binder,
		perms:    perms,
		pool:     workers,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "executor")),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Execute runs the template to completion, suspension, or failure. The
// returned outcome always carries partial state; it never panics the
// session.
func (e *Executor) Execute(ctx context.Context, sess *session.Session, tpl *workflow.Template) *Outcome {
	ctx, span := otel.Tracer("agentrun").Start(ctx, "executor.execute")
	defer span.End()

	outcome := &Outcome{Template: tpl, Started: time.Now()}
	defer func() { outcome.Finished = time.Now() }()

	order, err := tpl.TopologicalOrder()
	if err != nil {
		outcome.TerminalErr = types.NewError(types.ErrInvalidInput, "template is not executable").WithCause(err)
		return outcome
	}

	active := make(map[string]bool)
	for _, src := range tpl.Sources() {
		active[src] = true
	}

	sess.SetPhase(session.PhaseExecuting)
	for i, stepName := range order {
		if ctx.Err() != nil {
			outcome.TerminalErr = types.NewError(types.ErrSessionCancelled, "session context cancelled").WithCause(ctx.Err())
			return outcome
		}
		if !active[stepName] {
			outcome.StepResults = append(outcome.StepResults, StepResult{StepName: stepName, Skipped: true})
			continue
		}

		step := tpl.Step(stepName)
		sess.SetCurrentTemplate(tpl, i)

		result, action, stepErr := e.runStep(ctx, sess, tpl, step, i, len(order))
		if stepErr != nil {
			outcome.StepResults = append(outcome.StepResults, StepResult{
				StepName: stepName, NodeName: step.NodeName, Err: stepErr,
			})
			outcome.TerminalErr = stepErr
			e.emitStepError(ctx, sess, stepName, stepErr)
			return outcome
		}

		outcome.StepResults = append(outcome.StepResults, StepResult{
			StepName: stepName, NodeName: step.NodeName, Result: result,
		})

		edges := tpl.OutgoingEdges(stepName)
		if len(edges) == 0 {
			outcome.CompletedSinks++
			continue
		}
		if edge, ok := tpl.SelectEdge(stepName, action); ok {
			active[edge.To] = true
		} else {
			// an action with no matching edge and no default terminates the
			// branch without error
			e.logger.Debug("branch terminated",
				zap.String("step", stepName),
				zap.String("action", action),
			)
		}
	}
	return outcome
}

// runStep drives the full step lifecycle: bindings, permission gate,
// progress frame, the three capability phases, and the completion frame.
func (e *Executor) runStep(ctx context.Context, sess *session.Session, tpl *workflow.Template, step *workflow.Step, index, total int) (any, string, *types.Error) {
	desc, err := e.registry.Get(step.NodeName)
	if err != nil {
		return nil, "", types.Errorf(types.ErrUnknownNode, "UnknownNode: %s", step.NodeName).WithStep(step.StepName)
	}
	cap, err := e.binder.Resolve(desc.InvokeTarget())
	if err != nil {
		return nil, "", types.Errorf(types.ErrUnknownNode, "capability %q unbound", desc.InvokeTarget()).WithStep(step.StepName)
	}

	inputs, bindErr := e.resolveInputs(sess.Scratchpad(), desc, step)
	if bindErr != nil {
		return nil, "", bindErr
	}

	prepared, prepErr := cap.Prepare(ctx, inputs)
	if prepErr != nil {
		return nil, "", capability.Classify(prepErr, step.StepName)
	}

	// Permission gate, strictly before the step's progress frame.
	if desc.PermissionTier != types.TierNone || step.RequiresPermission {
		if permErr := e.awaitPermission(ctx, sess, desc, step, inputs); permErr != nil {
			return nil, "", permErr
		}
		sess.SetPhase(session.PhaseExecuting)
	}

	// A user_question is strictly ordered before the step's progress frame,
	// so interactive steps register their waiter and emit the question first.
	interactive, isInteractive := cap.(capability.Interactive)
	var answerCh <-chan session.Answer
	if isInteractive {
		prompt, fields := interactive.Question(prepared)
		sess.SetPhase(session.PhaseAwaitingUser)
		var questionID string
		var askErr error
		questionID, answerCh, askErr = sess.AskUser(ctx, prompt, fields)
		if askErr != nil {
			return nil, "", types.NewError(types.ErrSessionCancelled, "could not deliver question").
				WithCause(askErr).WithStep(step.StepName)
		}
		e.logger.Info("awaiting user response",
			zap.String("step", step.StepName),
			zap.String("question_id", questionID),
		)
	}

	progress := session.MustFrame(session.TypeWorkflowProgress, session.ProgressContent{
		StepIndex:   index,
		TotalSteps:  total,
		StepName:    step.StepName,
		NodeName:    step.NodeName,
		Description: step.Description,
	})
	if err := sess.Emit(ctx, progress); err != nil {
		return nil, "", types.NewError(types.ErrSessionCancelled, "session gone").WithCause(err)
	}

	started := time.Now()
	var result any
	var runErr *types.Error
	if isInteractive {
		result, runErr = e.awaitAnswer(ctx, interactive, answerCh, step)
		if runErr == nil {
			sess.SetPhase(session.PhaseExecuting)
		}
	} else {
		result, runErr = e.runWithRetry(ctx, cap, prepared, step)
	}
	if runErr != nil {
		e.observeNode(step.NodeName, "error", time.Since(started))
		return nil, "", runErr
	}

	action, commitErr := cap.Commit(ctx, sess.Scratchpad(), prepared, result)
	if commitErr != nil {
		e.observeNode(step.NodeName, "error", time.Since(started))
		return nil, "", capability.Classify(commitErr, step.StepName)
	}
	if action == "" {
		action = workflow.DefaultAction
	}
	e.observeNode(step.NodeName, "ok", time.Since(started))

	complete := session.MustFrame(session.TypeNodeComplete, session.NodeCompleteContent{
		StepName: step.StepName,
		Result:   summarize(result),
	})
	if err := sess.Emit(ctx, complete); err != nil {
		return nil, "", types.NewError(types.ErrSessionCancelled, "session gone").WithCause(err)
	}
	return result, action, nil
}

// resolveInputs projects scratchpad state and step bindings into the node's
// declared inputs. A bound reference missing from the scratchpad is an
// InvalidInput; an unbound input falls back to the scratchpad key of the
// same name when present.
func (e *Executor) resolveInputs(pad *session.Scratchpad, desc *registry.NodeDescriptor, step *workflow.Step) (capability.Inputs, *types.Error) {
	inputs := make(capability.Inputs, len(desc.Inputs))
	for _, key := range desc.Inputs {
		if binding, ok := step.BoundInputs[key]; ok {
			if binding.IsRef() {
				value, present := pad.Get(binding.Ref)
				if !present {
					return nil, types.Errorf(types.ErrInvalidInput,
						"input %q references scratchpad key %q which is absent", key, binding.Ref).
						WithStep(step.StepName)
				}
				inputs[key] = value
			} else {
				inputs[key] = binding.Literal
			}
			continue
		}
		if value, present := pad.Get(key); present {
			inputs[key] = value
		}
	}
	// extra bindings beyond the declared inputs still resolve; nodes ignore
	// what they do not read
	for key, binding := range step.BoundInputs {
		if _, already := inputs[key]; already {
			continue
		}
		if binding.IsRef() {
			if value, present := pad.Get(binding.Ref); present {
				inputs[key] = value
			}
		} else {
			inputs[key] = binding.Literal
		}
	}
	return inputs, nil
}

// awaitPermission opens (or coalesces into) a permission request and blocks
// until it resolves.
func (e *Executor) awaitPermission(ctx context.Context, sess *session.Session, desc *registry.NodeDescriptor, step *workflow.Step, inputs capability.Inputs) *types.Error {
	tier := desc.PermissionTier
	if tier == types.TierNone {
		// forced by the template rather than the descriptor
		tier = types.TierBasic
	}

	operation := desc.Name
	switch desc.Category {
	case types.CategoryPayment, types.CategoryBooking:
		operation = string(desc.Category)
	}

	details := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		details[k] = v
	}
	details["step"] = step.StepName

	req, await := e.perms.Create(sess.UserID, sess.ID, operation, details, tier)

	sess.SetPhase(session.PhaseAwaitingPermission)
	frame := session.MustFrame(session.TypePermissionRequest, session.PermissionRequestContent{
		RequestID:   req.ID,
		Operation:   operation,
		Description: fmt.Sprintf("Step %q wants to run %s", step.StepName, desc.Name),
		Reason:      desc.Description,
		Tier:        string(tier),
		ExpiresAt:   req.ExpiresAt,
	})
	if err := sess.Emit(ctx, frame); err != nil {
		e.perms.Cancel(req.ID)
		return types.NewError(types.ErrSessionCancelled, "session gone").WithCause(err)
	}

	select {
	case decision := <-await:
		if e.metrics != nil {
			e.metrics.PermissionResolved(string(decision.State))
		}
		switch decision.State {
		case permission.StateGranted:
			return nil
		case permission.StateDenied:
			return types.Errorf(types.ErrPermissionDenied, "user denied %s", operation).WithStep(step.StepName)
		case permission.StateExpired:
			return types.Errorf(types.ErrPermissionExpired, "permission for %s expired", operation).WithStep(step.StepName)
		default:
			return types.NewError(types.ErrSessionCancelled, "permission cancelled").WithStep(step.StepName)
		}
	case <-ctx.Done():
		e.perms.Cancel(req.ID)
		return types.NewError(types.ErrSessionCancelled, "session context cancelled").WithCause(ctx.Err()).WithStep(step.StepName)
	}
}

// awaitAnswer suspends until the user replies (or the session unwinds) and
// absorbs the reply into the run result.
func (e *Executor) awaitAnswer(ctx context.Context, cap capability.Interactive, answerCh <-chan session.Answer, step *workflow.Step) (any, *types.Error) {
	select {
	case answer := <-answerCh:
		if answer.Cancelled {
			return nil, types.NewError(types.ErrUserCancelled, "session closed before the user replied").WithStep(step.StepName)
		}
		result, absorbErr := cap.Absorb(answer.Content)
		if absorbErr != nil {
			return nil, types.NewError(types.ErrInvalidInput, "unusable user reply").WithCause(absorbErr).WithStep(step.StepName)
		}
		return result, nil
	case <-ctx.Done():
		return nil, types.NewError(types.ErrSessionCancelled, "session context cancelled").WithCause(ctx.Err()).WithStep(step.StepName)
	}
}

// runWithRetry executes Run on the worker pool, retrying transient failures
// with exponential backoff (base 250ms, factor 2, jitter up to +20%).
func (e *Executor) runWithRetry(ctx context.Context, cap capability.Capability, prepared any, step *workflow.Step) (any, *types.Error) {
	var result any
	var lastErr *types.Error

	for attempt := 1; attempt <= maxRunAttempts; attempt++ {
		if attempt > 1 {
			delay := retryBackoffBase << (attempt - 2)
			delay += time.Duration(rand.Float64() * 0.2 * float64(delay))
			if err := e.sleep(ctx, delay); err != nil {
				return nil, types.NewError(types.ErrSessionCancelled, "cancelled during backoff").WithCause(err).WithStep(step.StepName)
			}
			if e.metrics != nil {
				e.metrics.NodeRetried()
			}
		}

		runErr := e.pool.Run(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = cap.Run(ctx, prepared)
			return innerErr
		})
		if runErr == nil {
			return result, nil
		}

		lastErr = capability.Classify(runErr, step.StepName)
		if lastErr.Code != types.ErrCapabilityTransient {
			return nil, lastErr
		}
		e.logger.Warn("transient capability failure",
			zap.String("step", step.StepName),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}

	// transient exhausted: promote
	return nil, types.Errorf(types.ErrCapabilityFailed, "step failed after %d attempts", maxRunAttempts).
		WithCause(lastErr).WithStep(step.StepName)
}

func (e *Executor) emitStepError(ctx context.Context, sess *session.Session, stepName string, stepErr *types.Error) {
	switch stepErr.Code {
	case types.ErrUserCancelled, types.ErrSessionCancelled:
		// the end frame alone reports cancellation
		return
	}
	frame := session.MustFrame(session.TypeNodeError, session.NodeErrorContent{
		StepName:  stepName,
		ErrorKind: string(stepErr.Code),
		Message:   stepErr.Message,
	})
	if err := sess.Emit(ctx, frame); err != nil {
		e.logger.Debug("node_error frame dropped", zap.Error(err))
	}
}

func (e *Executor) observeNode(node, result string, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.NodeExecuted(node, result, elapsed)
	}
}

// summarize bounds a step result for the node_complete frame.
func summarize(result any) any {
	switch v := result.(type) {
	case string:
		return clip(v, 500)
	case nil:
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil || len(data) <= 500 {
			return result
		}
		return clip(string(data), 500)
	}
}
