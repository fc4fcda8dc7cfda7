package agent

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentrun/capability"
	"github.com/BaSui01/agentrun/registry"
	"github.com/BaSui01/agentrun/session"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHappyBookingPath drives the six-step flight DAG end to end: one user
// question, two permission gates, all granted.
func TestHappyBookingPath(t *testing.T) {
	h := newExecHarness(t)
	h.sess.Scratchpad().Set("user_message", "Book LAX to PVG afternoon, value")

	outcome := h.executor.Execute(context.Background(), h.sess, bookingTemplate())
	require.Nil(t, outcome.TerminalErr)
	assert.True(t, outcome.Success())
	assert.Equal(t, 1, outcome.CompletedSinks)
	assert.Len(t, outcome.CompletedSteps(), 6)

	// scratchpad holds the full dataflow
	pad := h.sess.Scratchpad()
	for _, key := range []string{"user_response", "flight_options", "cost_report",
		"matched_option", "booking_confirmation", "payment_confirmation"} {
		assert.True(t, pad.Has(key), key)
	}
	// value preference picked the cheapest option
	matched := pad.Snapshot()["matched_option"].(map[string]any)
	assert.Equal(t, 720.0, matched["price"])

	assert.Len(t, h.emitter.byType(session.TypeUserQuestion), 1)
	assert.Len(t, h.emitter.byType(session.TypePermissionRequest), 2)
	assert.Len(t, h.emitter.byType(session.TypeWorkflowProgress), 6)
	assert.Len(t, h.emitter.byType(session.TypeNodeComplete), 6)
	assert.Empty(t, h.emitter.byType(session.TypeNodeError))
}

// TestPermissionDenied halts at the booking step and reports the kind.
func TestPermissionDenied(t *testing.T) {
	h := newExecHarness(t)
	h.emitter.grant = func(operation string) bool { return operation != "booking" }

	outcome := h.executor.Execute(context.Background(), h.sess, bookingTemplate())
	require.NotNil(t, outcome.TerminalErr)
	assert.Equal(t, types.ErrPermissionDenied, outcome.TerminalErr.Code)
	assert.Equal(t, "book", outcome.TerminalErr.Step)
	assert.False(t, outcome.Success())

	errFrames := h.emitter.byType(session.TypeNodeError)
	require.Len(t, errFrames, 1)
	var content session.NodeErrorContent
	require.NoError(t, errFrames[0].Decode(&content))
	assert.Equal(t, "book", content.StepName)
	assert.Equal(t, "PERMISSION_DENIED", content.ErrorKind)

	// payment was never attempted
	assert.False(t, h.sess.Scratchpad().Has("payment_confirmation"))
}

// TestPermissionRequestPrecedesProgress checks the ordering guarantee.
func TestPermissionRequestPrecedesProgress(t *testing.T) {
	h := newExecHarness(t)
	h.executor.Execute(context.Background(), h.sess, bookingTemplate())

	order := h.emitter.types()
	firstPermission, firstBookProgress := -1, -1
	progressSeen := 0
	for i, frameType := range order {
		if frameType == session.TypePermissionRequest && firstPermission == -1 {
			firstPermission = i
		}
		if frameType == session.TypeWorkflowProgress {
			progressSeen++
			if progressSeen == 5 && firstBookProgress == -1 { // "book" is step 5
				firstBookProgress = i
			}
		}
	}
	require.GreaterOrEqual(t, firstPermission, 0)
	require.GreaterOrEqual(t, firstBookProgress, 0)
	assert.Less(t, firstPermission, firstBookProgress)
}

// TestUserQuestionPrecedesProgress: the question frame for an interactive
// step comes before that step's progress frame.
func TestUserQuestionPrecedesProgress(t *testing.T) {
	h := newExecHarness(t)
	h.executor.Execute(context.Background(), h.sess, bookingTemplate())

	order := h.emitter.types()
	question, progress := -1, -1
	for i, frameType := range order {
		if frameType == session.TypeUserQuestion && question == -1 {
			question = i
		}
		if frameType == session.TypeWorkflowProgress && progress == -1 {
			progress = i
		}
	}
	require.GreaterOrEqual(t, question, 0)
	require.GreaterOrEqual(t, progress, 0)
	assert.Less(t, question, progress)
}

// flakyCapability fails transiently a fixed number of times.
type flakyCapability struct {
	failures int
	runs     int
}

func (f *flakyCapability) Name() string { return "flaky_fetch" }
func (f *flakyCapability) Prepare(_ context.Context, in capability.Inputs) (any, error) {
	return in, nil
}
func (f *flakyCapability) Run(_ context.Context, prepared any) (any, error) {
	f.runs++
	if f.runs <= f.failures {
		return nil, capability.Transient("upstream 503")
	}
	return "fetched", nil
}
func (f *flakyCapability) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("fetched", result)
	return "", nil
}

func flakyTemplate() *workflow.Template {
	tpl := &workflow.Template{
		Metadata: workflow.Metadata{Name: "flaky", QuestionPattern: "fetch it"},
		Steps: []workflow.Step{
			{StepName: "fetch", NodeName: "flaky_fetch", DeclaredOutputs: []string{"fetched"}},
		},
	}
	tpl.Metadata.ID = tpl.ContentHash()
	return tpl
}

// TestTransientRetry: two transient failures then success means exactly
// three runs, one node_complete, no node_error, and backoff delays within
// the documented envelope.
func TestTransientRetry(t *testing.T) {
	h := newExecHarness(t)
	flaky := &flakyCapability{failures: 2}
	require.NoError(t, h.binder.Register(flaky))
	require.NoError(t, h.registry.Register(&registry.NodeDescriptor{
		Name: "flaky_fetch", Description: "flaky upstream", Category: types.CategoryUtility,
		PermissionTier: types.TierNone, Outputs: []string{"fetched"},
	}))

	var delays []time.Duration
	h.executor.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	outcome := h.executor.Execute(context.Background(), h.sess, flakyTemplate())
	require.Nil(t, outcome.TerminalErr)
	assert.Equal(t, 3, flaky.runs)
	assert.Len(t, h.emitter.byType(session.TypeNodeComplete), 1)
	assert.Empty(t, h.emitter.byType(session.TypeNodeError))

	require.Len(t, delays, 2)
	total := delays[0] + delays[1]
	assert.GreaterOrEqual(t, total, 750*time.Millisecond)
	assert.LessOrEqual(t, total, time.Duration(float64(750*time.Millisecond)*1.2))
}

// TestTransientPromotion: a capability that never recovers is promoted to
// CapabilityFailed after three attempts.
func TestTransientPromotion(t *testing.T) {
	h := newExecHarness(t)
	flaky := &flakyCapability{failures: 99}
	require.NoError(t, h.binder.Register(flaky))
	require.NoError(t, h.registry.Register(&registry.NodeDescriptor{
		Name: "flaky_fetch", Description: "flaky upstream", Category: types.CategoryUtility,
		PermissionTier: types.TierNone, Outputs: []string{"fetched"},
	}))

	outcome := h.executor.Execute(context.Background(), h.sess, flakyTemplate())
	require.NotNil(t, outcome.TerminalErr)
	assert.Equal(t, types.ErrCapabilityFailed, outcome.TerminalErr.Code)
	assert.Equal(t, 3, flaky.runs)
}

// TestInvalidInputHalts: a missing referenced scratchpad key stops the run.
func TestInvalidInputHalts(t *testing.T) {
	h := newExecHarness(t)
	tpl := &workflow.Template{
		Metadata: workflow.Metadata{Name: "broken"},
		Steps: []workflow.Step{
			{StepName: "analyze", NodeName: "cost_analysis",
				BoundInputs: map[string]workflow.Binding{"flight_options": {Ref: "never_written"}}},
		},
	}
	tpl.Metadata.ID = tpl.ContentHash()

	outcome := h.executor.Execute(context.Background(), h.sess, tpl)
	require.NotNil(t, outcome.TerminalErr)
	assert.Equal(t, types.ErrInvalidInput, outcome.TerminalErr.Code)
}

// TestBranchTermination: an action with no matching edge and no default
// terminates the branch without error; no sink completes, so the run does
// not count as a success.
func TestBranchTermination(t *testing.T) {
	h := newExecHarness(t)
	tpl := &workflow.Template{
		Metadata: workflow.Metadata{Name: "branching"},
		Steps: []workflow.Step{
			{StepName: "search", NodeName: "web_search",
				BoundInputs: map[string]workflow.Binding{"query": {Literal: "flights"}}},
			{StepName: "unreached", NodeName: "web_search",
				BoundInputs: map[string]workflow.Binding{"query": {Literal: "hotels"}}},
		},
		Edges: []workflow.Edge{
			// only a non-default label: web_search commits "default", so the
			// edge never matches and the branch ends at "search"
			{From: "search", To: "unreached", Action: "escalate"},
		},
	}
	tpl.Metadata.ID = tpl.ContentHash()

	outcome := h.executor.Execute(context.Background(), h.sess, tpl)
	require.Nil(t, outcome.TerminalErr)
	// "search" has outgoing edges, so it is not a sink; "unreached" was
	// never activated
	assert.Equal(t, 0, outcome.CompletedSinks)
	assert.False(t, outcome.Success())

	var skipped int
	for _, r := range outcome.StepResults {
		if r.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

// TestCancellationDuringQuestion: closing the session while a question is
// pending resolves the waiter as cancelled and fails the step with
// UserCancelled, with no node_error frame.
func TestCancellationDuringQuestion(t *testing.T) {
	h := newExecHarness(t)
	h.emitter.answer = "" // leave the question pending

	done := make(chan *Outcome, 1)
	go func() {
		done <- h.executor.Execute(context.Background(), h.sess, bookingTemplate())
	}()

	require.Eventually(t, h.sess.HasPendingQuestion, time.Second, time.Millisecond)
	h.sess.CancelPending()

	outcome := <-done
	require.NotNil(t, outcome.TerminalErr)
	assert.Equal(t, types.ErrUserCancelled, outcome.TerminalErr.Code)
	assert.Empty(t, h.emitter.byType(session.TypeNodeError))
	assert.False(t, h.sess.HasPendingQuestion())
}

// TestPermissionExpiry: an expired gate fails the step with
// PermissionExpired.
func TestPermissionExpiry(t *testing.T) {
	h := newExecHarness(t)
	h.emitter.grant = nil // nobody answers

	go func() {
		// sweep until the request expires
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			h.perms.Sweep(time.Now().Add(time.Hour))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	outcome := h.executor.Execute(context.Background(), h.sess, bookingTemplate())
	require.NotNil(t, outcome.TerminalErr)
	assert.Equal(t, types.ErrPermissionExpired, outcome.TerminalErr.Code)
}

// TestReplayDeterminism: running the same template twice over fresh
// sessions produces the same scratchpad keys.
func TestReplayDeterminism(t *testing.T) {
	first := newExecHarness(t)
	outcome := first.executor.Execute(context.Background(), first.sess, bookingTemplate())
	require.Nil(t, outcome.TerminalErr)

	second := newExecHarness(t)
	outcome = second.executor.Execute(context.Background(), second.sess, bookingTemplate())
	require.Nil(t, outcome.TerminalErr)

	assert.Equal(t, first.sess.Scratchpad().Keys(), second.sess.Scratchpad().Keys())
}
