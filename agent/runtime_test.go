package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentrun/capability"
	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/permission"
	"github.com/BaSui01/agentrun/session"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const bookingPlan = "```yaml\n" + `thinking: |
    Ask for preferences, search, analyze, match, book, pay.
workflow:
  name: flight booking
  description: book a LAX to PVG flight
  steps:
    - step: ask_preferences
      node: user_query
      inputs:
        question: "What matters most: price or schedule?"
      outputs: [user_response]
    - step: search
      node: flight_search
      inputs:
        origin: LAX
        destination: PVG
        preferences: {from: user_response}
      outputs: [flight_options]
    - step: analyze
      node: cost_analysis
      inputs:
        flight_options: {from: flight_options}
      outputs: [cost_report]
    - step: match
      node: preference_matcher
      inputs:
        flight_options: {from: flight_options}
        preferences: {from: user_response}
      outputs: [matched_option]
    - step: book
      node: flight_booking
      inputs:
        matched_option: {from: matched_option}
      outputs: [booking_confirmation]
    - step: pay
      node: payment_processing
      inputs:
        matched_option: {from: matched_option}
      outputs: [payment_confirmation]
estimated_steps: 6
requires_user_input: true
requires_permission: true
` + "```"

const readyReview = "```yaml\nthinking: solid\nneeds_revision: false\nready_to_execute: true\n```"

// chanTransport is an in-memory Transport with a scripted counterpart: the
// autoRespond hook plays the user, feeding reply frames back into the
// inbound stream exactly as a websocket client would.
type chanTransport struct {
	in chan session.Frame

	mu     sync.Mutex
	out    []session.Frame
	closed bool

	autoRespond func(f session.Frame) *session.Frame
}

func newChanTransport() *chanTransport {
	return &chanTransport{in: make(chan session.Frame, 16)}
}

func (c *chanTransport) ReadFrame(ctx context.Context) (session.Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return session.Frame{}, errors.New("transport closed")
		}
		return f, nil
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	}
}

func (c *chanTransport) WriteFrame(ctx context.Context, f session.Frame) error {
	c.mu.Lock()
	c.out = append(c.out, f)
	auto := c.autoRespond
	c.mu.Unlock()

	if auto != nil {
		if reply := auto(f); reply != nil {
			go c.send(*reply)
		}
	}
	return nil
}

func (c *chanTransport) send(f session.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.in <- f
}

func (c *chanTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *chanTransport) frames(frameType string) []session.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var outFrames []session.Frame
	for _, f := range c.out {
		if f.Type == frameType {
			outFrames = append(outFrames, f)
		}
	}
	return outFrames
}

func (c *chanTransport) lastEnd(t *testing.T) session.EndContent {
	t.Helper()
	ends := c.frames(session.TypeEnd)
	require.NotEmpty(t, ends)
	var content session.EndContent
	require.NoError(t, ends[len(ends)-1].Decode(&content))
	return content
}

// cooperativeUser answers questions with answer and permission prompts with
// grant(operation).
func cooperativeUser(answer string, grant func(operation string) bool) func(f session.Frame) *session.Frame {
	return func(f session.Frame) *session.Frame {
		switch f.Type {
		case session.TypeUserQuestion:
			var q session.UserQuestionContent
			if err := f.Decode(&q); err != nil || answer == "" {
				return nil
			}
			data, _ := json.Marshal(session.UserResponseContent{
				QuestionID: q.QuestionID,
				Content:    json.RawMessage(`"` + answer + `"`),
			})
			return &session.Frame{Type: session.TypeUserResponse, Content: data}
		case session.TypePermissionRequest:
			var p session.PermissionRequestContent
			if err := f.Decode(&p); err != nil || grant == nil {
				return nil
			}
			data, _ := json.Marshal(session.PermissionResponseContent{
				RequestID: p.RequestID,
				Granted:   grant(p.Operation),
			})
			return &session.Frame{Type: session.TypePermissionResponse, Content: data}
		}
		return nil
	}
}

type runtimeHarness struct {
	runtime  *Runtime
	store    *store.Store
	perms    *permission.Manager
	provider *testutil.ScriptedProvider
}

func newRuntimeHarness(t *testing.T, responses ...string) *runtimeHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := flightRegistry(t)
	binder := capability.DefaultBinder(logger)
	perms := permission.NewManager(permission.Config{
		DefaultTTL: time.Minute,
		HardCap:    10 * time.Minute,
	}, nil, logger)
	st, err := store.Open(t.TempDir(), nil, logger)
	require.NoError(t, err)
	provider := testutil.NewScriptedProvider(responses...)

	designer := NewDesigner(DesignerConfig{
		Provider: provider,
		Registry: reg,
		Store:    st,
		Model:    "test-model",
	}, logger)
	executor := NewExecutor(reg, binder, perms, pool.New(8), nil, logger)
	executor.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	optimizer := NewOptimizer(st, reg, provider, "test-model", logger)

	runtime := NewRuntime(RuntimeConfig{
		Designer:    designer,
		Executor:    executor,
		Optimizer:   optimizer,
		Permissions: perms,
		Store:       st,
		Registry:    reg,
	}, logger)
	return &runtimeHarness{runtime: runtime, store: st, perms: perms, provider: provider}
}

func chatFrame(content string) session.Frame {
	return session.MustFrame(session.TypeChat, session.ChatContent{Content: content})
}

// TestScenarioHappyBooking: full protocol round trip of the six-step DAG
// with a cooperative user.
func TestScenarioHappyBooking(t *testing.T) {
	h := newRuntimeHarness(t, bookingPlan, readyReview, "Booked TransOcean for $720, payment settled.")
	transport := newChanTransport()
	transport.autoRespond = cooperativeUser("value", func(string) bool { return true })

	done := make(chan struct{})
	go func() {
		h.runtime.ServeConn(context.Background(), "user-1", transport)
		close(done)
	}()

	transport.send(chatFrame("Book LAX to PVG afternoon, value"))

	require.Eventually(t, func() bool {
		return len(transport.frames(session.TypeEnd)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	end := transport.lastEnd(t)
	assert.Equal(t, session.StatusOK, end.Status)
	assert.Contains(t, end.Summary, "720")

	assert.Len(t, transport.frames(session.TypeStart), 1)
	assert.Len(t, transport.frames(session.TypeWorkflowDesign), 1)
	assert.Len(t, transport.frames(session.TypeUserQuestion), 1)
	assert.Len(t, transport.frames(session.TypePermissionRequest), 2)
	assert.Len(t, transport.frames(session.TypeWorkflowProgress), 6)
	assert.Empty(t, transport.frames(session.TypeNodeError))

	// the store learned: one template, usage 1, success 1.0
	templates := h.store.List()
	require.Len(t, templates, 1)
	assert.Equal(t, 1, templates[0].Metadata.UsageCount)
	assert.Equal(t, 1.0, templates[0].Metadata.SuccessRate)

	transport.Close()
	<-done
}

// TestScenarioPermissionDenied: the booking gate is denied; node_error
// carries PermissionDenied, the end is failed, and the store records usage
// without touching the success rate.
func TestScenarioPermissionDenied(t *testing.T) {
	h := newRuntimeHarness(t, bookingPlan, readyReview)
	transport := newChanTransport()
	transport.autoRespond = cooperativeUser("value", func(operation string) bool {
		return operation != "booking"
	})

	done := make(chan struct{})
	go func() {
		h.runtime.ServeConn(context.Background(), "user-1", transport)
		close(done)
	}()

	transport.send(chatFrame("Book LAX to PVG afternoon, value"))

	require.Eventually(t, func() bool {
		return len(transport.frames(session.TypeEnd)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	end := transport.lastEnd(t)
	assert.Equal(t, session.StatusFailed, end.Status)

	errFrames := transport.frames(session.TypeNodeError)
	require.Len(t, errFrames, 1)
	var nodeErr session.NodeErrorContent
	require.NoError(t, errFrames[0].Decode(&nodeErr))
	assert.Equal(t, "book", nodeErr.StepName)
	assert.Equal(t, "PERMISSION_DENIED", nodeErr.ErrorKind)

	templates := h.store.List()
	require.Len(t, templates, 1)
	assert.Equal(t, 1, templates[0].Metadata.UsageCount)
	assert.Equal(t, 0.0, templates[0].Metadata.SuccessRate)

	transport.Close()
	<-done
}

const hotelPlanRuntime = "```yaml\n" + `workflow:
  name: hotel lookup
  steps:
    - step: search
      node: hotel_search
      inputs:
        location: Tokyo
      outputs: [hotel_options]
` + "```"

const hotelFallbackPlan = "```yaml\n" + `workflow:
  name: hotel research
  steps:
    - step: search
      node: web_search
      inputs:
        query: "hotels in Tokyo"
      outputs: [search_results]
    - step: summarize
      node: result_summarizer
      inputs:
        results: {from: search_results}
        user_question: {from: user_message}
      outputs: [summary]
` + "```"

// TestScenarioDesignerRecovery: the first plan names a node the registry
// lacks; the validator feedback drives a second, valid design and execution
// proceeds with no DesignFailed.
func TestScenarioDesignerRecovery(t *testing.T) {
	h := newRuntimeHarness(t,
		hotelPlanRuntime,   // rejected: UnknownNode hotel_search
		hotelFallbackPlan,  // accepted
		readyReview,        // review pass
		"Found several well-rated hotels in Tokyo.", // summary
	)
	transport := newChanTransport()
	transport.autoRespond = cooperativeUser("", nil)

	done := make(chan struct{})
	go func() {
		h.runtime.ServeConn(context.Background(), "user-1", transport)
		close(done)
	}()

	transport.send(chatFrame("Book a hotel in Tokyo"))

	require.Eventually(t, func() bool {
		return len(transport.frames(session.TypeEnd)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	end := transport.lastEnd(t)
	assert.Equal(t, session.StatusOK, end.Status)
	assert.Equal(t, 4, h.provider.Calls()) // 2 designs + 1 review + 1 summary
	assert.Empty(t, transport.frames(session.TypeNodeError))

	transport.Close()
	<-done
}

// TestScenarioCancellationMidRun: the transport drops while a user question
// is pending; the waiter resolves cancelled, end{cancelled} is emitted, and
// the store never records an outcome.
func TestScenarioCancellationMidRun(t *testing.T) {
	h := newRuntimeHarness(t, bookingPlan, readyReview)
	transport := newChanTransport()
	transport.autoRespond = cooperativeUser("", nil) // never answers

	done := make(chan struct{})
	go func() {
		h.runtime.ServeConn(context.Background(), "user-1", transport)
		close(done)
	}()

	transport.send(chatFrame("Book LAX to PVG afternoon, value"))

	require.Eventually(t, func() bool {
		return len(transport.frames(session.TypeUserQuestion)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	// client drops the connection
	transport.Close()
	<-done

	end := transport.lastEnd(t)
	assert.Equal(t, session.StatusCancelled, end.Status)

	templates := h.store.List()
	require.Len(t, templates, 1)
	assert.Equal(t, 0, templates[0].Metadata.UsageCount)

	// no orphan waiters anywhere
	assert.Empty(t, h.perms.ListPending(permission.Filter{}))
}

// TestScenarioDirectAnswer: a trivial question streams chunks and ends ok
// without any workflow frames.
func TestScenarioDirectAnswer(t *testing.T) {
	h := newRuntimeHarness(t,
		"```yaml\nthinking: trivial\ndirect_answer: PVG is Shanghai Pudong International Airport.\n```")
	transport := newChanTransport()

	done := make(chan struct{})
	go func() {
		h.runtime.ServeConn(context.Background(), "user-1", transport)
		close(done)
	}()

	transport.send(chatFrame("what airport is PVG"))

	require.Eventually(t, func() bool {
		return len(transport.frames(session.TypeEnd)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, session.StatusOK, transport.lastEnd(t).Status)
	assert.NotEmpty(t, transport.frames(session.TypeChunk))
	assert.Empty(t, transport.frames(session.TypeWorkflowDesign))
	assert.Empty(t, h.store.List())

	transport.Close()
	<-done
}

// TestFeedbackLandsOnTemplate: out-of-band feedback after a completed run
// is appended to the stored template.
func TestFeedbackLandsOnTemplate(t *testing.T) {
	h := newRuntimeHarness(t, bookingPlan, readyReview, "Done.")
	transport := newChanTransport()
	transport.autoRespond = cooperativeUser("value", func(string) bool { return true })

	done := make(chan struct{})
	go func() {
		h.runtime.ServeConn(context.Background(), "user-1", transport)
		close(done)
	}()

	transport.send(chatFrame("Book LAX to PVG afternoon, value"))
	require.Eventually(t, func() bool {
		return len(transport.frames(session.TypeEnd)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	transport.send(session.MustFrame(session.TypeFeedback, session.FeedbackContent{
		Content: "prefer morning departures next time",
	}))

	require.Eventually(t, func() bool {
		templates := h.store.List()
		return len(templates) == 1 && len(templates[0].Metadata.Feedback) == 1
	}, 5*time.Second, 10*time.Millisecond)

	transport.Close()
	<-done
}

// TestUnroutedResponsesDropped: responses with unknown ids are dropped
// without disturbing the session.
func TestUnroutedResponsesDropped(t *testing.T) {
	h := newRuntimeHarness(t)
	transport := newChanTransport()

	done := make(chan struct{})
	go func() {
		h.runtime.ServeConn(context.Background(), "user-1", transport)
		close(done)
	}()

	transport.send(session.MustFrame(session.TypeUserResponse, session.UserResponseContent{
		QuestionID: "ghost", Content: json.RawMessage(`"hello"`),
	}))
	transport.send(session.MustFrame(session.TypePermissionResponse, session.PermissionResponseContent{
		RequestID: "ghost", Granted: true,
	}))

	time.Sleep(50 * time.Millisecond)
	transport.Close()
	<-done
	assert.Empty(t, transport.out)
}
