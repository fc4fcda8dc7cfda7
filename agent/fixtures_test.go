package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentrun/capability"
	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/permission"
	"github.com/BaSui01/agentrun/registry"
	"github.com/BaSui01/agentrun/session"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flightRegistry builds the booking-scenario catalog.
func flightRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(zaptest.NewLogger(t))
	descriptors := []*registry.NodeDescriptor{
		{Name: "web_search", Description: "Search the web", Category: types.CategorySearch,
			PermissionTier: types.TierNone, Inputs: []string{"query"}, Outputs: []string{"search_results"}},
		{Name: "flight_search", Description: "Search flights", Category: types.CategorySearch,
			PermissionTier: types.TierNone, Inputs: []string{"origin", "destination", "date", "preferences"},
			Outputs: []string{"flight_options"}},
		{Name: "cost_analysis", Description: "Analyze option costs", Category: types.CategoryAnalysis,
			PermissionTier: types.TierNone, Inputs: []string{"flight_options"}, Outputs: []string{"cost_report"}},
		{Name: "preference_matcher", Description: "Match options to preferences", Category: types.CategoryAnalysis,
			PermissionTier: types.TierNone, Inputs: []string{"flight_options", "preferences"},
			Outputs: []string{"matched_option"}},
		{Name: "user_query", Description: "Ask the user a question", Category: types.CategoryCommunication,
			PermissionTier: types.TierNone, Inputs: []string{"question"}, Outputs: []string{"user_response"}},
		{Name: "flight_booking", Description: "Book the selected flight", Category: types.CategoryBooking,
			PermissionTier: types.TierSensitive, Inputs: []string{"matched_option"},
			Outputs: []string{"booking_confirmation"}},
		{Name: "payment_processing", Description: "Process the payment", Category: types.CategoryPayment,
			PermissionTier: types.TierCritical, Inputs: []string{"amount", "payment_method", "matched_option"},
			Outputs: []string{"payment_confirmation"}},
		{Name: "result_summarizer", Description: "Summarize the results", Category: types.CategoryAnalysis,
			PermissionTier: types.TierNone, Inputs: []string{"results", "user_question"}, Outputs: []string{"summary"}},
	}
	for _, d := range descriptors {
		require.NoError(t, r.Register(d))
	}
	return r
}

// bookingTemplate is the six-step flight booking DAG of the happy path.
func bookingTemplate() *workflow.Template {
	steps := []workflow.Step{
		{StepName: "ask_preferences", NodeName: "user_query",
			BoundInputs:     map[string]workflow.Binding{"question": {Literal: "What matters most: price or schedule?"}},
			DeclaredOutputs: []string{"user_response"}},
		{StepName: "search", NodeName: "flight_search",
			BoundInputs: map[string]workflow.Binding{
				"origin":      {Literal: "LAX"},
				"destination": {Literal: "PVG"},
				"preferences": {Ref: "user_response"},
			},
			DeclaredOutputs: []string{"flight_options"}},
		{StepName: "analyze", NodeName: "cost_analysis",
			BoundInputs:     map[string]workflow.Binding{"flight_options": {Ref: "flight_options"}},
			DeclaredOutputs: []string{"cost_report"}},
		{StepName: "match", NodeName: "preference_matcher",
			BoundInputs: map[string]workflow.Binding{
				"flight_options": {Ref: "flight_options"},
				"preferences":    {Ref: "user_response"},
			},
			DeclaredOutputs: []string{"matched_option"}},
		{StepName: "book", NodeName: "flight_booking",
			BoundInputs:     map[string]workflow.Binding{"matched_option": {Ref: "matched_option"}},
			DeclaredOutputs: []string{"booking_confirmation"}},
		{StepName: "pay", NodeName: "payment_processing",
			BoundInputs:     map[string]workflow.Binding{"matched_option": {Ref: "matched_option"}},
			DeclaredOutputs: []string{"payment_confirmation"}},
	}
	tpl := &workflow.Template{
		Metadata: workflow.Metadata{
			Name:            "flight booking",
			QuestionPattern: "Book LAX to PVG afternoon, value",
		},
		Steps: steps,
	}
	for i := 1; i < len(steps); i++ {
		tpl.Edges = append(tpl.Edges, workflow.Edge{
			From: steps[i-1].StepName, To: steps[i].StepName, Action: workflow.DefaultAction,
		})
	}
	tpl.Metadata.ID = tpl.ContentHash()
	return tpl
}

// harnessEmitter captures frames and optionally answers questions and
// permission prompts like a scripted user.
type harnessEmitter struct {
	mu     sync.Mutex
	frames []session.Frame

	sess  *session.Session
	perms *permission.Manager

	answer     string // reply to every user_question; "" leaves it pending
	grant      func(operation string) bool
	grantDelay time.Duration
}

func (h *harnessEmitter) Emit(ctx context.Context, f session.Frame) error {
	h.mu.Lock()
	h.frames = append(h.frames, f)
	h.mu.Unlock()

	switch f.Type {
	case session.TypeUserQuestion:
		if h.answer != "" {
			var content session.UserQuestionContent
			if err := f.Decode(&content); err == nil {
				go func() {
					data, _ := json.Marshal(h.answer)
					h.sess.ResolveQuestion(content.QuestionID, data)
				}()
			}
		}
	case session.TypePermissionRequest:
		if h.grant != nil {
			var content session.PermissionRequestContent
			if err := f.Decode(&content); err == nil {
				granted := h.grant(content.Operation)
				go func() {
					if h.grantDelay > 0 {
						time.Sleep(h.grantDelay)
					}
					_ = h.perms.Respond(content.RequestID, granted, "")
				}()
			}
		}
	}
	return nil
}

func (h *harnessEmitter) byType(frameType string) []session.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []session.Frame
	for _, f := range h.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (h *harnessEmitter) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.frames))
	for i, f := range h.frames {
		out[i] = f.Type
	}
	return out
}

type execHarness struct {
	registry *registry.Registry
	binder   *capability.Binder
	perms    *permission.Manager
	executor *Executor
	emitter  *harnessEmitter
	sess     *session.Session
	storeDir string
	store    *store.Store
}

func newExecHarness(t *testing.T) *execHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := flightRegistry(t)
	binder := capability.DefaultBinder(logger)
	perms := permission.NewManager(permission.Config{
		DefaultTTL: time.Minute,
		HardCap:    10 * time.Minute,
	}, nil, logger)

	emitter := &harnessEmitter{perms: perms, answer: "value", grant: func(string) bool { return true }}
	sess := session.New("", "user-1", emitter, 20, logger)
	emitter.sess = sess

	dir := t.TempDir()
	st, err := store.Open(dir, nil, logger)
	require.NoError(t, err)

	executor := NewExecutor(reg, binder, perms, pool.New(8), nil, logger)
	executor.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &execHarness{
		registry: reg, binder: binder, perms: perms,
		executor: executor, emitter: emitter, sess: sess,
		storeDir: dir, store: st,
	}
}
