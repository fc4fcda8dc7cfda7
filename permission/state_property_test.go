package permission

import (
	"testing"
	"time"

	"github.com/BaSui01/agentrun/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// TestStateMachineProperty drives a random interleaving of respond / cancel /
// sweep operations against one request and checks the state machine
// invariants: exactly one transition out of pending, terminal states never
// mutate, and the awaitable resolves exactly once with the terminal state.
func TestStateMachineProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(Config{
			DefaultTTL: time.Minute,
			HardCap:    10 * time.Minute,
		}, nil, zap.NewNop())
		now := time.Now()
		m.clock = func() time.Time { return now }

		req, await := m.Create("u", "s", "op", nil, types.TierSensitive)

		ops := rapid.SliceOfN(rapid.SampledFrom([]string{
			"grant", "deny", "cancel", "sweep_before", "sweep_after",
		}), 1, 6).Draw(t, "ops")

		var firstTerminal State
		for _, op := range ops {
			before, err := m.Get(req.ID)
			require.NoError(t, err)

			switch op {
			case "grant":
				err = m.Respond(req.ID, true, "")
			case "deny":
				err = m.Respond(req.ID, false, "")
			case "cancel":
				m.Cancel(req.ID)
				err = nil
			case "sweep_before":
				m.Sweep(now)
				err = nil
			case "sweep_after":
				m.Sweep(now.Add(2 * time.Minute))
				err = nil
			}

			after, getErr := m.Get(req.ID)
			require.NoError(t, getErr)

			if before.State.Terminal() {
				// terminal states never mutate, and a second respond errors
				require.Equal(t, before.State, after.State)
				if op == "grant" || op == "deny" {
					require.Equal(t, types.ErrAlreadyDecided, types.CodeOf(err))
				}
			} else if after.State.Terminal() {
				firstTerminal = after.State
			}
		}

		final, err := m.Get(req.ID)
		require.NoError(t, err)
		if final.State.Terminal() {
			// the awaitable resolved exactly once, with the first terminal state
			select {
			case decision := <-await:
				require.Equal(t, firstTerminal, decision.State)
			default:
				t.Fatalf("terminal request %s left its awaitable unresolved", final.State)
			}
			select {
			case extra := <-await:
				t.Fatalf("awaitable resolved twice: %v", extra)
			default:
			}
		}
	})
}
