package capability

import (
	"context"
	"errors"
	"net"

	"github.com/BaSui01/agentrun/types"
)

// Transient builds a retryable capability error.
func Transient(message string) *types.Error {
	return types.NewError(types.ErrCapabilityTransient, message).WithRetryable(true)
}

// Permanent builds a non-retryable capability error.
func Permanent(message string) *types.Error {
	return types.NewError(types.ErrCapabilityFailed, message)
}

// InvalidInput builds the prepare-phase rejection error.
func InvalidInput(message string) *types.Error {
	return types.NewError(types.ErrInvalidInput, message)
}

// Classify normalizes an arbitrary error from a capability into the runtime
// taxonomy. Structured errors pass through; network timeouts become
// transient; context cancellation becomes session cancellation.
func Classify(err error, step string) *types.Error {
	if err == nil {
		return nil
	}
	var structured *types.Error
	if errors.As(err, &structured) {
		if structured.Step == "" {
			structured.Step = step
		}
		return structured
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrSessionCancelled, "capability aborted").WithCause(err).WithStep(step)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewError(types.ErrCapabilityTransient, "network timeout").
			WithCause(err).WithRetryable(true).WithStep(step)
	}
	return types.NewError(types.ErrCapabilityFailed, err.Error()).WithCause(err).WithStep(step)
}
