package llm

import (
	"context"
	"math/rand"
	"time"

	"github.com/BaSui01/agentrun/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResilientProvider wraps a Provider with retry and rate limiting. Only
// errors classified retryable are retried; everything else propagates on the
// first attempt.
type ResilientProvider struct {
	inner      Provider
	maxRetries int
	baseDelay  time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewResilientProvider wraps inner. maxRetries counts retries, not attempts;
// ratePerMin <= 0 disables rate limiting.
func NewResilientProvider(inner Provider, maxRetries, ratePerMin int, logger *zap.Logger) *ResilientProvider {
	var limiter *rate.Limiter
	if ratePerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ResilientProvider{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		limiter:    limiter,
		logger:     logger.With(zap.String("component", "llm_resilient")),
	}
}

func (r *ResilientProvider) Name() string { return r.inner.Name() }

func (r *ResilientProvider) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// Completion implements Provider with bounded retry on retryable failures.
func (r *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.baseDelay << (attempt - 1)
			var jitter time.Duration
			if quarter := int64(delay) / 4; quarter > 0 {
				jitter = time.Duration(rand.Int63n(quarter))
			}
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			r.logger.Warn("retrying llm completion",
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
		resp, err := r.inner.Completion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

// Stream implements Provider. Streams are not retried mid-flight; only the
// initial connection attempt participates in retry.
func (r *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.baseDelay << (attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
		ch, err := r.inner.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}
