package llm

import (
	"context"
	"testing"

	"github.com/BaSui01/agentrun/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type flakyProvider struct {
	failures int
	err      error
	calls    int
}

func (f *flakyProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &ChatResponse{Model: req.Model, Content: "ok"}, nil
}

func (f *flakyProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Content: "ok"}
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (f *flakyProvider) Name() string { return "flaky" }

func TestResilientRetriesTransient(t *testing.T) {
	inner := &flakyProvider{
		failures: 2,
		err:      types.NewError(types.ErrLLMFailure, "503").WithRetryable(true),
	}
	p := NewResilientProvider(inner, 3, 0, zaptest.NewLogger(t))
	p.baseDelay = 1 // keep the test fast

	resp, err := p.Completion(context.Background(), &ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientStopsOnPermanent(t *testing.T) {
	inner := &flakyProvider{
		failures: 5,
		err:      types.NewError(types.ErrLLMFailure, "bad request"),
	}
	p := NewResilientProvider(inner, 3, 0, zaptest.NewLogger(t))
	p.baseDelay = 1

	_, err := p.Completion(context.Background(), &ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestResilientExhaustsRetries(t *testing.T) {
	inner := &flakyProvider{
		failures: 10,
		err:      types.NewError(types.ErrRateLimited, "429").WithRetryable(true),
	}
	p := NewResilientProvider(inner, 2, 0, zaptest.NewLogger(t))
	p.baseDelay = 1

	_, err := p.Completion(context.Background(), &ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls) // 1 attempt + 2 retries
	assert.Equal(t, types.ErrRateLimited, types.CodeOf(err))
}

func TestResilientStreamConnectRetry(t *testing.T) {
	inner := &flakyProvider{
		failures: 1,
		err:      types.NewError(types.ErrLLMFailure, "reset").WithRetryable(true),
	}
	p := NewResilientProvider(inner, 2, 0, zaptest.NewLogger(t))
	p.baseDelay = 1

	ch, err := p.Stream(context.Background(), &ChatRequest{Model: "m"})
	require.NoError(t, err)
	var content string
	for chunk := range ch {
		content += chunk.Content
	}
	assert.Equal(t, "ok", content)
}
