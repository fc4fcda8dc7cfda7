package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentrun/types"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI-compatible chat completions API. Most
// hosted models (including Gemini behind its compatibility endpoint) accept
// this wire format.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewOpenAIProvider builds a provider against baseURL (defaulted when empty).
func NewOpenAIProvider(apiKey, baseURL string, timeout time.Duration, logger *zap.Logger) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "llm_provider")),
	}
}

func (p *OpenAIProvider) Name() string { return "openai-compatible" }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		Delta        wireMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) encode(req *ChatRequest, stream bool) ([]byte, error) {
	wr := wireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return json.Marshal(wr)
}

func (p *OpenAIProvider) do(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrLLMFailure, "llm request failed").WithCause(err).WithRetryable(true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		code := types.ErrLLMFailure
		if resp.StatusCode == http.StatusTooManyRequests {
			code = types.ErrRateLimited
		}
		return nil, types.Errorf(code, "llm responded %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))).
			WithRetryable(retryable)
	}
	return resp, nil
}

// Completion implements Provider.
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := p.encode(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.do(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrLLMFailure, "decode llm response").WithCause(err)
	}
	if wire.Error != nil {
		return nil, types.Errorf(types.ErrLLMFailure, "llm error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, types.NewError(types.ErrLLMFailure, "llm returned no choices")
	}

	return &ChatResponse{
		Model:   req.Model,
		Content: wire.Choices[0].Message.Content,
		Usage: ChatUsage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}, nil
}

// Stream implements Provider using server-sent events.
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body, err := p.encode(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.do(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				out <- StreamChunk{Done: true}
				return
			}
			var wire wireResponse
			if err := json.Unmarshal([]byte(payload), &wire); err != nil {
				p.logger.Warn("skipping malformed stream event", zap.Error(err))
				continue
			}
			if len(wire.Choices) == 0 {
				continue
			}
			if delta := wire.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- StreamChunk{Content: delta}:
				case <-ctx.Done():
					out <- StreamChunk{Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("stream read: %w", err)}
			return
		}
		out <- StreamChunk{Done: true}
	}()
	return out, nil
}
