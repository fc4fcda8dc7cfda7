// Package testutil carries shared test doubles: a scripted LLM provider used
// across stage tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/agentrun/llm"
)

// ScriptedProvider replays a fixed sequence of completions. Each Completion
// (or Stream) call consumes the next response; running past the script is an
// error so tests notice unexpected LLM traffic.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
	prompts   []string
}

// NewScriptedProvider builds a provider that replays responses in order.
func NewScriptedProvider(responses ...string) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

// Append schedules further responses.
func (p *ScriptedProvider) Append(responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
}

// Calls reports how many completions were consumed.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Prompt returns the i-th prompt the provider saw.
func (p *ScriptedProvider) Prompt(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.prompts) {
		return ""
	}
	return p.prompts[i]
}

func (p *ScriptedProvider) next(prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return "", fmt.Errorf("scripted provider exhausted after %d calls", p.calls)
	}
	p.prompts = append(p.prompts, prompt)
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

// Completion implements llm.Provider.
func (p *ScriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	content, err := p.next(prompt)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		Model:   req.Model,
		Content: content,
		Usage:   llm.ChatUsage{PromptTokens: len(prompt) / 4, CompletionTokens: len(content) / 4},
	}, nil
}

// Stream implements llm.Provider by chunking the scripted response.
func (p *ScriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	content, err := p.next(prompt)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.StreamChunk, 8)
	go func() {
		defer close(out)
		const size = 24
		for start := 0; start < len(content); start += size {
			end := start + size
			if end > len(content) {
				end = len(content)
			}
			out <- llm.StreamChunk{Content: content[start:end]}
		}
		out <- llm.StreamChunk{Done: true}
	}()
	return out, nil
}

// Name implements llm.Provider.
func (p *ScriptedProvider) Name() string { return "scripted" }
