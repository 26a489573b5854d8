// Package llmtest provides an in-process llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm"
)

// ErrScriptExhausted is returned once every scripted step has been consumed.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Step is one scripted answer. Exactly one of Response, Err or Block is
// meaningful: Block makes Send wait for context cancellation.
type Step struct {
	Response *llm.Response
	Err      error
	Block    bool
}

// Provider replays scripted steps in order and records every request.
type Provider struct {
	mu       sync.Mutex
	steps    []Step
	requests []llm.Request
}

func New(steps ...Step) *Provider {
	return &Provider{steps: steps}
}

func (p *Provider) Name() string { return "scripted" }

// Push appends steps to the script.
func (p *Provider) Push(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

func (p *Provider) Send(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	if resp.ModelID == "" {
		resp.ModelID = req.ModelID
	}
	return &resp, nil
}

// Requests returns a copy of every request received.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// Calls is the number of Send invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Text scripts a plain text answer.
func Text(content string, in, out int) Step {
	return Step{Response: &llm.Response{
		Blocks:       []llm.ContentBlock{llm.TextBlock(content)},
		Usage:        llm.Usage{InputTokens: in, OutputTokens: out},
		FinishReason: "stop",
	}}
}

// ToolUse scripts an answer made of tool-use blocks.
func ToolUse(in, out int, calls ...llm.ContentBlock) Step {
	blocks := make([]llm.ContentBlock, len(calls))
	for i, c := range calls {
		c.Type = llm.BlockToolUse
		blocks[i] = c
	}
	return Step{Response: &llm.Response{
		Blocks:       blocks,
		Usage:        llm.Usage{InputTokens: in, OutputTokens: out},
		FinishReason: "tool_use",
	}}
}

// Call builds a tool-use block.
func Call(id, name string, input map[string]any) llm.ContentBlock {
	if input == nil {
		input = map[string]any{}
	}
	return llm.ContentBlock{Type: llm.BlockToolUse, ID: id, Name: name, Input: input}
}

// Fail scripts a provider error.
func Fail(err error) Step { return Step{Err: err} }

// Hang scripts a call that never answers before its deadline.
func Hang() Step { return Step{Block: true} }
