// Package llm defines the provider boundary of the dispatch core: one
// request in, one response of content blocks out. Providers never see
// budgets, ledgers, or work orders.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedResponse means the provider answered but the body could
	// not be decoded into content blocks.
	ErrMalformedResponse = errors.New("llm: malformed provider response")
	ErrEmptyPrompt       = errors.New("llm: empty prompt")
)

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message.
//
// Text blocks carry Text. Tool-use blocks carry ID, Name and Input.
// Tool-result blocks carry ToolUseID, Name, Output and IsError.
type ContentBlock struct {
	Type      BlockType      `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: s}
}

// ToolResultBlock answers the tool-use block with the given id.
func ToolResultBlock(useID, name, output string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: useID, Name: name, Output: output, IsError: isError}
}

// Message is one turn of a conversation.
type Message struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

// ToolDefinition is a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is everything a provider needs for one round trip.
//
// Messages holds the conversation; the first message is the rendered
// prompt. When OutputSchema is set the provider offers OutputTool as an
// additional tool whose parameters are the schema.
type Request struct {
	ModelID      string           `json:"model_id"`
	Messages     []Message        `json:"messages"`
	MaxTokens    int              `json:"max_tokens"`
	Temperature  float64          `json:"temperature"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	OutputSchema map[string]any   `json:"output_schema,omitempty"`
	OutputTool   string           `json:"output_tool,omitempty"`
}

// NewRequest starts a conversation from a rendered prompt.
func NewRequest(modelID, prompt string) Request {
	return Request{
		ModelID:  modelID,
		Messages: []Message{{Role: RoleUser, Blocks: []ContentBlock{TextBlock(prompt)}}},
	}
}

// PromptText is the verbatim prompt recorded for the request. A single
// user text turn is recorded as-is; a multi-turn conversation is recorded
// as its JSON encoding.
func (r Request) PromptText() string {
	if len(r.Messages) == 1 && len(r.Messages[0].Blocks) == 1 && r.Messages[0].Blocks[0].Type == BlockText {
		return r.Messages[0].Blocks[0].Text
	}
	if len(r.Messages) == 0 {
		return ""
	}
	data, err := json.Marshal(r.Messages)
	if err != nil {
		return ""
	}
	return string(data)
}

// AllTools returns Tools plus the structured-output pseudo tool when an
// output schema is set.
func (r Request) AllTools() []ToolDefinition {
	tools := append([]ToolDefinition(nil), r.Tools...)
	if r.OutputSchema != nil && r.OutputTool != "" {
		tools = append(tools, ToolDefinition{
			Name:        r.OutputTool,
			Description: "Return the final answer as structured output matching the parameters schema.",
			Parameters:  r.OutputSchema,
		})
	}
	return tools
}

// Usage is the provider-reported token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a provider's answer.
type Response struct {
	ModelID      string         `json:"model_id"`
	Blocks       []ContentBlock `json:"blocks"`
	Usage        Usage          `json:"usage"`
	FinishReason string         `json:"finish_reason"`
}

// Content concatenates the text blocks.
func (r *Response) Content() string {
	var sb strings.Builder
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool-use blocks in order.
func (r *Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Provider sends one request to a model.
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (*Response, error)
}

// StatusError is a non-2xx answer from an HTTP provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}
