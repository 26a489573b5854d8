package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider sends requests to Gemini through the Google GenAI SDK.
type GenAIProvider struct {
	client *genai.Client
}

// NewGenAIProvider creates a Gemini API provider.
func NewGenAIProvider(ctx context.Context, apiKey string) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("genai: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	return &GenAIProvider{client: client}, nil
}

func (p *GenAIProvider) Name() string { return "genai" }

// Send calls GenerateContent once.
func (p *GenAIProvider) Send(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyPrompt
	}
	resp, err := p.client.Models.GenerateContent(ctx, req.ModelID, toGenAIContents(req.Messages), genAIConfig(req))
	if err != nil {
		return nil, fmt.Errorf("genai: generate: %w", err)
	}
	return fromGenAIResponse(req.ModelID, resp)
}

func genAIConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	tools := req.AllTools()
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if t.Parameters != nil {
				decl.ParametersJsonSchema = t.Parameters
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func toGenAIContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := string(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = string(genai.RoleModel)
		}
		c := &genai.Content{Role: role}
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				c.Parts = append(c.Parts, &genai.Part{Text: b.Text})
			case BlockToolUse:
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: b.ID, Name: b.Name, Args: b.Input}})
			case BlockToolResult:
				key := "output"
				if b.IsError {
					key = "error"
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       b.ToolUseID,
					Name:     b.Name,
					Response: map[string]any{key: b.Output},
				}})
			}
		}
		out = append(out, c)
	}
	return out
}

func fromGenAIResponse(modelID string, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, fmt.Errorf("%w: genai: no candidates", ErrMalformedResponse)
	}
	cand := resp.Candidates[0]
	out := &Response{ModelID: modelID, FinishReason: string(cand.FinishReason)}
	if resp.ModelVersion != "" {
		out.ModelID = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if cand.Content == nil {
		return out, nil
	}
	for i, part := range cand.Content.Parts {
		switch {
		case part == nil:
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.Blocks = append(out.Blocks, ContentBlock{Type: BlockToolUse, ID: id, Name: part.FunctionCall.Name, Input: args})
		case part.Text != "" && !part.Thought:
			out.Blocks = append(out.Blocks, TextBlock(part.Text))
		}
	}
	return out, nil
}
