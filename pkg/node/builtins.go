package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/prompt"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/tooling"
)

// registerBuiltins adds the node's own tools. Registered tools with the same
// names are replaced.
func registerBuiltins(reg *tooling.Registry, contracts prompt.Store) error {
	err := reg.Register(tooling.Descriptor{
		Name:        "current_time",
		Description: "Returns the current UTC time in RFC 3339 format.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, args map[string]any) (tooling.Result, error) {
		return tooling.Result{Output: time.Now().UTC().Format(time.RFC3339)}, nil
	})
	if err != nil {
		return err
	}

	return reg.Register(tooling.Descriptor{
		Name:        "describe_contract",
		Description: "Describes a prompt contract: model, token ceiling and tools.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"ref": map[string]any{"type": "string"}},
			"required":   []any{"ref"},
		},
	}, func(ctx context.Context, args map[string]any) (tooling.Result, error) {
		ref, _ := args["ref"].(string)
		c, err := contracts.Get(ctx, ref)
		if err != nil {
			// The model asked for something that does not exist; tell it.
			return tooling.Result{Output: err.Error(), IsError: true}, nil
		}
		tools := make([]string, len(c.Tools))
		for i, t := range c.Tools {
			tools[i] = t.Name
		}
		out, err := json.Marshal(map[string]any{
			"ref":        c.Ref(),
			"model_id":   c.ModelID,
			"max_tokens": c.MaxTokens,
			"tools":      tools,
		})
		if err != nil {
			return tooling.Result{}, fmt.Errorf("node: encode contract: %w", err)
		}
		return tooling.Result{Output: string(out)}, nil
	})
}
