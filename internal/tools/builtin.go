package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawinfra/toolmesh/internal/provider"
	"github.com/clawinfra/toolmesh/internal/types"
)

// ProviderLister exposes provider runtime snapshots to the provider_status
// builtin. The supervisor satisfies it directly.
type ProviderLister interface {
	List() []provider.Info
}

// RegisterBuiltins installs the always-available internal tools. The
// providers argument may be nil; provider_status is skipped then.
func RegisterBuiltins(r *Registry, providers ProviderLister) error {
	if err := r.Register(types.ToolSpec{
		Name:        "echo",
		Description: "Returns the given text unchanged",
		Category:    "core",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
	}, echoTool); err != nil {
		return err
	}

	if err := r.Register(types.ToolSpec{
		Name:        "time_now",
		Description: "Returns the current time in RFC 3339 format",
		Category:    "core",
		InputSchema: map[string]any{"type": "object"},
	}, timeNowTool); err != nil {
		return err
	}

	if providers != nil {
		if err := r.Register(types.ToolSpec{
			Name:        "provider_status",
			Description: "Returns the status of every registered tool provider",
			Category:    "admin",
			InputSchema: map[string]any{"type": "object"},
		}, providerStatusTool(providers)); err != nil {
			return err
		}
	}
	return nil
}

func echoTool(_ context.Context, input map[string]any) (*types.ToolOutput, error) {
	text, ok := input["text"].(string)
	if !ok {
		return nil, fmt.Errorf("missing required field: text")
	}
	return &types.ToolOutput{
		Content: []types.ContentBlock{types.TextBlock(text)},
	}, nil
}

func timeNowTool(_ context.Context, _ map[string]any) (*types.ToolOutput, error) {
	return &types.ToolOutput{
		Content: []types.ContentBlock{types.TextBlock(time.Now().Format(time.RFC3339))},
	}, nil
}

func providerStatusTool(providers ProviderLister) Handler {
	return func(_ context.Context, _ map[string]any) (*types.ToolOutput, error) {
		data, err := json.MarshalIndent(providers.List(), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal provider status: %w", err)
		}
		return &types.ToolOutput{
			Content: []types.ContentBlock{types.TextBlock(string(data))},
		}, nil
	}
}
