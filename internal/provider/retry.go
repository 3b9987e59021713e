package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clawinfra/toolmesh/internal/protocol"
)

// Corrector is the narrow contract for parameter correction. Given a failed
// call it may propose a corrected input; ok=false means no correction is
// available and the original error stands.
type Corrector interface {
	AttemptCorrection(ctx context.Context, toolName string, input map[string]any, callErr error) (corrected map[string]any, ok bool)
}

// ProactiveFix rewrites a tool's input before the first attempt. Fixes are
// registered per tool name and only applied when proactive fixing has been
// explicitly enabled.
type ProactiveFix func(input map[string]any) map[string]any

// RegisterProactiveFix installs a pre-call input fix for one tool.
func (s *Supervisor) RegisterProactiveFix(toolName string, fix ProactiveFix) {
	s.proactiveMu.Lock()
	defer s.proactiveMu.Unlock()
	s.proactiveFixes[toolName] = fix
}

// EnableProactiveFixes turns on pre-call input fixing. Off by default.
func (s *Supervisor) EnableProactiveFixes(enabled bool) {
	s.proactiveMu.Lock()
	defer s.proactiveMu.Unlock()
	s.proactiveEnabled = enabled
}

func (s *Supervisor) applyProactiveFix(toolName string, input map[string]any) map[string]any {
	s.proactiveMu.RLock()
	defer s.proactiveMu.RUnlock()
	if !s.proactiveEnabled {
		return input
	}
	fix, ok := s.proactiveFixes[toolName]
	if !ok {
		return input
	}
	return fix(input)
}

// callWithRetry performs at most two attempts: the original call, and one
// corrected call when the corrector proposes a fix. The second attempt is
// final either way.
func (s *Supervisor) callWithRetry(ctx context.Context, conn *protocol.Conn, id, toolName string, input map[string]any) (*protocol.CallToolResult, error) {
	input = s.applyProactiveFix(toolName, input)

	result, err := s.callTool(ctx, conn, toolName, input)
	if err == nil {
		return result, nil
	}

	if s.corrector == nil {
		return nil, err
	}
	corrected, ok := s.corrector.AttemptCorrection(ctx, toolName, input, err)
	if !ok {
		return nil, err
	}

	s.logger.Info("retrying tool call with corrected input", "provider", id, "tool", toolName)
	result, retryErr := s.callTool(ctx, conn, toolName, corrected)
	if retryErr != nil {
		return nil, fmt.Errorf("retry after correction failed: %w", retryErr)
	}
	return result, nil
}

func (s *Supervisor) callTool(ctx context.Context, conn *protocol.Conn, toolName string, input map[string]any) (*protocol.CallToolResult, error) {
	raw, err := conn.Call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      toolName,
		Arguments: input,
	}, s.callTimeout)
	if err != nil {
		return nil, err
	}
	var result protocol.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bad tools/call result: %w", err)
	}
	return &result, nil
}
