package tools

import (
	"context"
	"errors"
	"strings"
)

// ClassifyError maps an executor error to a structured ToolError.
func ClassifyError(toolName string, err error) *ToolError {
	if err == nil {
		return nil
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{
		Code:      ErrorCodeUnknown,
		Message:   msg,
		Retryable: false,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timed out"):
		out.Code = ErrorCodeTimeout
		out.Retryable = true
		out.SuggestedFixes = []string{"Retry with a smaller scope.", "Increase the timeout when safe."}
	case errors.Is(err, context.Canceled):
		out.Code = ErrorCodeCanceled
		out.Retryable = false
	case strings.Contains(lower, "not found"):
		out.Code = ErrorCodeNotFound
		out.Retryable = false
		out.SuggestedFixes = []string{"Verify the tool name against the registered tool list."}
	}

	if strings.TrimSpace(toolName) != "" {
		out.Meta = map[string]any{"tool": strings.TrimSpace(toolName)}
	}
	out.Normalize()
	return out
}
