package tools

import (
	"context"
	"strings"
)

// Executor runs one client-side tool invocation.
type Executor func(ctx context.Context, args map[string]any) (any, error)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	ErrorCodeTimeout  ErrorCode = "TIMEOUT"
	ErrorCodeCanceled ErrorCode = "CANCELED"
	ErrorCodeUnknown  ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata.
type ToolError struct {
	Code           ErrorCode      `json:"code"`
	Message        string         `json:"message"`
	Retryable      bool           `json:"retryable,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
	if len(e.Meta) == 0 {
		e.Meta = nil
	}
}
