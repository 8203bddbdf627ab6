package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is one entry of the conversation feed the orchestrator observes.
//
// Notes:
// - The feed is append-only and read-only from the orchestrator's point of view.
// - Tool invocations appear embedded in assistant messages; their results arrive
//   either inline on the invocation or as a tool_result part of a later message.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content []Part `json:"content,omitempty"`

	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`
}

// Part is one content block of a message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	JSON       json.RawMessage `json:"json,omitempty"`

	FileURI  string `json:"file_uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ToolInvocation is a tool call embedded in an assistant message, correlated to
// its eventual result by ToolCallID.
type ToolInvocation struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

const (
	partTypeText       = "text"
	partTypeToolCall   = "tool_call"
	partTypeToolResult = "tool_result"
	partTypeImage      = "image"
	partTypeFile       = "file"
)

func (m *Message) isAssistant() bool {
	return m != nil && strings.ToLower(strings.TrimSpace(m.Role)) == RoleAssistant
}

func joinMessageText(m Message) string {
	parts := make([]string, 0, len(m.Content))
	for _, p := range m.Content {
		if strings.ToLower(strings.TrimSpace(p.Type)) != partTypeText {
			continue
		}
		if txt := strings.TrimSpace(p.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n")
}

// DecodeMessage decodes a persisted message JSON document.
//
// A present-but-malformed tool_invocations field (anything other than an array)
// fails the whole decode so the caller can log and drop the message instead of
// treating a corrupt invocation list as "no invocations".
func DecodeMessage(raw []byte) (Message, error) {
	var probe struct {
		ToolInvocations json.RawMessage `json:"tool_invocations"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	if len(probe.ToolInvocations) > 0 {
		trimmed := strings.TrimSpace(string(probe.ToolInvocations))
		if trimmed != "null" && !strings.HasPrefix(trimmed, "[") {
			return Message{}, errors.New("malformed message: tool_invocations is not a sequence")
		}
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	return msg, nil
}

// toolResultIDs collects every tool_call_id that has a recorded result anywhere
// in the history: inline on an invocation, or as a tool_result part.
func toolResultIDs(history []Message) map[string]struct{} {
	out := make(map[string]struct{})
	for _, msg := range history {
		for _, part := range msg.Content {
			if strings.ToLower(strings.TrimSpace(part.Type)) != partTypeToolResult {
				continue
			}
			if id := strings.TrimSpace(part.ToolCallID); id != "" {
				out[id] = struct{}{}
			}
		}
		for _, inv := range msg.ToolInvocations {
			id := strings.TrimSpace(inv.ToolCallID)
			if id == "" {
				continue
			}
			if inv.Result != nil || strings.TrimSpace(inv.Error) != "" {
				out[id] = struct{}{}
			}
		}
	}
	return out
}
