package ai

import (
	"context"
	"io"
)

// ResultSink appends a tool result to the conversation transport.
//
// The sink is externally supplied; the orchestrator treats a failing sink as a
// critical fault because a half-recorded result leaves the history invalid.
type ResultSink func(toolCallID string, payload any) error

// UploadFile describes a file handed to the upload collaborator.
type UploadFile struct {
	Name string
	Size int64
	Data io.Reader
}

// UploadFunc uploads a file and returns its storage path.
type UploadFunc func(ctx context.Context, file UploadFile) (string, error)

// RecordingStartFunc starts audio capture.
type RecordingStartFunc func(ctx context.Context) error

// RecordingStopFunc stops audio capture and returns the captured audio, or nil
// when nothing usable was captured.
type RecordingStopFunc func(ctx context.Context) ([]byte, error)

// TranscribeFunc converts captured audio to text.
type TranscribeFunc func(ctx context.Context, audio []byte) (string, error)

// SetInputFunc populates the message composer with prepared text.
type SetInputFunc func(text string)

// MessageFeed is the live, ordered, read-only conversation the orchestrator
// observes. Implementations must return messages in append order.
type MessageFeed interface {
	Messages() []Message
}

// MessageFeedFunc adapts a plain function to a MessageFeed.
type MessageFeedFunc func() []Message

func (f MessageFeedFunc) Messages() []Message {
	if f == nil {
		return nil
	}
	return f()
}

// ExecutionOutcome is the normalized result of one client-side tool execution.
type ExecutionOutcome struct {
	Success bool           `json:"success"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}
