package ai

import (
	"fmt"
	"sync"
)

// AIToolState tracks the AI tool invocation family.
type AIToolState string

const (
	AIToolIdle               AIToolState = "idle"
	AIToolDetected           AIToolState = "detected"
	AIToolExecuting          AIToolState = "executing"
	AIToolAwaitingResult     AIToolState = "awaiting_result"
	AIToolProcessingComplete AIToolState = "processing_complete"
)

// AudioState tracks the audio capture and transcription family.
type AudioState string

const (
	AudioIdle               AudioState = "idle"
	AudioRecording          AudioState = "recording"
	AudioTranscribing       AudioState = "transcribing"
	AudioTranscriptReady    AudioState = "transcript_ready"
	AudioProcessingComplete AudioState = "processing_complete"
)

// FileUploadState tracks the file upload family.
type FileUploadState string

const (
	FileUploadIdle               FileUploadState = "idle"
	FileUploadUploading          FileUploadState = "uploading"
	FileUploadComplete           FileUploadState = "upload_complete"
	FileUploadProcessingComplete FileUploadState = "processing_complete"
)

// OperationState is the combined state of the three operation families plus the
// shared scalar fields. It is a value: snapshots are safe to hand out.
type OperationState struct {
	AITool     AIToolState
	Audio      AudioState
	FileUpload FileUploadState

	CurrentToolCallID           string
	CurrentOperationDescription string

	EditorBlockStatuses map[string]string
}

func newOperationState() OperationState {
	return OperationState{
		AITool:     AIToolIdle,
		Audio:      AudioIdle,
		FileUpload: FileUploadIdle,
	}
}

// IsAnyOperationInProgress reports whether any family is inside its in-progress
// subset. Idle and processing_complete never count as in-progress.
func IsAnyOperationInProgress(s OperationState) bool {
	switch s.AITool {
	case AIToolDetected, AIToolExecuting, AIToolAwaitingResult:
		return true
	}
	switch s.Audio {
	case AudioRecording, AudioTranscribing, AudioTranscriptReady:
		return true
	}
	switch s.FileUpload {
	case FileUploadUploading, FileUploadComplete:
		return true
	}
	return false
}

// statusRule is one entry of the ordered status table. Rules are evaluated
// top-to-bottom; the first match wins.
type statusRule struct {
	match   func(OperationState) bool
	message func(OperationState) string
}

var statusRules = []statusRule{
	{
		match: func(s OperationState) bool { return s.AITool == AIToolExecuting },
		message: func(s OperationState) string {
			desc := s.CurrentOperationDescription
			if desc == "" {
				desc = "tool call"
			}
			return fmt.Sprintf("Processing AI action: %s...", desc)
		},
	},
	{
		match:   func(s OperationState) bool { return s.AITool == AIToolAwaitingResult },
		message: func(OperationState) string { return "Updating chat with AI tool result..." },
	},
	{
		match:   func(s OperationState) bool { return s.Audio == AudioTranscribing },
		message: func(OperationState) string { return "Transcribing audio..." },
	},
	{
		match:   func(s OperationState) bool { return s.Audio == AudioTranscriptReady },
		message: func(OperationState) string { return "Preparing transcript for chat..." },
	},
	{
		match:   func(s OperationState) bool { return s.FileUpload == FileUploadUploading },
		message: func(OperationState) string { return "Uploading file for chat message..." },
	},
	{
		match:   func(s OperationState) bool { return s.FileUpload == FileUploadComplete },
		message: func(OperationState) string { return "Preparing file for chat message..." },
	},
}

// OperationStatusText returns the highest-priority user-facing status line for
// the given state, or "" when nothing is worth announcing.
func OperationStatusText(s OperationState) string {
	for _, rule := range statusRules {
		if rule.match(s) {
			return rule.message(s)
		}
	}
	return ""
}

// OperationStateStore owns the OperationState for one chat session. All
// mutation goes through its setters; readers get value snapshots.
type OperationStateStore struct {
	mu    sync.Mutex
	state OperationState
}

func NewOperationStateStore() *OperationStateStore {
	return &OperationStateStore{state: newOperationState()}
}

func (s *OperationStateStore) Snapshot() OperationState {
	if s == nil {
		return newOperationState()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	if len(s.state.EditorBlockStatuses) > 0 {
		out.EditorBlockStatuses = make(map[string]string, len(s.state.EditorBlockStatuses))
		for k, v := range s.state.EditorBlockStatuses {
			out.EditorBlockStatuses[k] = v
		}
	}
	return out
}

// SetAITool sets the AI tool family state together with the shared tool-call
// context. Passing empty id/description clears them only when the family is
// returning to a resting state.
func (s *OperationStateStore) SetAITool(st AIToolState, toolCallID string, description string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AITool = st
	switch st {
	case AIToolIdle, AIToolProcessingComplete:
		s.state.CurrentToolCallID = ""
		s.state.CurrentOperationDescription = ""
	default:
		if toolCallID != "" {
			s.state.CurrentToolCallID = toolCallID
		}
		if description != "" {
			s.state.CurrentOperationDescription = description
		}
	}
}

func (s *OperationStateStore) SetAudio(st AudioState, description string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Audio = st
	if description != "" {
		s.state.CurrentOperationDescription = description
	}
	if st == AudioIdle || st == AudioProcessingComplete {
		s.state.CurrentOperationDescription = ""
	}
}

func (s *OperationStateStore) SetFileUpload(st FileUploadState, description string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FileUpload = st
	if description != "" {
		s.state.CurrentOperationDescription = description
	}
	if st == FileUploadIdle || st == FileUploadProcessingComplete {
		s.state.CurrentOperationDescription = ""
	}
}

func (s *OperationStateStore) SetBlockStatus(blockID string, status string) {
	if s == nil || blockID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.EditorBlockStatuses == nil {
		s.state.EditorBlockStatuses = make(map[string]string)
	}
	if status == "" {
		delete(s.state.EditorBlockStatuses, blockID)
		return
	}
	s.state.EditorBlockStatuses[blockID] = status
}

// Reset returns every family to idle and clears all shared fields.
func (s *OperationStateStore) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = newOperationState()
}
