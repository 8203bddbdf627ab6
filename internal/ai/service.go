package ai

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/inkfold/inkfold-agent/internal/ai/threadstore"
	"github.com/inkfold/inkfold-agent/internal/ai/tools"
)

// maxToolRounds caps the completion/tool loop for one user turn so a model
// that keeps requesting tools cannot spin forever.
const maxToolRounds = 8

func newMessageID() string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "msg_fallback"
	}
	return "msg_" + base64.RawURLEncoding.EncodeToString(b)
}

// ServiceOptions configures one chat service bound to a single thread.
type ServiceOptions struct {
	Log      *slog.Logger
	Store    *threadstore.Store
	Provider TurnProvider
	Registry *tools.Registry

	ThreadID string
	Model    string

	// Optional collaborators forwarded to the orchestrator.
	StartRecording RecordingStartFunc
	StopRecording  RecordingStopFunc
	Transcribe     TranscribeFunc
	UploadFile     UploadFunc
	SetInputValue  SetInputFunc
}

// Service owns one chat thread end to end: the persisted conversation, the
// completion provider, the tool registry, and the operation orchestrator. It
// is the MessageFeed the orchestrator observes and the ResultSink tool
// executions write through.
type Service struct {
	log      *slog.Logger
	store    *threadstore.Store
	provider TurnProvider
	registry *tools.Registry

	threadID string
	model    string

	orch *Orchestrator

	mu       sync.Mutex
	history  []Message
	specs    []ToolDef
	specSeen map[string]struct{}
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("missing thread store")
	}
	if opts.Provider == nil {
		return nil, errors.New("missing turn provider")
	}
	threadID := strings.TrimSpace(opts.ThreadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}

	s := &Service{
		log:      log,
		store:    opts.Store,
		provider: opts.Provider,
		registry: registry,
		threadID: threadID,
		model:    strings.TrimSpace(opts.Model),
		specSeen: make(map[string]struct{}),
	}

	if err := s.loadHistory(context.Background()); err != nil {
		return nil, err
	}

	orch, err := NewOrchestrator(OrchestratorOptions{
		Log:            log,
		Registry:       registry,
		AddToolResult:  s.appendToolResult,
		Messages:       s,
		StartRecording: opts.StartRecording,
		StopRecording:  opts.StopRecording,
		Transcribe:     opts.Transcribe,
		UploadFile:     opts.UploadFile,
		SetInputValue:  opts.SetInputValue,
	})
	if err != nil {
		return nil, err
	}
	s.orch = orch
	return s, nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.orch.Close()
}

// Orchestrator exposes the operation coordinator for surfaces that render the
// busy signal and status line.
func (s *Service) Orchestrator() *Orchestrator {
	if s == nil {
		return nil
	}
	return s.orch
}

// RegisterTool registers a client-side executor and the schema advertised to
// the provider for it.
func (s *Service) RegisterTool(name string, description string, inputSchema json.RawMessage, exec tools.Executor) error {
	if s == nil {
		return errors.New("nil service")
	}
	name = strings.TrimSpace(name)
	if err := s.registry.Register(name, exec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.specSeen[name]; ok {
		for i := range s.specs {
			if s.specs[i].Name == name {
				s.specs[i].Description = description
				s.specs[i].InputSchema = inputSchema
			}
		}
		return nil
	}
	s.specSeen[name] = struct{}{}
	s.specs = append(s.specs, ToolDef{Name: name, Description: description, InputSchema: inputSchema})
	return nil
}

func (s *Service) loadHistory(ctx context.Context) error {
	if _, err := s.store.GetThread(ctx, s.threadID); err != nil {
		if createErr := s.store.CreateThread(ctx, threadstore.Thread{ThreadID: s.threadID}); createErr != nil {
			return fmt.Errorf("create thread: %w", createErr)
		}
	}

	rows, err := s.store.ListMessages(ctx, s.threadID, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	history := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := DecodeMessage([]byte(row.MessageJSON))
		if err != nil {
			s.log.Error("dropping undecodable persisted message", "message_id", row.MessageID, "error", err)
			continue
		}
		history = append(history, msg)
	}

	s.mu.Lock()
	s.history = history
	s.mu.Unlock()
	return nil
}

// Messages implements MessageFeed with an append-order snapshot.
func (s *Service) Messages() []Message {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) toolSpecs() []ToolDef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolDef, len(s.specs))
	copy(out, s.specs)
	return out
}

// appendMessage persists the message and mirrors it into the in-memory feed.
func (s *Service) appendMessage(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = newMessageID()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := s.store.AppendMessage(ctx, s.threadID, threadstore.Message{
		MessageID:   msg.ID,
		Role:        msg.Role,
		TextContent: joinMessageText(msg),
		MessageJSON: string(raw),
	}); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
	return nil
}

// appendToolResult is the ResultSink handed to the orchestrator: each recorded
// tool outcome becomes a tool message with a tool_result part, so result
// monitoring sees it on the next feed scan.
func (s *Service) appendToolResult(toolCallID string, payload any) error {
	if s == nil {
		return errors.New("nil service")
	}
	toolCallID = strings.TrimSpace(toolCallID)
	if toolCallID == "" {
		return errors.New("missing tool call id")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}

	return s.appendMessage(context.Background(), Message{
		ID:   newMessageID(),
		Role: RoleTool,
		Content: []Part{{
			Type:       partTypeToolResult,
			ToolCallID: toolCallID,
			JSON:       raw,
		}},
	})
}

// SendUserTurn appends one user message, runs the completion/tool loop until
// the model stops requesting client-side tools, and returns the final
// assistant text.
//
// The outbound request is gated on history consistency: a history with
// unresolved client-side tool calls is repaired first, and the turn fails if
// repair fails.
func (s *Service) SendUserTurn(ctx context.Context, text string) (string, error) {
	if s == nil {
		return "", errors.New("nil service")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty user message")
	}
	if s.orch.IsChatInputBusy() {
		return "", errors.New("chat input is busy")
	}

	if !s.orch.IsHistoryConsistentForAPICall() {
		s.log.Warn("history inconsistent before send, attempting repair")
		if !s.orch.AttemptToFixInconsistencies(ctx) {
			return "", errors.New("history repair failed")
		}
		if !s.orch.IsHistoryConsistentForAPICall() {
			return "", errors.New("history still inconsistent after repair")
		}
	}

	if err := s.appendMessage(ctx, Message{
		ID:      newMessageID(),
		Role:    RoleUser,
		Content: []Part{{Type: partTypeText, Text: text}},
	}); err != nil {
		return "", err
	}

	return s.runTurnLoop(ctx)
}

func (s *Service) runTurnLoop(ctx context.Context) (string, error) {
	specs := s.toolSpecs()
	lastText := ""

	for round := 0; round < maxToolRounds; round++ {
		result, err := s.provider.CompleteTurn(ctx, TurnRequest{
			Model:   s.model,
			History: s.Messages(),
			Tools:   specs,
		})
		if err != nil {
			return "", fmt.Errorf("complete turn: %w", err)
		}

		assistant := Message{ID: newMessageID(), Role: RoleAssistant}
		if strings.TrimSpace(result.Text) != "" {
			assistant.Content = append(assistant.Content, Part{Type: partTypeText, Text: result.Text})
			lastText = strings.TrimSpace(result.Text)
		}
		assistant.ToolInvocations = append(assistant.ToolInvocations, result.ToolCalls...)

		if err := s.appendMessage(ctx, assistant); err != nil {
			return "", err
		}
		s.orch.ObserveMessages()

		executed := 0
		for _, call := range result.ToolCalls {
			name := strings.TrimSpace(call.ToolName)
			if !s.registry.Has(name) {
				continue
			}
			outcome := s.orch.ExecuteToolByName(ctx, name, call.ToolCallID, call.Args)
			executed++
			if !outcome.Success {
				s.log.Warn("tool execution did not succeed", "tool_name", name, "tool_call_id", call.ToolCallID, "error", outcome.Error)
			}
		}
		if executed == 0 {
			return lastText, nil
		}
		// Results landed in the feed; loop so the model sees them.
		s.orch.ObserveMessages()
	}

	return lastText, fmt.Errorf("tool loop did not settle after %d rounds", maxToolRounds)
}
