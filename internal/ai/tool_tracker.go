package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inkfold/inkfold-agent/internal/ai/tools"
)

const toolExecutionTimeout = 30 * time.Second

// ToolCallTracker tracks tool call identifiers across their lifetime: unseen,
// pending (detected, awaiting a result in the conversation), processed
// (reconciled). The two sets, not booleans, are what keeps detection,
// execution, and result arrival idempotent across interleavings.
type ToolCallTracker struct {
	log      *slog.Logger
	store    *OperationStateStore
	registry *tools.Registry
	sink     ResultSink

	// criticalReset is invoked when state can no longer be trusted (failing
	// sink, nil message). Supplied by the owning orchestrator.
	criticalReset func(reason string)

	mu        sync.Mutex
	pending   map[string]string // toolCallID -> toolName
	processed map[string]struct{}
}

func NewToolCallTracker(log *slog.Logger, store *OperationStateStore, registry *tools.Registry, sink ResultSink, criticalReset func(reason string)) *ToolCallTracker {
	if log == nil {
		log = slog.Default()
	}
	if criticalReset == nil {
		criticalReset = func(string) {}
	}
	return &ToolCallTracker{
		log:           log,
		store:         store,
		registry:      registry,
		sink:          sink,
		criticalReset: criticalReset,
		pending:       make(map[string]string),
		processed:     make(map[string]struct{}),
	}
}

// HandleToolDetected marks a newly observed tool call as pending and moves the
// AI tool family to detected.
func (t *ToolCallTracker) HandleToolDetected(toolCallID string, toolName string) {
	if t == nil {
		return
	}
	toolCallID = strings.TrimSpace(toolCallID)
	toolName = strings.TrimSpace(toolName)
	if toolCallID == "" || toolName == "" {
		t.log.Warn("tool detected with missing id or name", "tool_call_id", toolCallID, "tool_name", toolName)
		return
	}

	t.mu.Lock()
	if _, done := t.processed[toolCallID]; done {
		t.mu.Unlock()
		return
	}
	t.pending[toolCallID] = toolName
	t.mu.Unlock()

	t.store.SetAITool(AIToolDetected, toolCallID, "AI requests: "+toolName)
}

// HandleToolExecutionStart moves the AI tool family to executing.
func (t *ToolCallTracker) HandleToolExecutionStart(toolCallID string, description string) {
	if t == nil {
		return
	}
	t.store.SetAITool(AIToolExecuting, strings.TrimSpace(toolCallID), description)
}

// HandleToolExecutionComplete records the outcome through the result sink and
// moves the family to awaiting_result. A failing sink resets everything: a
// broken transport must not leave the state machine stuck.
func (t *ToolCallTracker) HandleToolExecutionComplete(toolCallID string, result any, execErr error) {
	if t == nil {
		return
	}
	toolCallID = strings.TrimSpace(toolCallID)

	payload := result
	if execErr != nil {
		payload = map[string]any{"error": execErr.Error()}
	}
	if err := t.sinkResult(toolCallID, payload); err != nil {
		t.log.Error("result sink failed, resetting all operations", "tool_call_id", toolCallID, "error", err)
		t.criticalReset("result sink failure")
		return
	}
	t.store.SetAITool(AIToolAwaitingResult, toolCallID, "")
}

func (t *ToolCallTracker) sinkResult(toolCallID string, payload any) (err error) {
	if t.sink == nil {
		return errors.New("missing result sink")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("result sink panic: %v", r)
		}
	}()
	return t.sink(toolCallID, payload)
}

// ExecuteToolByName resolves a registered executor and runs it under the
// execution timeout. Every outcome, including the failure shapes, is recorded
// through the result sink.
func (t *ToolCallTracker) ExecuteToolByName(ctx context.Context, toolName string, toolCallID string, args map[string]any) ExecutionOutcome {
	if t == nil {
		return ExecutionOutcome{Success: false, Error: "nil tool tracker"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	toolName = strings.TrimSpace(toolName)
	toolCallID = strings.TrimSpace(toolCallID)

	exec, ok := t.registry.Resolve(toolName)
	if !ok {
		outcome := ExecutionOutcome{
			Success: false,
			Error:   fmt.Sprintf("Tool '%s' not found", toolName),
			Context: map[string]any{
				"tool_call_id":    toolCallID,
				"available_tools": t.registry.Names(),
			},
		}
		t.log.Error("tool not found", "tool_name", toolName, "tool_call_id", toolCallID)
		t.HandleToolExecutionComplete(toolCallID, nil, errors.New(outcome.Error))
		return outcome
	}

	t.HandleToolExecutionStart(toolCallID, "Executing "+toolName)

	if args == nil {
		t.log.Warn("tool invoked with nil args, coercing to empty map", "tool_name", toolName, "tool_call_id", toolCallID)
		args = map[string]any{}
	}

	type execResult struct {
		result any
		err    error
	}
	execCtx, cancel := context.WithTimeout(ctx, toolExecutionTimeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		res, err := exec(execCtx, args)
		done <- execResult{result: res, err: err}
	}()

	var outcome ExecutionOutcome
	select {
	case <-execCtx.Done():
		// Cooperative only: the executor keeps running, its late result is
		// dropped on the floor via the buffered channel. Only an elapsed
		// deadline is a timeout; a canceled parent is an ordinary failure.
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			outcome = ExecutionOutcome{
				Success: false,
				Error:   fmt.Sprintf("Tool '%s' execution timed out after %dms", toolName, toolExecutionTimeout.Milliseconds()),
				Context: map[string]any{
					"tool_name":    toolName,
					"tool_call_id": toolCallID,
					"is_timeout":   true,
					"timestamp":    time.Now().UnixMilli(),
				},
			}
			t.log.Error("tool execution timed out", "tool_name", toolName, "tool_call_id", toolCallID)
		} else {
			outcome = ExecutionOutcome{
				Success: false,
				Error:   fmt.Sprintf("Tool '%s' execution failed", toolName),
				Context: map[string]any{
					"tool_name":    toolName,
					"tool_call_id": toolCallID,
					"is_timeout":   false,
					"timestamp":    time.Now().UnixMilli(),
				},
			}
			t.log.Error("tool execution canceled", "tool_name", toolName, "tool_call_id", toolCallID, "error", execCtx.Err())
		}
	case res := <-done:
		switch {
		case res.err != nil:
			toolErr := tools.ClassifyError(toolName, res.err)
			outcome = ExecutionOutcome{
				Success: false,
				Error:   fmt.Sprintf("Tool '%s' execution failed", toolName),
				Context: map[string]any{
					"tool_name":    toolName,
					"tool_call_id": toolCallID,
					"is_timeout":   false,
					"timestamp":    time.Now().UnixMilli(),
				},
			}
			t.log.Error("tool execution failed", "tool_name", toolName, "tool_call_id", toolCallID, "error", res.err, "error_code", toolErr.Code, "retryable", toolErr.Retryable)
		case resultCarriesError(res.result):
			// Tool-level failure, not an infrastructure failure.
			outcome = ExecutionOutcome{
				Success: false,
				Result:  res.result,
				Error:   resultErrorText(res.result),
			}
			t.log.Warn("tool reported failure result", "tool_name", toolName, "tool_call_id", toolCallID, "error", outcome.Error)
		default:
			outcome = ExecutionOutcome{Success: true, Result: res.result}
		}
	}

	if outcome.Success {
		t.HandleToolExecutionComplete(toolCallID, outcome.Result, nil)
	} else {
		t.HandleToolExecutionComplete(toolCallID, outcome.Result, errors.New(outcome.Error))
	}
	return outcome
}

func resultCarriesError(result any) bool {
	return resultErrorText(result) != ""
}

func resultErrorText(result any) string {
	m, ok := result.(map[string]any)
	if !ok {
		return ""
	}
	switch v := m["error"].(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return ""
	}
}

// ProcessToolInvocations inspects one appended message for embedded tool
// invocations and registers the client-executable ones as pending.
//
// A nil message is a critical input failure: partial state after it cannot be
// trusted, so everything is reset.
func (t *ToolCallTracker) ProcessToolInvocations(msg *Message) error {
	if t == nil {
		return errors.New("nil tool tracker")
	}
	if msg == nil {
		t.log.Error("nil message passed to tool invocation processing, resetting all operations")
		t.criticalReset("nil message")
		return errors.New("nil message")
	}
	if !msg.isAssistant() || len(msg.ToolInvocations) == 0 {
		return nil
	}

	for _, inv := range msg.ToolInvocations {
		if err := t.processOne(inv); err != nil {
			t.log.Error("tool invocation entry failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

func (t *ToolCallTracker) processOne(inv ToolInvocation) error {
	id := strings.TrimSpace(inv.ToolCallID)
	name := strings.TrimSpace(inv.ToolName)
	if id == "" || name == "" {
		t.log.Warn("skipping tool invocation with missing id or name", "tool_call_id", id, "tool_name", name)
		return nil
	}

	t.mu.Lock()
	_, done := t.processed[id]
	t.mu.Unlock()
	if done {
		return nil
	}

	// Unregistered tools are server-managed: the backend executes them and the
	// result arrives with the next assistant turn. They never enter pending.
	if !t.registry.Has(name) {
		return nil
	}

	t.HandleToolDetected(id, name)
	return nil
}

// MarkProcessed moves a tool call pending -> processed. Returns false when the
// id was not pending; a processed id never moves back.
func (t *ToolCallTracker) MarkProcessed(toolCallID string) bool {
	if t == nil {
		return false
	}
	toolCallID = strings.TrimSpace(toolCallID)
	if toolCallID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[toolCallID]; !ok {
		return false
	}
	delete(t.pending, toolCallID)
	t.processed[toolCallID] = struct{}{}
	return true
}

func (t *ToolCallTracker) IsPending(toolCallID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[strings.TrimSpace(toolCallID)]
	return ok
}

func (t *ToolCallTracker) IsProcessed(toolCallID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.processed[strings.TrimSpace(toolCallID)]
	return ok
}

func (t *ToolCallTracker) PendingCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// PendingIDs returns a sorted snapshot of the pending set.
func (t *ToolCallTracker) PendingIDs() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.pending))
	for id := range t.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ProcessedIDs returns a sorted snapshot of the processed set.
func (t *ToolCallTracker) ProcessedIDs() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.processed))
	for id := range t.processed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *ToolCallTracker) pendingName(toolCallID string) (string, bool) {
	if t == nil {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.pending[strings.TrimSpace(toolCallID)]
	return name, ok
}

// Reset clears both sets.
func (t *ToolCallTracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]string)
	t.processed = make(map[string]struct{})
}
