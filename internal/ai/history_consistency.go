package ai

import (
	"context"
	"log/slog"
	"strings"

	"github.com/inkfold/inkfold-agent/internal/ai/tools"
)

// ToolCallRef identifies one tool invocation in diagnostics output.
type ToolCallRef struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
}

// InconsistencyDetails is the enumerable form of the history audit.
type InconsistencyDetails struct {
	IsConsistent     bool          `json:"is_consistent"`
	MissingResults   []ToolCallRef `json:"missing_results"`
	PendingToolCalls []ToolCallRef `json:"pending_tool_calls"`
}

// HistoryAuditor checks the conversation history against tracker state: every
// client-executable tool invocation must either have a result in history or be
// a known in-flight pending call. Invocations naming a tool without a local
// executor are server-managed and always ignored.
type HistoryAuditor struct {
	log      *slog.Logger
	feed     MessageFeed
	registry *tools.Registry
	tracker  *ToolCallTracker
	sink     ResultSink
}

func NewHistoryAuditor(log *slog.Logger, feed MessageFeed, registry *tools.Registry, tracker *ToolCallTracker, sink ResultSink) *HistoryAuditor {
	if log == nil {
		log = slog.Default()
	}
	return &HistoryAuditor{log: log, feed: feed, registry: registry, tracker: tracker, sink: sink}
}

type auditedInvocation struct {
	ref     ToolCallRef
	args    map[string]any
	pending bool
	missing bool
}

func (a *HistoryAuditor) audit() []auditedInvocation {
	if a == nil || a.feed == nil {
		return nil
	}
	history := a.feed.Messages()
	results := toolResultIDs(history)

	seen := make(map[string]struct{})
	out := make([]auditedInvocation, 0, 4)
	for i := range history {
		msg := &history[i]
		if !msg.isAssistant() {
			continue
		}
		for _, inv := range msg.ToolInvocations {
			id := strings.TrimSpace(inv.ToolCallID)
			name := strings.TrimSpace(inv.ToolName)
			if id == "" || name == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !a.registry.Has(name) {
				continue
			}

			item := auditedInvocation{ref: ToolCallRef{ToolCallID: id, ToolName: name}, args: inv.Args}
			if _, ok := results[id]; ok {
				// Reconciled.
			} else if a.tracker.IsPending(id) {
				item.pending = true
			} else {
				item.missing = true
			}
			out = append(out, item)
		}
	}
	return out
}

// IsHistoryConsistentForAPICall reports whether the history is structurally
// valid for an outbound AI request.
func (a *HistoryAuditor) IsHistoryConsistentForAPICall() bool {
	for _, item := range a.audit() {
		if item.missing {
			return false
		}
	}
	return true
}

// InconsistencyDetails returns the audit classification for diagnostics/UI.
func (a *HistoryAuditor) InconsistencyDetails() InconsistencyDetails {
	details := InconsistencyDetails{
		IsConsistent:     true,
		MissingResults:   []ToolCallRef{},
		PendingToolCalls: []ToolCallRef{},
	}
	for _, item := range a.audit() {
		switch {
		case item.missing:
			details.IsConsistent = false
			details.MissingResults = append(details.MissingResults, item.ref)
		case item.pending:
			details.PendingToolCalls = append(details.PendingToolCalls, item.ref)
		}
	}
	return details
}

// AttemptToFixInconsistencies executes every missing client-side invocation
// with its recorded args to heal the history. Already-processed and pending
// calls are left alone. Returns true only when every attempted fix succeeded;
// a partial failure yields false even though some entries were repaired.
func (a *HistoryAuditor) AttemptToFixInconsistencies(ctx context.Context) bool {
	if a == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	items := a.audit()
	allOK := true
	attempted := 0
	for _, item := range items {
		if !item.missing {
			continue
		}
		attempted++
		exec, ok := a.registry.Resolve(item.ref.ToolName)
		if !ok {
			// Registration changed between audit and repair.
			a.log.Warn("missing executor during history repair", "tool_name", item.ref.ToolName, "tool_call_id", item.ref.ToolCallID)
			allOK = false
			continue
		}
		args := item.args
		if args == nil {
			args = map[string]any{}
		}
		result, err := exec(ctx, args)
		if err != nil {
			a.log.Error("history repair execution failed", "tool_name", item.ref.ToolName, "tool_call_id", item.ref.ToolCallID, "error", err)
			if sinkErr := a.record(item.ref.ToolCallID, map[string]any{"error": err.Error()}); sinkErr != nil {
				a.log.Error("history repair sink failed", "tool_call_id", item.ref.ToolCallID, "error", sinkErr)
			}
			allOK = false
			continue
		}
		if sinkErr := a.record(item.ref.ToolCallID, map[string]any{"success": true, "result": result}); sinkErr != nil {
			a.log.Error("history repair sink failed", "tool_call_id", item.ref.ToolCallID, "error", sinkErr)
			allOK = false
		}
	}
	if attempted == 0 {
		return true
	}
	return allOK
}

func (a *HistoryAuditor) record(toolCallID string, payload any) error {
	if a.sink == nil {
		return nil
	}
	return a.sink(toolCallID, payload)
}
