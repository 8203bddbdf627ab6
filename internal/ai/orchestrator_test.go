package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inkfold/inkfold-agent/internal/ai/tools"
)

type liveFeed struct {
	mu   sync.Mutex
	msgs []Message
}

func (f *liveFeed) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

func (f *liveFeed) Append(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func newTestOrchestrator(t *testing.T, mutate func(*OrchestratorOptions)) (*Orchestrator, *liveFeed, *sinkRecorder) {
	t.Helper()
	feed := &liveFeed{}
	sink := &sinkRecorder{}
	opts := OrchestratorOptions{
		Log:           testLogger(),
		Registry:      tools.NewRegistry(),
		AddToolResult: sink.Record,
		Messages:      feed,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o, feed, sink
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}

func TestNewOrchestrator_RequiresSinkAndFeed(t *testing.T) {
	t.Parallel()

	if _, err := NewOrchestrator(OrchestratorOptions{Messages: &liveFeed{}}); err == nil {
		t.Fatalf("expected error for missing result sink")
	}
	if _, err := NewOrchestrator(OrchestratorOptions{AddToolResult: (&sinkRecorder{}).Record}); err == nil {
		t.Fatalf("expected error for missing message feed")
	}
}

func TestIsChatInputBusy_DerivedFromState(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		_ = opts.Registry.Register("client_tool", func(context.Context, map[string]any) (any, error) { return nil, nil })
	})

	if o.IsChatInputBusy() {
		t.Fatalf("fresh orchestrator must not be busy")
	}
	o.HandleToolDetected("call_1", "client_tool")
	if !o.IsChatInputBusy() {
		t.Fatalf("detected tool call must make input busy")
	}
	if got := o.CurrentOperationStatusText(); got != "" {
		t.Fatalf("detected state has no status rule, got %q", got)
	}

	o.ResetAllOperations()
	if o.IsChatInputBusy() {
		t.Fatalf("reset orchestrator must not be busy")
	}
}

func TestHandleFileUploadStart_RoundTrip(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		opts.UploadFile = func(context.Context, UploadFile) (string, error) {
			return "uploads/a.txt", nil
		}
	})

	resID := o.HandleFileUploadStart(context.Background(), UploadFile{Name: "a.txt", Size: 2048})
	if resID == "" {
		t.Fatalf("expected a resource id")
	}

	waitFor(t, time.Second, func() bool {
		return o.StateSnapshot().FileUpload == FileUploadProcessingComplete || o.StateSnapshot().FileUpload == FileUploadIdle
	}, "upload completion")

	if usage := o.GetMemoryUsage(); usage.ActiveResources != 0 || usage.TotalAllocated != 0 {
		t.Fatalf("resource leaked after completion: %+v", usage)
	}

	waitFor(t, 2*time.Second, func() bool {
		return o.StateSnapshot().FileUpload == FileUploadIdle
	}, "settle to idle after processing_complete")
}

func TestHandleFileUploadStart_TracksResourceWhileUploading(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		opts.UploadFile = func(context.Context, UploadFile) (string, error) {
			<-release
			return "uploads/a.txt", nil
		}
	})
	defer close(release)

	o.HandleFileUploadStart(context.Background(), UploadFile{Name: "a.txt", Size: 4096})

	s := o.StateSnapshot()
	if s.FileUpload != FileUploadUploading {
		t.Fatalf("fileUpload=%q, want %q", s.FileUpload, FileUploadUploading)
	}
	if s.CurrentOperationDescription != "Uploading a.txt" {
		t.Fatalf("description=%q", s.CurrentOperationDescription)
	}
	usage := o.GetMemoryUsage()
	if usage.ActiveResources != 1 || usage.TotalAllocated != 4096 {
		t.Fatalf("usage=%+v, want 1 active / 4096 bytes", usage)
	}
}

func TestHandleFileUploadStart_MissingCollaborator(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, nil)

	if resID := o.HandleFileUploadStart(context.Background(), UploadFile{Name: "a.txt", Size: 100}); resID != "" {
		t.Fatalf("missing collaborator must not allocate, got %q", resID)
	}
	if o.StateSnapshot().FileUpload != FileUploadIdle {
		t.Fatalf("fileUpload=%q, want idle", o.StateSnapshot().FileUpload)
	}
	if usage := o.GetMemoryUsage(); usage.ActiveResources != 0 {
		t.Fatalf("usage=%+v, want empty", usage)
	}
}

func TestHandleFileUploadStart_RejectionResetsFamilyOnly(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		_ = opts.Registry.Register("client_tool", func(context.Context, map[string]any) (any, error) { return nil, nil })
		opts.UploadFile = func(context.Context, UploadFile) (string, error) {
			return "", errors.New("transport refused")
		}
	})
	o.HandleToolDetected("call_1", "client_tool")

	o.HandleFileUploadStart(context.Background(), UploadFile{Name: "a.txt", Size: 100})

	waitFor(t, time.Second, func() bool {
		return o.StateSnapshot().FileUpload == FileUploadIdle && o.GetMemoryUsage().ActiveResources == 0
	}, "rejection releases resource and idles the family")

	// The AI tool family is untouched by an upload rejection.
	if o.StateSnapshot().AITool != AIToolDetected || len(o.PendingToolCallIDs()) != 1 {
		t.Fatalf("upload rejection disturbed the tool family: %+v", o.StateSnapshot())
	}
}

func TestHandleFileUploadComplete_ErrorResetsEverything(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		_ = opts.Registry.Register("client_tool", func(context.Context, map[string]any) (any, error) { return nil, nil })
		opts.UploadFile = func(context.Context, UploadFile) (string, error) {
			<-release
			return "", nil
		}
	})
	defer close(release)

	o.HandleToolDetected("call_1", "client_tool")
	o.HandleFileUploadStart(context.Background(), UploadFile{Name: "a.txt", Size: 100})

	o.HandleFileUploadComplete("", errors.New("storage rejected the object"))

	s := o.StateSnapshot()
	if s.AITool != AIToolIdle || s.FileUpload != FileUploadIdle {
		t.Fatalf("completion error must reset everything: %+v", s)
	}
	if len(o.PendingToolCallIDs()) != 0 {
		t.Fatalf("pending set survived a full reset")
	}
	if usage := o.GetMemoryUsage(); usage.ActiveResources != 0 {
		t.Fatalf("resource leaked after error completion: %+v", usage)
	}
}

func TestCancelFileUpload_LateResolutionIsNoOp(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		opts.UploadFile = func(context.Context, UploadFile) (string, error) {
			<-release
			return "uploads/a.txt", nil
		}
	})

	o.HandleFileUploadStart(context.Background(), UploadFile{Name: "a.txt", Size: 100})
	o.CancelFileUpload()

	s := o.StateSnapshot()
	if s.FileUpload != FileUploadIdle || s.CurrentOperationDescription != "" {
		t.Fatalf("cancel must idle the family with no description: %+v", s)
	}
	if usage := o.GetMemoryUsage(); usage.ActiveResources != 0 {
		t.Fatalf("cancel leaked the resource: %+v", usage)
	}

	// The transport call resolves after cancellation; nothing may change.
	close(release)
	time.Sleep(50 * time.Millisecond)
	if got := o.StateSnapshot().FileUpload; got != FileUploadIdle {
		t.Fatalf("late resolution reapplied state: %q", got)
	}
}

func TestHandleFileUploadStart_SecondStartReleasesFirstResource(t *testing.T) {
	t.Parallel()

	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		opts.UploadFile = func(_ context.Context, f UploadFile) (string, error) {
			if f.Name == "a.txt" {
				<-releaseA
				return "uploads/a.txt", nil
			}
			<-releaseB
			return "uploads/b.txt", nil
		}
	})

	o.HandleFileUploadStart(context.Background(), UploadFile{Name: "a.txt", Size: 1000})
	o.HandleFileUploadStart(context.Background(), UploadFile{Name: "b.txt", Size: 500})

	// The superseded upload's resource is released immediately; only the
	// second upload's allocation remains tracked.
	usage := o.GetMemoryUsage()
	if usage.ActiveResources != 1 || usage.TotalAllocated != 500 {
		t.Fatalf("usage=%+v, want 1 active / 500 bytes", usage)
	}

	// The first upload's late resolution is a no-op, not a second release.
	close(releaseA)
	time.Sleep(50 * time.Millisecond)
	usage = o.GetMemoryUsage()
	if usage.ActiveResources != 1 || usage.TotalAllocated != 500 {
		t.Fatalf("late resolution changed usage: %+v", usage)
	}

	close(releaseB)
	waitFor(t, 2*time.Second, func() bool {
		return o.StateSnapshot().FileUpload == FileUploadIdle
	}, "second upload settles to idle")
	usage = o.GetMemoryUsage()
	if usage.ActiveResources != 0 || usage.TotalAllocated != 0 {
		t.Fatalf("usage=%+v, want empty after both uploads resolve", usage)
	}
}

func TestObserveMessages_DetectsOnlyWhenIdle(t *testing.T) {
	t.Parallel()

	o, feed, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		_ = opts.Registry.Register("client_tool", func(context.Context, map[string]any) (any, error) { return nil, nil })
	})

	feed.Append(Message{ID: "m1", Role: RoleAssistant, ToolInvocations: []ToolInvocation{
		{ToolCallID: "call_1", ToolName: "client_tool"},
	}})
	o.ObserveMessages()

	if got := o.PendingToolCallIDs(); len(got) != 1 || got[0] != "call_1" {
		t.Fatalf("pending=%v, want [call_1]", got)
	}

	// A second assistant message while the first cycle is in flight is not
	// scanned: the family is no longer idle.
	feed.Append(Message{ID: "m2", Role: RoleAssistant, ToolInvocations: []ToolInvocation{
		{ToolCallID: "call_2", ToolName: "client_tool"},
	}})
	o.ObserveMessages()

	if got := o.PendingToolCallIDs(); len(got) != 1 {
		t.Fatalf("detection fired while tool cycle in flight: pending=%v", got)
	}
}

func TestObserveMessages_ResultMonitoringSettlesToIdle(t *testing.T) {
	t.Parallel()

	o, feed, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		_ = opts.Registry.Register("client_tool", func(context.Context, map[string]any) (any, error) { return "done", nil })
	})

	feed.Append(Message{ID: "m1", Role: RoleAssistant, ToolInvocations: []ToolInvocation{
		{ToolCallID: "call_1", ToolName: "client_tool"},
	}})
	o.ObserveMessages()

	outcome := o.ExecuteToolByName(context.Background(), "client_tool", "call_1", map[string]any{})
	if !outcome.Success {
		t.Fatalf("execution failed: %+v", outcome)
	}
	if o.StateSnapshot().AITool != AIToolAwaitingResult {
		t.Fatalf("aiTool=%q, want awaiting_result", o.StateSnapshot().AITool)
	}

	feed.Append(Message{ID: "m2", Role: RoleTool, Content: []Part{{Type: partTypeToolResult, ToolCallID: "call_1"}}})
	o.ObserveMessages()

	if len(o.PendingToolCallIDs()) != 0 {
		t.Fatalf("pending not drained: %v", o.PendingToolCallIDs())
	}
	if got := o.ProcessedToolCallIDs(); len(got) != 1 || got[0] != "call_1" {
		t.Fatalf("processed=%v, want [call_1]", got)
	}

	waitFor(t, time.Second, func() bool {
		return o.StateSnapshot().AITool == AIToolIdle
	}, "aiTool settles to idle after processing_complete")
}

func TestHandleRecordingStop_FullFlow(t *testing.T) {
	t.Parallel()

	var composer atomic.Value
	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		opts.StartRecording = func(context.Context) error { return nil }
		opts.StopRecording = func(context.Context) ([]byte, error) { return []byte{1, 2, 3}, nil }
		opts.Transcribe = func(context.Context, []byte) (string, error) { return "insert a heading", nil }
		opts.SetInputValue = func(text string) { composer.Store(text) }
	})

	o.HandleRecordingStart(context.Background())
	if o.StateSnapshot().Audio != AudioRecording {
		t.Fatalf("audio=%q, want recording", o.StateSnapshot().Audio)
	}

	got := o.HandleRecordingStop(context.Background())
	if got != "insert a heading" {
		t.Fatalf("transcript=%q", got)
	}
	if stored, _ := composer.Load().(string); stored != "insert a heading" {
		t.Fatalf("composer=%q", stored)
	}

	waitFor(t, time.Second, func() bool {
		return o.StateSnapshot().Audio == AudioIdle
	}, "audio settles to idle")
}

func TestHandleRecordingStop_NullAudioResetsFamily(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		opts.StartRecording = func(context.Context) error { return nil }
		opts.StopRecording = func(context.Context) ([]byte, error) { return nil, nil }
		opts.Transcribe = func(context.Context, []byte) (string, error) { return "unused", nil }
	})

	o.HandleRecordingStart(context.Background())
	if got := o.HandleRecordingStop(context.Background()); got != "" {
		t.Fatalf("transcript=%q, want empty", got)
	}
	if o.StateSnapshot().Audio != AudioIdle {
		t.Fatalf("audio=%q, want idle", o.StateSnapshot().Audio)
	}
}

func TestHandleRecordingStop_EmptyTranscriptIsFailure(t *testing.T) {
	t.Parallel()

	inputCalled := false
	o, _, _ := newTestOrchestrator(t, func(opts *OrchestratorOptions) {
		opts.StopRecording = func(context.Context) ([]byte, error) { return []byte{1}, nil }
		opts.Transcribe = func(context.Context, []byte) (string, error) { return "   ", nil }
		opts.SetInputValue = func(string) { inputCalled = true }
	})

	if got := o.HandleRecordingStop(context.Background()); got != "" {
		t.Fatalf("transcript=%q, want empty", got)
	}
	if inputCalled {
		t.Fatalf("composer populated with an empty transcript")
	}
	if o.StateSnapshot().Audio != AudioIdle {
		t.Fatalf("audio=%q, want idle", o.StateSnapshot().Audio)
	}
}

func TestDeferSettle_StaleGenerationNeverFires(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, nil)

	var fired atomic.Bool
	o.deferSettle(20*time.Millisecond, func() { fired.Store(true) })
	o.ResetAllOperations()

	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("stale deferred step fired after reset")
	}
}

func TestDeferSettle_FiresOnLiveGeneration(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, nil)

	var fired atomic.Bool
	o.deferSettle(10*time.Millisecond, func() { fired.Store(true) })

	waitFor(t, time.Second, fired.Load, "deferred step on live generation")
}
