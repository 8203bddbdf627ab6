package ai

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/inkfold/inkfold-agent/internal/ai/tools"
)

const (
	settleDelayTool   = 100 * time.Millisecond
	settleDelayUpload = 500 * time.Millisecond
)

// OrchestratorOptions carries the collaborators injected into an orchestrator.
// AddToolResult and Messages are required; the audio and upload collaborators
// are optional and their absence degrades the matching handlers to warnings.
type OrchestratorOptions struct {
	Log      *slog.Logger
	Registry *tools.Registry

	AddToolResult  ResultSink
	Messages       MessageFeed
	StartRecording RecordingStartFunc
	StopRecording  RecordingStopFunc
	Transcribe     TranscribeFunc
	UploadFile     UploadFunc
	SetInputValue  SetInputFunc
}

type uploadRecord struct {
	seq        uint64
	resourceID string
	name       string
	err        string
}

// Orchestrator coordinates the three operation families (AI tool execution,
// audio capture/transcription, file upload) for one chat session and derives
// the single busy signal the input surface shows.
//
// Notes:
// - One orchestrator per session; nothing else writes its state.
// - Handlers never panic and never propagate errors to the UI; failures log
//   and reset the owning family (critical failures reset everything).
type Orchestrator struct {
	log      *slog.Logger
	registry *tools.Registry

	sink           ResultSink
	feed           MessageFeed
	startRecording RecordingStartFunc
	stopRecording  RecordingStopFunc
	transcribe     TranscribeFunc
	uploadFile     UploadFunc
	setInput       SetInputFunc

	store     *OperationStateStore
	tracker   *ToolCallTracker
	resources *ResourceTracker
	auditor   *HistoryAuditor

	mu         sync.Mutex
	generation uint64
	closed     bool
	uploadSeq  uint64
	liveUpload *uploadRecord
	observed   int // high-water mark of messages already scanned for detection
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.AddToolResult == nil {
		return nil, errors.New("missing result sink")
	}
	if opts.Messages == nil {
		return nil, errors.New("missing message feed")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}

	o := &Orchestrator{
		log:            log,
		registry:       registry,
		sink:           opts.AddToolResult,
		feed:           opts.Messages,
		startRecording: opts.StartRecording,
		stopRecording:  opts.StopRecording,
		transcribe:     opts.Transcribe,
		uploadFile:     opts.UploadFile,
		setInput:       opts.SetInputValue,
		store:          NewOperationStateStore(),
		resources:      NewResourceTracker(),
	}
	o.tracker = NewToolCallTracker(log, o.store, registry, opts.AddToolResult, o.criticalReset)
	o.auditor = NewHistoryAuditor(log, opts.Messages, registry, o.tracker, opts.AddToolResult)
	return o, nil
}

func (o *Orchestrator) criticalReset(reason string) {
	if o == nil {
		return
	}
	o.log.Error("critical failure, resetting all operations", "reason", reason)
	o.ResetAllOperations()
}

// ResetAllOperations returns every family to idle, clears the tracker sets,
// releases all tracked resources, and invalidates any scheduled settle step.
func (o *Orchestrator) ResetAllOperations() {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.generation++
	o.liveUpload = nil
	o.uploadSeq++
	o.mu.Unlock()

	o.tracker.Reset()
	o.resources.Reset()
	o.store.Reset()
}

// Close tears the orchestrator down. Late timers and late upload resolutions
// after Close are no-ops.
func (o *Orchestrator) Close() {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.closed = true
	o.generation++
	o.liveUpload = nil
	o.mu.Unlock()
	o.resources.Reset()
}

// deferSettle schedules fn after d, keyed to the current generation. A reset
// or teardown bumps the generation so a late timer observes a stale value and
// does nothing.
func (o *Orchestrator) deferSettle(d time.Duration, fn func()) {
	o.mu.Lock()
	gen := o.generation
	o.mu.Unlock()

	time.AfterFunc(d, func() {
		o.mu.Lock()
		stale := o.closed || o.generation != gen
		o.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
}

// Derived read-only projections.

func (o *Orchestrator) StateSnapshot() OperationState {
	if o == nil {
		return newOperationState()
	}
	return o.store.Snapshot()
}

// IsChatInputBusy is the single coherent busy signal for the input surface.
func (o *Orchestrator) IsChatInputBusy() bool {
	if o == nil {
		return false
	}
	return IsAnyOperationInProgress(o.store.Snapshot())
}

// CurrentOperationStatusText is the priority-ordered status line, or "" when
// every family is resting.
func (o *Orchestrator) CurrentOperationStatusText() string {
	if o == nil {
		return ""
	}
	return OperationStatusText(o.store.Snapshot())
}

func (o *Orchestrator) PendingToolCallIDs() []string {
	if o == nil {
		return nil
	}
	return o.tracker.PendingIDs()
}

func (o *Orchestrator) ProcessedToolCallIDs() []string {
	if o == nil {
		return nil
	}
	return o.tracker.ProcessedIDs()
}

// SetEditorBlockStatus records the per-block editor status shown while a tool
// edits the document. An empty status clears the entry.
func (o *Orchestrator) SetEditorBlockStatus(blockID string, status string) {
	if o == nil {
		return
	}
	o.store.SetBlockStatus(blockID, status)
}

func (o *Orchestrator) GetMemoryUsage() MemoryUsage {
	if o == nil {
		return MemoryUsage{}
	}
	return o.resources.Usage()
}

// Tool lifecycle passthroughs.

func (o *Orchestrator) HandleToolDetected(toolCallID string, toolName string) {
	if o == nil {
		return
	}
	o.tracker.HandleToolDetected(toolCallID, toolName)
}

func (o *Orchestrator) HandleToolExecutionStart(toolCallID string, description string) {
	if o == nil {
		return
	}
	o.tracker.HandleToolExecutionStart(toolCallID, description)
}

func (o *Orchestrator) HandleToolExecutionComplete(toolCallID string, result any, execErr error) {
	if o == nil {
		return
	}
	o.tracker.HandleToolExecutionComplete(toolCallID, result, execErr)
}

func (o *Orchestrator) ExecuteToolByName(ctx context.Context, toolName string, toolCallID string, args map[string]any) ExecutionOutcome {
	if o == nil {
		return ExecutionOutcome{Success: false, Error: "nil orchestrator"}
	}
	return o.tracker.ExecuteToolByName(ctx, toolName, toolCallID, args)
}

func (o *Orchestrator) ProcessToolInvocations(msg *Message) error {
	if o == nil {
		return errors.New("nil orchestrator")
	}
	return o.tracker.ProcessToolInvocations(msg)
}

// History audit passthroughs.

func (o *Orchestrator) IsHistoryConsistentForAPICall() bool {
	if o == nil {
		return true
	}
	return o.auditor.IsHistoryConsistentForAPICall()
}

func (o *Orchestrator) GetHistoryInconsistencyDetails() InconsistencyDetails {
	if o == nil {
		return InconsistencyDetails{IsConsistent: true}
	}
	return o.auditor.InconsistencyDetails()
}

func (o *Orchestrator) AttemptToFixInconsistencies(ctx context.Context) bool {
	if o == nil {
		return false
	}
	return o.auditor.AttemptToFixInconsistencies(ctx)
}

// ObserveMessages runs the two feed reactions: result monitoring over the
// whole feed, and automatic detection over newly appended assistant messages.
// Detection only fires while the AI tool family is idle, so a second tool
// cycle cannot start while one is in flight. Individual tool call ids within
// one message are still tracked independently.
func (o *Orchestrator) ObserveMessages() {
	if o == nil || o.feed == nil {
		return
	}
	history := o.feed.Messages()

	// Result monitoring: move pending ids with a recorded result to processed.
	results := toolResultIDs(history)
	moved := false
	for id := range results {
		if o.tracker.MarkProcessed(id) {
			moved = true
		}
	}
	if moved && o.tracker.PendingCount() == 0 && o.store.Snapshot().AITool == AIToolAwaitingResult {
		o.store.SetAITool(AIToolProcessingComplete, "", "")
		o.deferSettle(settleDelayTool, func() {
			if o.store.Snapshot().AITool == AIToolProcessingComplete {
				o.store.SetAITool(AIToolIdle, "", "")
			}
		})
	}

	// Automatic detection over the newly appended suffix.
	o.mu.Lock()
	start := o.observed
	if start > len(history) {
		start = 0 // feed was replaced
	}
	o.observed = len(history)
	o.mu.Unlock()

	for i := start; i < len(history); i++ {
		msg := history[i]
		if !msg.isAssistant() {
			continue
		}
		if o.store.Snapshot().AITool != AIToolIdle {
			continue
		}
		if err := o.tracker.ProcessToolInvocations(&msg); err != nil {
			o.log.Error("tool invocation detection failed", "message_id", msg.ID, "error", err)
		}
	}
}

// Audio lifecycle.

// HandleRecordingStart starts audio capture. A missing collaborator or a start
// failure leaves the family idle.
func (o *Orchestrator) HandleRecordingStart(ctx context.Context) {
	if o == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if o.startRecording == nil {
		o.log.Warn("recording requested without a start collaborator")
		o.store.SetAudio(AudioIdle, "")
		return
	}
	if err := o.startRecording(ctx); err != nil {
		o.log.Error("recording start failed", "error", err)
		o.store.SetAudio(AudioIdle, "")
		return
	}
	o.store.SetAudio(AudioRecording, "")
}

// HandleRecordingStop stops capture, transcribes, and hands the transcript to
// the composer. Returns the transcript, or "" on any failure.
func (o *Orchestrator) HandleRecordingStop(ctx context.Context) string {
	if o == nil {
		return ""
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if o.stopRecording == nil {
		o.log.Warn("recording stop requested without a stop collaborator")
		o.store.SetAudio(AudioIdle, "")
		return ""
	}

	o.store.SetAudio(AudioTranscribing, "")

	audio, err := o.stopRecording(ctx)
	if err != nil {
		o.log.Error("recording stop failed", "error", err)
		o.store.SetAudio(AudioIdle, "")
		return ""
	}
	if len(audio) == 0 {
		o.log.Error("recording stop returned no audio")
		o.store.SetAudio(AudioIdle, "")
		return ""
	}

	if o.transcribe == nil {
		o.log.Warn("transcription requested without a transcriber collaborator")
		o.store.SetAudio(AudioIdle, "")
		return ""
	}
	text, err := o.transcribe(ctx, audio)
	if err != nil {
		o.log.Error("transcription failed", "error", err)
		o.store.SetAudio(AudioIdle, "")
		return ""
	}
	text = strings.TrimSpace(text)
	if text == "" {
		o.log.Error("transcription returned an empty transcript")
		o.store.SetAudio(AudioIdle, "")
		return ""
	}

	o.store.SetAudio(AudioTranscriptReady, "")
	if o.setInput != nil {
		o.setInput(text)
	}
	o.store.SetAudio(AudioProcessingComplete, "")
	o.deferSettle(settleDelayTool, func() {
		if o.store.Snapshot().Audio == AudioProcessingComplete {
			o.store.SetAudio(AudioIdle, "")
		}
	})
	return text
}

// File upload lifecycle.

// HandleFileUploadStart kicks off an upload and registers the tracked
// resource. Returns the resource id, or "" when no upload was started.
// The upload runs asynchronously; completion is routed through
// HandleFileUploadComplete with a sequence guard so a resolution arriving
// after cancellation is a no-op.
func (o *Orchestrator) HandleFileUploadStart(ctx context.Context, file UploadFile) string {
	if o == nil {
		return ""
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if o.uploadFile == nil {
		o.log.Warn("file upload requested without an upload collaborator", "file", file.Name)
		o.store.SetFileUpload(FileUploadIdle, "")
		return ""
	}

	o.store.SetFileUpload(FileUploadUploading, "Uploading "+file.Name)
	resourceID := o.resources.Track(ResourceKindFileUpload, file.Size)

	o.mu.Lock()
	prev := o.liveUpload
	o.uploadSeq++
	seq := o.uploadSeq
	o.liveUpload = &uploadRecord{seq: seq, resourceID: resourceID, name: file.Name}
	o.mu.Unlock()

	// A new start supersedes an in-flight upload: release its resource now.
	// The superseded transport call keeps running; its late resolution is
	// dropped by the sequence guard.
	if prev != nil {
		o.log.Warn("superseding in-flight upload", "file", prev.name)
		o.resources.Release(prev.resourceID)
	}

	go func() {
		path, err := o.uploadFile(ctx, file)
		o.resolveUpload(seq, path, err)
	}()
	return resourceID
}

// resolveUpload routes an upload resolution through the sequence guard.
func (o *Orchestrator) resolveUpload(seq uint64, path string, err error) {
	o.mu.Lock()
	rec := o.liveUpload
	if o.closed || rec == nil || rec.seq != seq {
		o.mu.Unlock()
		o.log.Debug("dropping late upload resolution", "seq", seq)
		return
	}
	if err != nil {
		rec.err = err.Error()
		o.liveUpload = nil
		resourceID := rec.resourceID
		o.mu.Unlock()

		o.log.Error("file upload failed", "file", rec.name, "error", err)
		o.resources.Release(resourceID)
		o.store.SetFileUpload(FileUploadIdle, "")
		return
	}
	o.mu.Unlock()
	o.HandleFileUploadComplete(path, nil)
}

// HandleFileUploadComplete finalizes the live upload. Success releases the
// resource and settles to idle after a short delay; an error is treated as a
// trust failure and resets every operation.
func (o *Orchestrator) HandleFileUploadComplete(path string, uploadErr error) {
	if o == nil {
		return
	}
	o.mu.Lock()
	rec := o.liveUpload
	o.liveUpload = nil
	o.mu.Unlock()

	var resourceID string
	if rec != nil {
		resourceID = rec.resourceID
	}

	if uploadErr != nil {
		o.log.Error("file upload completion reported an error", "path", path, "error", uploadErr)
		o.resources.Release(resourceID)
		o.ResetAllOperations()
		return
	}

	o.resources.Release(resourceID)
	o.store.SetFileUpload(FileUploadProcessingComplete, "")
	o.deferSettle(settleDelayUpload, func() {
		if o.store.Snapshot().FileUpload == FileUploadProcessingComplete {
			o.store.SetFileUpload(FileUploadIdle, "")
		}
	})
}

// CancelFileUpload detaches the bookkeeping for the in-flight upload. The
// transport call itself keeps running; its eventual resolution is dropped by
// the sequence guard.
func (o *Orchestrator) CancelFileUpload() {
	if o == nil {
		return
	}
	o.mu.Lock()
	rec := o.liveUpload
	o.liveUpload = nil
	o.uploadSeq++
	o.mu.Unlock()

	if rec != nil {
		o.resources.Release(rec.resourceID)
	}
	o.store.SetFileUpload(FileUploadIdle, "")
}
