// Package agent wires the configured backends into one running chat session:
// thread storage, the completion provider, audio transcription, the upload
// store, and the document the chat edits.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/inkfold/inkfold-agent/internal/ai"
	"github.com/inkfold/inkfold-agent/internal/ai/threadstore"
	"github.com/inkfold/inkfold-agent/internal/config"
	"github.com/inkfold/inkfold-agent/internal/monitor"
	"github.com/inkfold/inkfold-agent/internal/session"
)

const memoryReportInterval = 30 * time.Second

type Options struct {
	Config  *config.Config
	Secrets *config.Secrets

	ThreadID   string
	DocumentID string

	Version   string
	Commit    string
	BuildTime string
}

type Agent struct {
	log  *slog.Logger
	opts Options

	store   *threadstore.Store
	svc     *ai.Service
	meta    *session.Meta
	monitor *monitor.Service
}

func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if cfg.AI == nil {
		return nil, errors.New("missing ai config")
	}

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	secrets := opts.Secrets
	if secrets == nil {
		secrets = &config.Secrets{}
	}

	modelID, ok := cfg.AI.DefaultModelID()
	if !ok {
		return nil, errors.New("no default model configured")
	}
	provider, providerModel, ok := cfg.AI.ResolveModelID(modelID)
	if !ok {
		return nil, fmt.Errorf("default model %q not resolvable", modelID)
	}
	apiKey := secrets.KeyFor(provider.ID)
	if apiKey == "" {
		return nil, fmt.Errorf("missing api key for provider %q", provider.ID)
	}

	providerType := provider.Type
	if providerType == "openai_compatible" {
		providerType = "openai"
	}
	turnProvider, err := ai.NewTurnProvider(providerType, apiKey, provider.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("init provider %q: %w", provider.ID, err)
	}

	dataDir := cfg.EffectiveDataDir()
	store, err := threadstore.Open(filepath.Join(dataDir, "chat.db"))
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}

	uploads, err := ai.NewUploadStore(filepath.Join(dataDir, "uploads"), 0)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open upload store: %w", err)
	}

	// Transcription runs through OpenAI; without an openai key the audio
	// handlers degrade to warnings.
	var transcribe ai.TranscribeFunc
	if key := secrets.KeyFor("openai"); key != "" {
		tr, err := ai.NewTranscriber(key, "", cfg.AI.TranscriptionModel)
		if err == nil {
			transcribe = tr.Transcribe
		} else {
			log.Warn("transcriber unavailable", "error", err)
		}
	}

	threadID := strings.TrimSpace(opts.ThreadID)
	if threadID == "" {
		threadID = "default"
	}
	documentID := strings.TrimSpace(opts.DocumentID)
	if documentID == "" {
		documentID = "doc_" + threadID
	}
	meta, err := session.NewMeta(threadID, documentID, modelID)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc, err := ai.NewService(ai.ServiceOptions{
		Log:        log,
		Store:      store,
		Provider:   turnProvider,
		ThreadID:   threadID,
		Model:      providerModel,
		Transcribe: transcribe,
		UploadFile: uploads.Save,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	editor, err := newDocumentEditor(log, store, documentID, svc.Orchestrator().SetEditorBlockStatus)
	if err != nil {
		svc.Close()
		_ = store.Close()
		return nil, err
	}
	if err := registerDocumentTools(svc, editor); err != nil {
		svc.Close()
		_ = store.Close()
		return nil, fmt.Errorf("register document tools: %w", err)
	}

	a := &Agent{
		log:   log,
		opts:  opts,
		store: store,
		svc:   svc,
		meta:  meta,
	}
	a.monitor = monitor.NewService(log, func() monitor.ArenaUsage {
		u := svc.Orchestrator().GetMemoryUsage()
		return monitor.ArenaUsage{
			ActiveResources:  u.ActiveResources,
			TotalAllocated:   u.TotalAllocated,
			IsMemoryPressure: u.IsMemoryPressure,
		}
	})
	return a, nil
}

// Run reads user turns from stdin until EOF or cancellation.
func (a *Agent) Run(ctx context.Context) error {
	if a == nil {
		return errors.New("nil agent")
	}
	defer a.Close()

	a.log.Info("agent started",
		"version", a.opts.Version,
		"session_id", a.meta.SessionID,
		"thread_id", a.meta.ThreadID,
		"model_id", a.meta.ModelID,
	)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	memTicker := time.NewTicker(memoryReportInterval)
	defer memTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case <-memTicker.C:
			snap := a.MemorySnapshot(ctx)
			a.log.Debug("memory snapshot",
				"process_rss_bytes", snap.ProcessRSSBytes,
				"go_heap_bytes", snap.GoHeapBytes,
				"arena_active", snap.Arena.ActiveResources,
				"arena_allocated", snap.Arena.TotalAllocated,
				"memory_pressure", snap.Arena.IsMemoryPressure,
			)
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if status := a.svc.Orchestrator().CurrentOperationStatusText(); status != "" {
				fmt.Println(status)
				continue
			}
			reply, err := a.svc.SendUserTurn(ctx, line)
			if err != nil {
				a.log.Error("turn failed", "error", err)
				continue
			}
			if reply != "" {
				fmt.Println(reply)
			}
		}
	}
}

// MemorySnapshot reports the combined host and session memory picture.
func (a *Agent) MemorySnapshot(ctx context.Context) monitor.MemorySnapshot {
	if a == nil {
		return monitor.MemorySnapshot{}
	}
	return a.monitor.Snapshot(ctx)
}

func (a *Agent) Close() {
	if a == nil {
		return
	}
	a.svc.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("thread store close failed", "error", err)
	}
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
