package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/inkfold/inkfold-agent/internal/ai/threadstore"
	"github.com/inkfold/inkfold-agent/internal/ai/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func openTestStore(t *testing.T) *threadstore.Store {
	t.Helper()
	store, err := threadstore.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type statusRecorder struct {
	mu      sync.Mutex
	changes []string
}

func (r *statusRecorder) set(blockID string, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, blockID+"="+status)
}

func (r *statusRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes...)
}

func newTestEditor(t *testing.T, store *threadstore.Store, docID string) (*documentEditor, *statusRecorder) {
	t.Helper()
	rec := &statusRecorder{}
	e, err := newDocumentEditor(testLogger(), store, docID, rec.set)
	if err != nil {
		t.Fatalf("newDocumentEditor: %v", err)
	}
	return e, rec
}

func TestNewDocumentEditor_Validation(t *testing.T) {
	t.Parallel()

	if _, err := newDocumentEditor(testLogger(), nil, "doc_1", nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := newDocumentEditor(testLogger(), openTestStore(t), "  ", nil); err == nil {
		t.Fatalf("expected error for missing document id")
	}
}

func TestDocumentEditor_AppendAndReadRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	e, _ := newTestEditor(t, store, "doc_notes")
	ctx := context.Background()

	res, err := e.appendBlock(ctx, map[string]any{"text": "First paragraph."})
	if err != nil {
		t.Fatalf("appendBlock: %v", err)
	}
	m := res.(map[string]any)
	if m["block_id"] != "blk_1" {
		t.Fatalf("block_id=%v, want blk_1", m["block_id"])
	}

	read, err := e.readDocument(ctx, nil)
	if err != nil {
		t.Fatalf("readDocument: %v", err)
	}
	blocks := read.(map[string]any)["blocks"].([]map[string]any)
	if len(blocks) != 1 || blocks[0]["text"] != "First paragraph." {
		t.Fatalf("blocks=%v", blocks)
	}

	rec, err := store.GetDocument(ctx, "doc_notes")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if !strings.Contains(rec.Body, "First paragraph.") {
		t.Fatalf("persisted body=%q", rec.Body)
	}
	if !strings.Contains(rec.Body, "id: doc_notes") {
		t.Fatalf("persisted body missing frontmatter id: %q", rec.Body)
	}
}

func TestDocumentEditor_UpdateBlockPublishesStatus(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.SaveDocument(ctx, threadstore.Document{
		DocumentID: "doc_1",
		Body:       "one\n\ntwo\n",
	}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	e, rec := newTestEditor(t, store, "doc_1")

	res, err := e.updateBlock(ctx, map[string]any{"block_id": "blk_2", "text": "TWO"})
	if err != nil {
		t.Fatalf("updateBlock: %v", err)
	}
	if ok, _ := res.(map[string]any)["ok"].(bool); !ok {
		t.Fatalf("result=%v, want ok", res)
	}

	got := rec.all()
	want := []string{"blk_2=editing", "blk_2=edited"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("status changes=%v, want %v", got, want)
	}

	stored, err := store.GetDocument(ctx, "doc_1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if !strings.Contains(stored.Body, "TWO") || strings.Contains(stored.Body, "two") {
		t.Fatalf("persisted body=%q", stored.Body)
	}
}

func TestDocumentEditor_MissingBlockIsToolLevelFailure(t *testing.T) {
	t.Parallel()

	e, rec := newTestEditor(t, openTestStore(t), "doc_1")

	res, err := e.updateBlock(context.Background(), map[string]any{"block_id": "blk_9", "text": "x"})
	if err != nil {
		t.Fatalf("missing block must not be an infrastructure failure: %v", err)
	}
	msg, _ := res.(map[string]any)["error"].(string)
	if !strings.Contains(msg, "not found") {
		t.Fatalf("error=%q, want not found", msg)
	}
	if changes := rec.all(); len(changes) != 0 {
		t.Fatalf("rejected edit must not publish statuses: %v", changes)
	}
}

func TestDocumentEditor_DeleteBlockClearsStatus(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.SaveDocument(ctx, threadstore.Document{
		DocumentID: "doc_1",
		Body:       "one\n\ntwo\n",
	}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	e, rec := newTestEditor(t, store, "doc_1")

	if _, err := e.deleteBlock(ctx, map[string]any{"block_id": "blk_1"}); err != nil {
		t.Fatalf("deleteBlock: %v", err)
	}
	got := rec.all()
	if len(got) != 1 || got[0] != "blk_1=" {
		t.Fatalf("status changes=%v, want [blk_1=]", got)
	}

	stored, err := store.GetDocument(ctx, "doc_1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if strings.Contains(stored.Body, "one") || !strings.Contains(stored.Body, "two") {
		t.Fatalf("persisted body=%q", stored.Body)
	}
}

type registrarRecorder struct {
	names []string
}

func (r *registrarRecorder) RegisterTool(name string, _ string, _ json.RawMessage, exec tools.Executor) error {
	if exec == nil {
		panic("nil executor registered")
	}
	r.names = append(r.names, name)
	return nil
}

func TestRegisterDocumentTools_RegistersAll(t *testing.T) {
	t.Parallel()

	e, _ := newTestEditor(t, openTestStore(t), "doc_1")
	reg := &registrarRecorder{}
	if err := registerDocumentTools(reg, e); err != nil {
		t.Fatalf("registerDocumentTools: %v", err)
	}

	want := []string{"read_document", "update_document_block", "append_document_block", "delete_document_block"}
	if len(reg.names) != len(want) {
		t.Fatalf("registered=%v, want %v", reg.names, want)
	}
	for i := range want {
		if reg.names[i] != want[i] {
			t.Fatalf("registered=%v, want %v", reg.names, want)
		}
	}
}
