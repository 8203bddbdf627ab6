package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/inkfold/inkfold-agent/internal/ai/threadstore"
	"github.com/inkfold/inkfold-agent/internal/ai/tools"
	"github.com/inkfold/inkfold-agent/internal/document"
)

// toolRegistrar is the slice of the chat service the document tools need.
type toolRegistrar interface {
	RegisterTool(name string, description string, inputSchema json.RawMessage, exec tools.Executor) error
}

// documentEditor backs the document tools: every executor loads the stored
// document, applies one edit, and writes it back. Edits are serialized under
// the mutex so a repair run cannot interleave with a live tool call.
type documentEditor struct {
	log   *slog.Logger
	store *threadstore.Store
	docID string

	// setBlockStatus publishes per-block edit progress; an empty status
	// clears the entry.
	setBlockStatus func(blockID string, status string)

	mu sync.Mutex
}

func newDocumentEditor(log *slog.Logger, store *threadstore.Store, docID string, setBlockStatus func(blockID string, status string)) (*documentEditor, error) {
	if store == nil {
		return nil, errors.New("nil thread store")
	}
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return nil, errors.New("missing document id")
	}
	if log == nil {
		log = slog.Default()
	}
	if setBlockStatus == nil {
		setBlockStatus = func(string, string) {}
	}
	return &documentEditor{log: log, store: store, docID: docID, setBlockStatus: setBlockStatus}, nil
}

func registerDocumentTools(reg toolRegistrar, e *documentEditor) error {
	if reg == nil || e == nil {
		return errors.New("nil registrar or editor")
	}
	defs := []struct {
		name        string
		description string
		schema      json.RawMessage
		exec        tools.Executor
	}{
		{
			name:        "read_document",
			description: "Read the current document: its title and every block with its block_id.",
			schema:      json.RawMessage(`{"type":"object","properties":{}}`),
			exec:        e.readDocument,
		},
		{
			name:        "update_document_block",
			description: "Replace the text of one document block, addressed by block_id.",
			schema:      json.RawMessage(`{"type":"object","properties":{"block_id":{"type":"string"},"text":{"type":"string"}},"required":["block_id","text"]}`),
			exec:        e.updateBlock,
		},
		{
			name:        "append_document_block",
			description: "Append a new block at the end of the document.",
			schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			exec:        e.appendBlock,
		},
		{
			name:        "delete_document_block",
			description: "Delete one document block, addressed by block_id.",
			schema:      json.RawMessage(`{"type":"object","properties":{"block_id":{"type":"string"}},"required":["block_id"]}`),
			exec:        e.deleteBlock,
		},
	}
	for _, def := range defs {
		if err := reg.RegisterTool(def.name, def.description, def.schema, def.exec); err != nil {
			return fmt.Errorf("register %s: %w", def.name, err)
		}
	}
	return nil
}

// load parses the stored document; an unknown id yields a fresh empty one.
func (e *documentEditor) load(ctx context.Context) (*document.Document, error) {
	rec, err := e.store.GetDocument(ctx, e.docID)
	if errors.Is(err, threadstore.ErrDocumentNotFound) {
		return &document.Document{Frontmatter: document.Frontmatter{ID: e.docID}}, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := document.Parse(rec.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document %s: %w", e.docID, err)
	}
	if doc.Frontmatter.ID == "" {
		doc.Frontmatter.ID = e.docID
	}
	if doc.Frontmatter.Title == "" {
		doc.Frontmatter.Title = strings.TrimSpace(rec.Title)
	}
	return doc, nil
}

func (e *documentEditor) save(ctx context.Context, doc *document.Document) error {
	body, err := doc.Render()
	if err != nil {
		return err
	}
	return e.store.SaveDocument(ctx, threadstore.Document{
		DocumentID: e.docID,
		Title:      doc.Frontmatter.Title,
		Body:       body,
	})
}

func (e *documentEditor) readDocument(ctx context.Context, _ map[string]any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	blocks := make([]map[string]any, 0, len(doc.Blocks))
	for _, blk := range doc.Blocks {
		blocks = append(blocks, map[string]any{"block_id": blk.ID, "text": blk.Text})
	}
	return map[string]any{
		"document_id": e.docID,
		"title":       doc.Frontmatter.Title,
		"blocks":      blocks,
	}, nil
}

func (e *documentEditor) updateBlock(ctx context.Context, args map[string]any) (any, error) {
	blockID := stringArg(args, "block_id")
	text := stringArg(args, "text")
	if blockID == "" {
		return map[string]any{"error": "missing block_id"}, nil
	}
	if text == "" {
		return map[string]any{"error": "missing text"}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := doc.ReplaceBlock(blockID, text); err != nil {
		return map[string]any{"error": err.Error()}, nil
	}

	e.setBlockStatus(blockID, "editing")
	if err := e.save(ctx, doc); err != nil {
		e.setBlockStatus(blockID, "")
		return nil, err
	}
	e.setBlockStatus(blockID, "edited")
	e.log.Info("document block updated", "document_id", e.docID, "block_id", blockID)
	return map[string]any{"ok": true, "block_id": blockID}, nil
}

func (e *documentEditor) appendBlock(ctx context.Context, args map[string]any) (any, error) {
	text := stringArg(args, "text")
	if text == "" {
		return map[string]any{"error": "missing text"}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	blockID, err := doc.AppendBlock(text)
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}

	e.setBlockStatus(blockID, "editing")
	if err := e.save(ctx, doc); err != nil {
		e.setBlockStatus(blockID, "")
		return nil, err
	}
	e.setBlockStatus(blockID, "edited")
	e.log.Info("document block appended", "document_id", e.docID, "block_id", blockID)
	return map[string]any{"ok": true, "block_id": blockID}, nil
}

func (e *documentEditor) deleteBlock(ctx context.Context, args map[string]any) (any, error) {
	blockID := stringArg(args, "block_id")
	if blockID == "" {
		return map[string]any{"error": "missing block_id"}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := doc.DeleteBlock(blockID); err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	if err := e.save(ctx, doc); err != nil {
		return nil, err
	}

	// A deleted block keeps no status entry.
	e.setBlockStatus(blockID, "")
	e.log.Info("document block deleted", "document_id", e.docID, "block_id", blockID)
	return map[string]any{"ok": true, "block_id": blockID}, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
