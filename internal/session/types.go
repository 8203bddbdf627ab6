// Package session carries the metadata for one chat editing session.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// Meta identifies one chat session and the document it edits.
type Meta struct {
	SessionID  string `json:"session_id"`
	ThreadID   string `json:"thread_id"`
	DocumentID string `json:"document_id,omitempty"`

	// ModelID is the model wire id (<provider_id>/<model_name>) picked for
	// this session.
	ModelID string `json:"model_id,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

func NewMeta(threadID string, documentID string, modelID string) (*Meta, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	return &Meta{
		SessionID:       id,
		ThreadID:        threadID,
		DocumentID:      strings.TrimSpace(documentID),
		ModelID:         strings.TrimSpace(modelID),
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}, nil
}

func (m *Meta) Validate() error {
	if m == nil {
		return errors.New("nil session meta")
	}
	if strings.TrimSpace(m.SessionID) == "" {
		return errors.New("missing session_id")
	}
	if strings.TrimSpace(m.ThreadID) == "" {
		return errors.New("missing thread_id")
	}
	return nil
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ses_" + base64.RawURLEncoding.EncodeToString(b), nil
}
