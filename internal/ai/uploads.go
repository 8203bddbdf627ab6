package ai

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultUploadMaxBytes = 10 << 20 // 10 MiB

type uploadMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	CreatedAt int64  `json:"created_at_unix_ms"`
}

func newUploadID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "upl_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// UploadStore is a local, disk-backed store for chat attachments. Its Save
// method is the upload collaborator handed to the orchestrator.
type UploadStore struct {
	dir      string
	maxBytes int64
}

func NewUploadStore(dir string, maxBytes int64) (*UploadStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("missing uploads dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = defaultUploadMaxBytes
	}
	return &UploadStore{dir: dir, maxBytes: maxBytes}, nil
}

// Save writes the file with a hard size cap and returns its storage path.
// Writes go through tmp files so a failed upload never leaves a partial blob.
func (s *UploadStore) Save(ctx context.Context, file UploadFile) (string, error) {
	if s == nil {
		return "", errors.New("nil upload store")
	}
	if file.Data == nil {
		return "", errors.New("missing file")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id, err := newUploadID()
	if err != nil {
		return "", err
	}

	name := strings.TrimSpace(file.Name)
	if name == "" {
		name = "upload"
	}

	dataPath := filepath.Join(s.dir, id+".data")
	metaPath := filepath.Join(s.dir, id+".json")

	f, err := os.OpenFile(dataPath+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	defer f.Close()

	limited := &io.LimitedReader{R: file.Data, N: s.maxBytes + 1}
	n, err := io.Copy(f, limited)
	if err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return "", err
	}
	if n > s.maxBytes {
		_ = os.Remove(dataPath + ".tmp")
		return "", fmt.Errorf("file too large (max %d bytes)", s.maxBytes)
	}

	mt := "application/octet-stream"
	if _, err := f.Seek(0, 0); err == nil {
		head := make([]byte, 512)
		hn, _ := f.Read(head)
		if hn > 0 {
			mt = http.DetectContentType(head[:hn])
		}
	}

	meta := uploadMeta{
		ID:        id,
		Name:      name,
		Size:      n,
		MimeType:  mt,
		CreatedAt: time.Now().UnixMilli(),
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return "", err
	}
	mb = append(mb, '\n')

	if err := os.WriteFile(metaPath+".tmp", mb, 0o600); err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return "", err
	}
	if err := os.Rename(dataPath+".tmp", dataPath); err != nil {
		_ = os.Remove(dataPath + ".tmp")
		_ = os.Remove(metaPath + ".tmp")
		return "", err
	}
	if err := os.Rename(metaPath+".tmp", metaPath); err != nil {
		_ = os.Remove(metaPath + ".tmp")
		return "", err
	}

	return dataPath, nil
}

// Open returns the metadata and data path for a stored upload.
func (s *UploadStore) Open(uploadID string) (*uploadMeta, string, error) {
	if s == nil {
		return nil, "", errors.New("nil upload store")
	}
	uploadID = strings.TrimSpace(uploadID)
	if uploadID == "" {
		return nil, "", errors.New("invalid request")
	}

	metaPath := filepath.Join(s.dir, uploadID+".json")
	dataPath := filepath.Join(s.dir, uploadID+".data")

	mb, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, "", errors.New("not found")
	}
	var meta uploadMeta
	if err := json.Unmarshal(bytes.TrimSpace(mb), &meta); err != nil {
		return nil, "", errors.New("corrupt upload metadata")
	}
	if _, err := os.Stat(dataPath); err != nil {
		return nil, "", errors.New("not found")
	}
	return &meta, dataPath, nil
}
