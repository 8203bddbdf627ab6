package ai

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"time"
)

const memoryPressureThreshold = 200 * 1024 * 1024

// ResourceKindFileUpload is the only resource kind tracked today.
const ResourceKindFileUpload = "file-upload"

// TrackedResource is a bookkeeping entry for memory committed to an in-flight
// operation. Every entry created by an upload start is removed by exactly one
// terminal path: complete, cancel, error, or global reset.
type TrackedResource struct {
	ID        string
	Kind      string
	SizeBytes int64
	CreatedAt time.Time
}

// MemoryUsage is the accounting snapshot exposed to the UI.
type MemoryUsage struct {
	ActiveResources  int   `json:"active_resources"`
	TotalAllocated   int64 `json:"total_allocated"`
	IsMemoryPressure bool  `json:"is_memory_pressure"`
}

// ResourceTracker is the arena owning all tracked resources. Entries are
// inserted and removed only through its API; callers hold opaque ids.
type ResourceTracker struct {
	mu      sync.Mutex
	entries map[string]TrackedResource
}

func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{entries: make(map[string]TrackedResource)}
}

func newResourceID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "res_" + base64.RawURLEncoding.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return "res_" + base64.RawURLEncoding.EncodeToString(b)
}

// Track registers a new resource and returns its opaque id.
func (r *ResourceTracker) Track(kind string, sizeBytes int64) string {
	if r == nil {
		return ""
	}
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	id := newResourceID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = TrackedResource{
		ID:        id,
		Kind:      strings.TrimSpace(kind),
		SizeBytes: sizeBytes,
		CreatedAt: time.Now(),
	}
	return id
}

// Release removes a resource. Releasing an unknown or already released id is a
// no-op so every terminal path can release unconditionally.
func (r *ResourceTracker) Release(id string) {
	if r == nil {
		return
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *ResourceTracker) Usage() MemoryUsage {
	if r == nil {
		return MemoryUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, e := range r.entries {
		total += e.SizeBytes
	}
	return MemoryUsage{
		ActiveResources:  len(r.entries),
		TotalAllocated:   total,
		IsMemoryPressure: total > memoryPressureThreshold,
	}
}

// Reset drops every entry.
func (r *ResourceTracker) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]TrackedResource)
}
