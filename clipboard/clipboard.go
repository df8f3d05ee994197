// Package clipboard defines the capability set the sync engine consumes
// from a platform-specific clipboard backend, and provides an in-memory
// adapter for tests and headless operation.
package clipboard

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postsync/post/errs"
)

// MIME is the advisory content type of a Payload. Receivers apply payload
// bytes as opaque regardless of MIME.
type MIME string

const (
	MIMEText MIME = "text"
	MIMEURL  MIME = "url"
	MIMEHTML MIME = "html"
)

// Payload is the canonical representation of a clipboard value, per
// spec §3.
type Payload struct {
	ID         uuid.UUID
	Content    []byte
	MIME       MIME
	OriginNode string
	CreatedAt  time.Time
}

// Adapter is the capability set a clipboard backend exposes. Subscribe is
// optional: an adapter with no native change notification returns
// (nil, false) and the sync engine falls back to polling Read.
type Adapter interface {
	Read() (Payload, bool, error)
	Write(Payload) error
	Subscribe() (<-chan Payload, bool)
}

// MemoryAdapter is an in-process Adapter backed by a single value slot. It
// is the reference implementation used by tests and by postd when no
// platform backend is wired in.
type MemoryAdapter struct {
	mu          sync.Mutex
	value       Payload
	hasValue    bool
	maxSize     int
	subscribers []chan Payload
}

// NewMemoryAdapter creates an adapter that rejects writes exceeding
// maxSizeBytes (spec §4.3's cap; 0 means "use the 1 MiB default").
func NewMemoryAdapter(maxSizeBytes int) *MemoryAdapter {
	if maxSizeBytes <= 0 {
		maxSizeBytes = 1 << 20
	}
	return &MemoryAdapter{maxSize: maxSizeBytes}
}

// Read returns the current value. ok is false if nothing has ever been set.
func (m *MemoryAdapter) Read() (Payload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasValue {
		return Payload{}, false, nil
	}
	return m.value, true, nil
}

// Write sets the current value, rejecting payloads over the configured
// size cap, and fans it out to subscribers.
func (m *MemoryAdapter) Write(p Payload) error {
	if len(p.Content) > m.maxSize {
		return errs.New(errs.Clipboard, "clipboard.Write", errs.ErrPayloadTooLarge)
	}

	m.mu.Lock()
	m.value = p
	m.hasValue = true
	subs := append([]chan Payload{}, m.subscribers...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that receives every future Write. Buffered
// with depth 1 so a slow reader loses only staleness, never blocks Write.
func (m *MemoryAdapter) Subscribe() (<-chan Payload, bool) {
	ch := make(chan Payload, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch, true
}

// Set is a test/CLI helper equivalent to Write but builds the Payload
// envelope (id, created_at) for the caller.
func (m *MemoryAdapter) Set(originNode string, content []byte, mime MIME) error {
	return m.Write(Payload{
		ID:         uuid.New(),
		Content:    content,
		MIME:       mime,
		OriginNode: originNode,
		CreatedAt:  time.Now(),
	})
}
