package llm

import (
	"context"
	"io"
	"sync"
)

// Registry tracks in-flight requests by id so they can be cancelled from
// another goroutine, such as a client "cancel" event.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Entry is a registered in-flight request.
type Entry struct {
	id     string
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	reader   io.Closer
	canceled bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a request. Ids must be unique among in-flight requests.
func (r *Registry) Register(id string, cancel context.CancelCauseFunc) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, ErrDuplicateRequest
	}
	e := &Entry{id: id, cancel: cancel}
	r.entries[id] = e
	return e, nil
}

// Cancel aborts the request with the given id. It returns false for ids
// that are unknown or already finished.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.abort()
	return true
}

// Remove drops the entry if it is still registered. Safe to call more than once.
func (r *Registry) Remove(e *Entry) {
	if e == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.entries[e.id]; ok && cur == e {
		delete(r.entries, e.id)
	}
	r.mu.Unlock()
}

// Len returns the number of in-flight requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ID returns the request id.
func (e *Entry) ID() string {
	return e.id
}

// AttachReader registers the response body so cancellation can unblock a
// pending read. A reader attached after cancellation is closed at once.
func (e *Entry) AttachReader(rc io.Closer) {
	e.mu.Lock()
	if e.canceled {
		e.mu.Unlock()
		_ = rc.Close()
		return
	}
	e.reader = rc
	e.mu.Unlock()
}

// Canceled reports whether the entry was cancelled.
func (e *Entry) Canceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}

func (e *Entry) abort() {
	e.mu.Lock()
	e.canceled = true
	reader := e.reader
	e.reader = nil
	e.mu.Unlock()

	e.cancel(ErrCanceled)
	if reader != nil {
		_ = reader.Close()
	}
}
