package store

import "sync"

// Handle wraps the active VectorStore so the backend can be swapped at
// runtime. Operations pin the store with Acquire for their duration;
// Swap waits until every pin on the previous backend is released, so an
// in-flight request never sees its backend closed underneath it.
type Handle struct {
	mu  sync.RWMutex
	cur *handleSlot
}

// handleSlot pairs a backend with the in-flight operations holding it.
type handleSlot struct {
	store    VectorStore
	inflight sync.WaitGroup
}

// NewHandle wraps an initial backend.
func NewHandle(store VectorStore) *Handle {
	return &Handle{cur: &handleSlot{store: store}}
}

// Get returns the currently active backend without pinning it. Use
// Acquire for operations that call into the store.
func (h *Handle) Get() VectorStore {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur.store
}

// Acquire pins the active backend for one operation. The release func
// must be called when the operation finishes; Swap and Close wait on it.
func (h *Handle) Acquire() (VectorStore, func()) {
	h.mu.RLock()
	slot := h.cur
	slot.inflight.Add(1)
	h.mu.RUnlock()
	return slot.store, func() { slot.inflight.Done() }
}

// Swap installs a new backend, waits for the previous backend's in-flight
// operations to drain, and returns it ready to close. New operations see
// the new backend as soon as it is installed.
func (h *Handle) Swap(store VectorStore) VectorStore {
	h.mu.Lock()
	prev := h.cur
	h.cur = &handleSlot{store: store}
	h.mu.Unlock()

	prev.inflight.Wait()
	return prev.store
}

// Close drains and closes the active backend.
func (h *Handle) Close() error {
	h.mu.RLock()
	slot := h.cur
	h.mu.RUnlock()

	slot.inflight.Wait()
	return slot.store.Close()
}
