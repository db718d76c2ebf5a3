package storage

import (
	"container/list"
	"sync"

	"github.com/seznam/request-monitor/pkg/event"
)

// NewInMemoryEventWindow creates new in-memory event window with capacity limit.
func NewInMemoryEventWindow(capacity int) EventWindow {
	if capacity < 0 {
		capacity = 0
	}
	return &inMemoryEventWindow{
		list:     list.New(),
		capacity: capacity,
	}
}

type inMemoryEventWindow struct {
	list     *list.List
	capacity int
	lock     sync.RWMutex
}

// Len returns current size of the window.
func (h *inMemoryEventWindow) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.list.Len()
}

// Capacity returns maximum limit of the window.
func (h *inMemoryEventWindow) Capacity() int {
	return h.capacity
}

// Add puts new event to the front of the window.
func (h *inMemoryEventWindow) Add(record *event.Request) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.list.PushFront(record)

	// Drop the oldest items exceeding capacity limit.
	for h.list.Len() > h.capacity {
		h.list.Remove(h.list.Back())
	}
}

// Snapshot returns copy of the window content, newest first.
func (h *inMemoryEventWindow) Snapshot() []*event.Request {
	h.lock.RLock()
	defer h.lock.RUnlock()
	snapshot := make([]*event.Request, 0, h.list.Len())
	for e := h.list.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(*event.Request))
	}
	return snapshot
}
