package cast

import (
	"context"
	"sync"
)

// Queue is an in-memory play queue. It satisfies QueueProvider and is
// safe for concurrent use.
type Queue struct {
	mu    sync.RWMutex
	items []Item
	pos   int
}

// NewQueue creates an empty play queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Set replaces the queue contents and resets the position to the start.
func (q *Queue) Set(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]Item, len(items))
	copy(q.items, items)
	q.pos = 0
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.pos = 0
}

// Advance moves to the next item and reports whether one exists.
func (q *Queue) Advance() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pos+1 >= len(q.items) {
		return false
	}
	q.pos++
	return true
}

// Items returns a copy of the queue contents and the current position.
func (q *Queue) Items() ([]Item, int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	items := make([]Item, len(q.items))
	copy(items, q.items)
	return items, q.pos
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// CurrentItem returns the item at the current position, or nil when the
// queue is empty.
func (q *Queue) CurrentItem(_ context.Context) (*Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.pos >= len(q.items) {
		return nil, nil
	}
	item := q.items[q.pos]
	return &item, nil
}

// NextItem returns the item after the current position, or nil at the end
// of the queue.
func (q *Queue) NextItem(_ context.Context) (*Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.pos+1 >= len(q.items) {
		return nil, nil
	}
	item := q.items[q.pos+1]
	return &item, nil
}
