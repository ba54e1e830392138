package stream

import (
	"context"
	"sync"

	"docgate.org/internal/audit"
)

type subscriber struct {
	documentID string
	ch         chan audit.Entry
}

// Hub fans audit entries out to subscribers watching a document (SSE clients).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers interest in one document's entries. The channel is
// closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, documentID string) <-chan audit.Entry {
	ch := make(chan audit.Entry, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{documentID: documentID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers e to subscribers of its document. It never blocks.
func (h *Hub) Publish(e audit.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.documentID != e.DocumentID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
