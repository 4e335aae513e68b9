package orchestrator

import (
	"context"
	"sync"

	"github.com/devghori1264/mcpanel/internal/models"
)

// Hub fans phase changes out to in-process subscribers. Slow subscribers
// miss events instead of stalling the workflow.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan models.LifecycleEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan models.LifecycleEvent)}
}

// Subscribe returns a channel of events and a function that ends the subscription.
func (h *Hub) Subscribe(buffer int) (<-chan models.LifecycleEvent, func()) {
	ch := make(chan models.LifecycleEvent, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Notify(_ context.Context, ev models.LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
