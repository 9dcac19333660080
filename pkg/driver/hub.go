package driver

import (
	"context"
	"sync"
)

// Hub fans events out to subscribers. Publish blocks until every live
// subscriber took the event, so no event is lost while a subscriber is
// still reading.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed chan struct{}
	once   sync.Once
}

type subscriber struct {
	ch   chan Event
	done <-chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), closed: make(chan struct{})}
}

// Subscribe registers a subscriber until ctx is done or the hub closes.
func (h *Hub) Subscribe(ctx context.Context, buffer int) <-chan Event {
	s := &subscriber{ch: make(chan Event, buffer), done: ctx.Done()}
	h.mu.Lock()
	select {
	case <-h.closed:
		h.mu.Unlock()
		close(s.ch)
		return s.ch
	default:
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-h.closed:
		}
		h.mu.Lock()
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.ch)
		}
		h.mu.Unlock()
	}()
	return s.ch
}

// Publish delivers e to every subscriber.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- e:
		case <-s.done:
		case <-h.closed:
		}
	}
}

// Close ends every subscription. Publishing after Close is a no-op.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.closed)
		h.mu.Lock()
		for s := range h.subs {
			delete(h.subs, s)
			close(s.ch)
		}
		h.mu.Unlock()
	})
}
