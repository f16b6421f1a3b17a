package bookings

import (
	"context"
	"sync"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// hub fans committed booking versions out to in-process subscribers.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(*dispatch.Booking)
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]func(*dispatch.Booking))}
}

func (h *hub) subscribe(id string, fn func(*dispatch.Booking)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	key := h.next
	if h.subs[id] == nil {
		h.subs[id] = make(map[int]func(*dispatch.Booking))
	}
	h.subs[id][key] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[id], key)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
		})
	}
}

// subscribeContext also drops the subscription once ctx ends.
func (h *hub) subscribeContext(ctx context.Context, id string, fn func(*dispatch.Booking)) func() {
	cancel := h.subscribe(id, fn)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop
}

// publish calls subscribers outside the hub lock with their own copy.
func (h *hub) publish(b *dispatch.Booking) {
	h.mu.Lock()
	fns := make([]func(*dispatch.Booking), 0, len(h.subs[b.ID]))
	for _, fn := range h.subs[b.ID] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(b.Clone())
	}
}

func (h *hub) size(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}
