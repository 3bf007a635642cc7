package controlroom

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/opsen/sequent/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.ControlRoomUpdate
	filter Filter
}

// MemoryHub is an in-memory Hub implementation using channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish sends an update to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the update is dropped.
func (h *MemoryHub) Publish(ctx context.Context, update schema.ControlRoomUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, update) {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			// backpressure: drop update for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.ControlRoomUpdate, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.ControlRoomUpdate, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

func matchFilter(f Filter, u schema.ControlRoomUpdate) bool {
	if f.WorkflowID != "" && f.WorkflowID != u.WorkflowID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == u.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
