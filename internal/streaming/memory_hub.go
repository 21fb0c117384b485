package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// defaultChannelBuffer is how many events a subscriber may fall behind
// before the hub drops events for it.
const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is the in-process EventHub. The store publishes each event once
// its transaction commits; SignalWorkflow, the MCP tools and the panel's SSE
// routes subscribe.
//
// Delivery never blocks the publisher. A subscriber whose buffer is full
// misses the event, which is counted in Dropped. Consumers that cannot miss
// an event re-read the store after waking.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Int64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish fans the event out to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The channel is closed when the
// returned cancel func is called or ctx is done, whichever comes first.
// cancel may be called more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	stop := context.AfterFunc(ctx, cancel)

	return ch, func() {
		stop()
		cancel()
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

// Matches reports whether the event passes the filter. Empty fields match
// everything.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.StepID != "" && f.StepID != e.StepID {
		return false
	}
	return matchAny(f.Categories, e.Category) && matchAny(f.Statuses, e.Status)
}

func matchAny(allowed []string, v string) bool {
	return len(allowed) == 0 || slices.Contains(allowed, v)
}

var _ EventHub = (*MemoryHub)(nil)
