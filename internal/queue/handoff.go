// Package queue implements the single-producer/single-consumer hand-off
// between the connection manager and the aggregation reader.
package queue

import (
	"sync"

	"tradefeed/internal/model"
)

// Handoff is an unbounded FIFO of model.Trade with a sticky stopped flag.
// Push is non-blocking; Pop blocks until an item is available or the queue
// has been stopped and drained. Safe for one producer and one consumer.
type Handoff struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []model.Trade
	stopped bool
}

// New creates an empty, running Handoff queue.
func New() *Handoff {
	h := &Handoff{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Push enqueues trade and wakes one waiter. A no-op once Stop has been
// called.
func (h *Handoff) Push(trade model.Trade) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.items = append(h.items, trade)
	h.mu.Unlock()
	h.cond.Signal()
}

// Pop blocks until a trade is available or the queue is stopped and empty.
// ok is false only in the terminal drained state; once false it stays false.
func (h *Handoff) Pop() (trade model.Trade, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.items) == 0 && !h.stopped {
		h.cond.Wait()
	}
	if len(h.items) == 0 {
		return model.Trade{}, false
	}
	trade = h.items[0]
	h.items = h.items[1:]
	return trade, true
}

// Stop is idempotent. It marks the queue stopped and wakes every waiter.
// Items already enqueued remain drainable via Pop until empty.
func (h *Handoff) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cond.Broadcast()
}
