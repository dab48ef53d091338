// Package feed fans streaming state snapshots out to connected views.
package feed

import (
	"log/slog"
	"sync"

	"github.com/ashureev/threadsync/internal/domain"
)

const defaultQueueSize = 16

// Hub tracks one subscription per view id.
type Hub struct {
	mu        sync.RWMutex
	views     map[string]*Subscription
	queueSize int
	logger    *slog.Logger
}

// NewHub creates a hub whose subscriptions buffer queueSize snapshots.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		views:     make(map[string]*Subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscription receives snapshots for one view.
type Subscription struct {
	ViewID string

	mu      sync.Mutex
	queue   chan domain.StreamingState
	closed  bool
	dropped int
}

// C delivers snapshots. It is closed when the subscription ends or is
// replaced by a newer one for the same view.
func (s *Subscription) C() <-chan domain.StreamingState {
	return s.queue
}

// Dropped reports how many snapshots were discarded for this view.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer enqueues without blocking. A full queue discards its oldest
// snapshot so the newest state always gets through.
func (s *Subscription) offer(state domain.StreamingState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.queue <- state:
		return true
	default:
	}

	select {
	case <-s.queue:
		s.dropped++
	default:
	}
	select {
	case s.queue <- state:
	default:
		s.dropped++
	}
	return false
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// Subscribe registers a view, replacing any previous subscription with the
// same id.
func (h *Hub) Subscribe(viewID string) *Subscription {
	sub := &Subscription{ViewID: viewID, queue: make(chan domain.StreamingState, h.queueSize)}

	h.mu.Lock()
	existing, replaced := h.views[viewID]
	h.views[viewID] = sub
	n := len(h.views)
	h.mu.Unlock()

	if replaced {
		existing.close()
	}
	h.logger.Info("Stream view subscribed", "view_id", viewID, "replaced", replaced, "views", n)
	return sub
}

// Unsubscribe removes sub if it is still the view's current subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if current, ok := h.views[sub.ViewID]; ok && current == sub {
		delete(h.views, sub.ViewID)
	}
	h.mu.Unlock()

	sub.close()
	h.logger.Info("Stream view unsubscribed", "view_id", sub.ViewID, "dropped", sub.Dropped())
}

// Publish offers state to every view without blocking.
func (h *Hub) Publish(state domain.StreamingState) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.views {
		if !sub.offer(state.Clone()) {
			h.logger.Debug("Slow stream view, dropped oldest snapshot", "view_id", id)
		}
	}
}

// Len returns the number of subscribed views.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.views)
}

// CloseAll ends every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	views := h.views
	h.views = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range views {
		sub.close()
	}
}
