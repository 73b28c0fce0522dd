// Package realtime bridges store mutations to live subscribers. Each
// subscription filters the event stream, drops re-delivered ids and the
// subscriber's own echoes, and coalesces bursts into one batch so a
// consumer refreshes once instead of per event.
package realtime

import (
	"sync"
	"time"

	"supportchat/pkg/logger"
	"supportchat/pkg/models"
	"supportchat/pkg/telemetry"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventDelete EventType = "delete"
)

// Event is one change on the messages table.
type Event struct {
	Type EventType      `json:"type"`
	Msg  models.Message `json:"message"`
}

// Filter scopes a subscription. Zero value matches everything.
type Filter struct {
	// UserID restricts to one conversation when non-empty.
	UserID string
	// CustomerOnly restricts to customer-authored events (the
	// admin-global view).
	CustomerOnly bool
}

func (f Filter) matches(e Event) bool {
	if f.UserID != "" && e.Msg.UserID != f.UserID {
		return false
	}
	if f.CustomerOnly && e.Msg.IsAdmin {
		return false
	}
	return true
}

const (
	// DefaultDebounce is the coalescing window for event bursts.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultBuffer is the per-subscription inbound queue depth.
	DefaultBuffer = 256
)

// Hub fans change events out to subscriptions.
type Hub struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	debounce time.Duration
	buffer   int
	closed   bool
	dropped  uint64
}

// NewHub creates a hub. Non-positive arguments fall back to defaults.
func NewHub(debounce time.Duration, buffer int) *Hub {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:     make(map[*Subscription]struct{}),
		debounce: debounce,
		buffer:   buffer,
	}
}

// Subscription receives batched events on C. actor identifies the
// locally-acting user/admin whose own events are skipped (already shown
// via the optimistic path).
type Subscription struct {
	C chan []Event

	hub    *Hub
	filter Filter
	actor  string

	in   chan Event
	done chan struct{}

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
}

// Subscribe registers a new subscription with its own seen-id set and
// delivery goroutine.
func (h *Hub) Subscribe(f Filter, actor string) *Subscription {
	s := &Subscription{
		C:      make(chan []Event, 8),
		hub:    h,
		filter: f,
		actor:  actor,
		in:     make(chan Event, h.buffer),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.C)
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go s.run(h.debounce)
	logger.Debug("realtime_subscribed", "conv", f.UserID, "actor", actor)
	return s
}

// Publish hands an event to every subscription. Delivery is
// non-blocking; a subscription that cannot keep up loses the event and
// the drop is counted.
func (h *Hub) Publish(e Event) {
	telemetry.EventsPublished.Inc()
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.in <- e:
		default:
			h.dropped++
			logger.Warn("realtime_subscriber_lagging", "conv", e.Msg.UserID, "dropped", h.dropped)
		}
	}
}

// Close tears down every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Dropped returns how many events were lost to lagging subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close releases the subscription and clears its seen-id set. After
// Close returns no further batch is delivered on C.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.seen = nil
	s.mu.Unlock()

	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	logger.Debug("realtime_unsubscribed", "conv", s.filter.UserID, "actor", s.actor)
}

// accept applies the filter, seen-id and self-author checks. Duplicate
// and self-authored events are dropped silently; they must never
// surface as errors.
func (s *Subscription) accept(e Event) bool {
	if !s.filter.matches(e) {
		return false
	}
	if s.actor != "" && e.Msg.Author() == s.actor {
		telemetry.EventsSelfSkipped.Inc()
		return false
	}
	key := string(e.Type) + ":" + e.Msg.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, dup := s.seen[key]; dup {
		telemetry.EventsDuplicate.Inc()
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// run drains the inbound queue, batching events that arrive within the
// debounce window into one delivery.
func (s *Subscription) run(debounce time.Duration) {
	defer close(s.C)
	var batch []Event
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		select {
		case s.C <- batch:
		case <-s.done:
		}
		batch = nil
		fire = nil
	}

	for {
		select {
		case e := <-s.in:
			if !s.accept(e) {
				continue
			}
			batch = append(batch, e)
			if fire == nil {
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			}
		case <-fire:
			flush()
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
