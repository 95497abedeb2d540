// Package events fans session state and domain events out to every live
// observer. Publication never blocks on a slow subscriber.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type names a push event.
type Type string

const (
	TypeStatus        Type = "status"
	TypeQR            Type = "qr"
	TypeAuthenticated Type = "authenticated"
	TypeReady         Type = "ready"
	TypeDisconnected  Type = "disconnected"
	TypeError         Type = "error"
	TypeNewMessage    Type = "new_message"
	TypeMessageSent   Type = "message_sent"
)

// Event is one push notification. Data must be JSON-serializable and carry
// everything an observer needs to update its view without another query.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"timestamp"`
	Data any       `json:"data"`
}

// SnapshotFunc returns the status event pushed to each new subscriber.
type SnapshotFunc func() Event

// Subscription is a registered observer.
type Subscription struct {
	id      string
	ch      chan Event
	dropped atomic.Uint64
	b       *Broadcaster
	once    sync.Once
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// C returns the delivery channel. It is closed on unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.b.Unsubscribe(s) }

// Broadcaster is the in-memory fan-out hub.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	closed   bool
	buffer   int
	snapshot SnapshotFunc
	logger   *slog.Logger

	published atomic.Uint64
}

// New creates a Broadcaster. buffer is the per-subscriber queue length.
func New(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "events"),
	}
}

// SetSnapshot installs the function producing late-joiner catch-up events.
func (b *Broadcaster) SetSnapshot(fn SnapshotFunc) {
	b.mu.Lock()
	b.snapshot = fn
	b.mu.Unlock()
}

// Subscribe registers an observer and immediately queues the current
// status snapshot on it, ahead of any later publication.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Event, b.buffer),
		b:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	if b.snapshot != nil {
		evt := b.snapshot()
		if evt.Time.IsZero() {
			evt.Time = time.Now()
		}
		s.ch <- evt
	}
	b.subs[s.id] = s
	b.logger.Debug("events: subscriber added", "id", s.id, "subscribers", len(b.subs))
	return s
}

// Unsubscribe removes a subscription and closes its channel. Idempotent.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s.id]; !ok {
			return
		}
		delete(b.subs, s.id)
		close(s.ch)
		b.logger.Debug("events: subscriber removed", "id", s.id, "subscribers", len(b.subs))
	})
}

// Publish delivers evt to every subscriber without blocking. A subscriber
// whose queue is full loses its oldest pending event so the newest one
// still gets through.
func (b *Broadcaster) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	// Sends happen under the read lock: Unsubscribe needs the write lock to
	// close a channel, so a send can never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		select {
		case s.ch <- evt:
			continue
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the number of events published so far.
func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}

// Close removes every subscriber. Later publications are ignored and later
// subscriptions receive an already closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
