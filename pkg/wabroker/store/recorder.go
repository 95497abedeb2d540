package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
	"github.com/jholhewres/wabroker/pkg/wabroker/events"
	"github.com/jholhewres/wabroker/pkg/wabroker/session"
)

// writeTimeout bounds each persisted write.
const writeTimeout = 5 * time.Second

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Recorder persists broker activity off the caller's path. It implements
// session.StatusSink and observes new_message and message_sent events.
// Writes that fail are logged and dropped; a full queue drops new writes.
type Recorder struct {
	st     Store
	logger *slog.Logger

	mu     sync.Mutex
	jobs   chan job
	closed bool

	sub *events.Subscription
	wg  sync.WaitGroup
}

var _ session.StatusSink = (*Recorder)(nil)

// NewRecorder starts a Recorder writing to st.
func NewRecorder(st Store, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		st:     st,
		logger: logger.With("component", "recorder"),
		jobs:   make(chan job, buffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for j := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := j.fn(ctx); err != nil {
			r.logger.Warn("recorder: write failed", "job", j.name, "error", err)
		}
		cancel()
	}
}

func (r *Recorder) enqueue(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.jobs <- job{name: name, fn: fn}:
	default:
		r.logger.Warn("recorder: queue full, write dropped", "job", name)
	}
}

// RecordStatus queues a status record write.
func (r *Recorder) RecordStatus(rec session.StatusRecord) {
	r.enqueue("status", func(ctx context.Context) error {
		return r.st.SaveStatus(ctx, rec)
	})
}

// Attach subscribes to b and logs message traffic until Close.
func (r *Recorder) Attach(b *events.Broadcaster) {
	sub := b.Subscribe()
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for evt := range sub.C() {
			if e, ok := logEntryFor(evt); ok {
				r.enqueue(string(evt.Type), func(ctx context.Context) error {
					return r.st.AppendMessage(ctx, e)
				})
			}
		}
	}()
}

// logEntryFor converts a push event into a log row.
func logEntryFor(evt events.Event) (LogEntry, bool) {
	switch evt.Type {
	case events.TypeNewMessage:
		m, ok := evt.Data.(adapter.Message)
		if !ok {
			return LogEntry{}, false
		}
		dir := DirectionIn
		if m.FromMe {
			dir = DirectionOut
		}
		return LogEntry{
			ChatID:    m.ChatID,
			MessageID: m.ID,
			Direction: dir,
			Sender:    m.From,
			Body:      m.Body,
			Type:      string(m.Type),
			Success:   true,
			CreatedAt: m.Timestamp,
		}, true

	case events.TypeMessageSent:
		s, ok := evt.Data.(session.MessageSent)
		if !ok {
			return LogEntry{}, false
		}
		return LogEntry{
			ChatID:    s.TargetID,
			MessageID: s.MessageID,
			RequestID: s.RequestID,
			Direction: DirectionOut,
			Body:      s.Body,
			Type:      s.Type,
			Success:   s.Success,
			Error:     s.Error,
			CreatedAt: s.Timestamp,
		}, true
	}
	return LogEntry{}, false
}

// Close stops observing events and waits for queued writes to finish.
func (r *Recorder) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	r.wg.Wait()
}
