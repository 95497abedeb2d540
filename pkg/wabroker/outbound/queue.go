// Package outbound serializes every outgoing message into a single paced
// stream. One worker owns the adapter's send path, so at most one send is
// in flight and callers observe dispatch in enqueue order.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
)

// Queue errors.
var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = fmt.Errorf("outbound queue full")

	// ErrClosed is returned once the queue has been stopped.
	ErrClosed = fmt.Errorf("outbound queue closed")
)

// Config controls capacity and pacing.
type Config struct {
	// Capacity is the maximum number of waiting requests. Default: 100
	Capacity int `yaml:"capacity"`

	// MinDelay and MaxDelay bound the random pause before each send.
	// Defaults: 1s and 3s
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`

	// PerMinute is a hard ceiling on sends per minute (0 = no ceiling).
	PerMinute int `yaml:"per_minute"`

	// SendTimeout bounds each adapter send. Default: 30s
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:    100,
		MinDelay:    time.Second,
		MaxDelay:    3 * time.Second,
		PerMinute:   20,
		SendTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.PerMinute < 0 {
		c.PerMinute = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Request is one outbound message owned by the queue until resolved.
type Request struct {
	ID         string          `json:"requestId"`
	Target     string          `json:"targetId"`
	Payload    adapter.Payload `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Result is the outcome of a request.
type Result struct {
	RequestID    string    `json:"requestId"`
	MessageID    string    `json:"messageId,omitempty"`
	Err          error     `json:"-"`
	DispatchedAt time.Time `json:"dispatchedAt,omitzero"`
}

// Future resolves exactly once with the request's Result.
type Future struct {
	req  Request
	once sync.Once
	done chan struct{}
	res  Result
}

func newFuture(req Request) *Future {
	return &Future{req: req, done: make(chan struct{})}
}

func (f *Future) resolve(res Result) bool {
	resolved := false
	f.once.Do(func() {
		res.RequestID = f.req.ID
		f.res = res
		close(f.done)
		resolved = true
	})
	return resolved
}

// Request returns the request this future tracks.
func (f *Future) Request() Request { return f.req }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (f *Future) Result() Result {
	<-f.done
	return f.res
}

// Wait blocks until the request resolves or ctx ends. Abandoning the wait
// does not withdraw the request.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.res.Err
	case <-ctx.Done():
		return Result{RequestID: f.req.ID}, ctx.Err()
	}
}

// DispatchFunc hands a request to the adapter and returns the message id.
type DispatchFunc func(ctx context.Context, req Request) (string, error)

// Queue is the FIFO send queue with a single worker.
type Queue struct {
	dispatch DispatchFunc
	logger   *slog.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	items   []*Future
	// drained is closed and replaced by Drain so the worker can abandon a
	// request it is pacing.
	drained     chan struct{}
	drainReason error
	inflight    int
	closed      bool
	onResult    func(Request, Result)

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	start  sync.Once
	stop   sync.Once

	dispatched atomic.Uint64
	failed     atomic.Uint64
}

// New creates a Queue. Start must be called before requests are served.
func New(cfg Config, dispatch DispatchFunc, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		dispatch: dispatch,
		logger:   logger.With("component", "outbound"),
		cfg:      cfg,
		limiter:  newLimiter(cfg.PerMinute),
		drained:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetConfig applies new capacity and pacing to subsequent requests.
func (q *Queue) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	defer q.mu.Unlock()
	if cfg.PerMinute != q.cfg.PerMinute {
		q.limiter = newLimiter(cfg.PerMinute)
	}
	q.cfg = cfg
}

// OnResult registers a hook run by the worker after every dispatch attempt.
func (q *Queue) OnResult(fn func(Request, Result)) {
	q.mu.Lock()
	q.onResult = fn
	q.mu.Unlock()
}

// Start launches the worker. Later calls are no-ops.
func (q *Queue) Start() {
	q.start.Do(func() {
		go q.worker()
	})
}

// Stop halts the worker and fails everything still queued with ErrClosed.
func (q *Queue) Stop() {
	q.stop.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.stopCh)
		q.start.Do(func() { close(q.doneCh) })
		<-q.doneCh
		q.Drain(ErrClosed)
	})
}

// Enqueue appends a request and returns its future. A full queue rejects
// the request with ErrQueueFull without touching existing items.
func (q *Queue) Enqueue(target string, p adapter.Payload) (*Future, error) {
	req := Request{
		ID:         uuid.NewString(),
		Target:     target,
		Payload:    p,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if len(q.items) >= q.cfg.Capacity {
		depth := len(q.items)
		q.mu.Unlock()
		q.logger.Warn("outbound: queue full, rejecting request",
			"target", target, "depth", depth)
		return nil, ErrQueueFull
	}
	f := newFuture(req)
	q.items = append(q.items, f)
	depth := len(q.items)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.Debug("outbound: request queued", "request_id", req.ID, "target", target, "depth", depth)
	return f, nil
}

// Drain fails every waiting request, and the one being paced, with reason.
// It returns the number of requests failed from the waiting list.
func (q *Queue) Drain(reason error) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.drainReason = reason
	close(q.drained)
	q.drained = make(chan struct{})
	q.mu.Unlock()

	for _, f := range items {
		f.resolve(Result{Err: reason})
		q.failed.Add(1)
	}
	if len(items) > 0 {
		q.logger.Info("outbound: queue drained", "failed", len(items), "reason", reason)
	}
	return len(items)
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the number of unresolved requests, including the one the
// worker is pacing or dispatching.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}

// Stats returns lifetime dispatch and failure counts.
func (q *Queue) Stats() (dispatched, failed uint64) {
	return q.dispatched.Load(), q.failed.Load()
}

func (q *Queue) worker() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		f, drained := q.pop()
		if f == nil {
			select {
			case <-q.stopCh:
				return
			case <-q.wake:
			}
			continue
		}
		q.process(f, drained)
		q.mu.Lock()
		q.inflight = 0
		q.mu.Unlock()
	}
}

func (q *Queue) pop() (*Future, chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.inflight = 1
	return f, q.drained
}

func (q *Queue) process(f *Future, drained chan struct{}) {
	q.mu.Lock()
	cfg := q.cfg
	lim := q.limiter
	hook := q.onResult
	q.mu.Unlock()

	// Jitter avoids a fixed send interval; the limiter is the hard ceiling.
	wait := jitter(cfg.MinDelay, cfg.MaxDelay)
	var reservation *rate.Reservation
	if lim != nil {
		reservation = lim.Reserve()
		wait = max(wait, reservation.Delay())
	}

	timer := time.NewTimer(wait)
	select {
	case <-timer.C:
	case <-drained:
		timer.Stop()
		if reservation != nil {
			reservation.Cancel()
		}
		q.mu.Lock()
		reason := q.drainReason
		q.mu.Unlock()
		if f.resolve(Result{Err: reason}) {
			q.failed.Add(1)
		}
		return
	case <-q.stopCh:
		timer.Stop()
		if reservation != nil {
			reservation.Cancel()
		}
		if f.resolve(Result{Err: ErrClosed}) {
			q.failed.Add(1)
		}
		return
	}

	req := f.Request()
	msgID, err := q.dispatchWithin(cfg.SendTimeout, req)

	res := Result{MessageID: msgID, DispatchedAt: time.Now()}
	if err != nil {
		res.Err = fmt.Errorf("dispatching %s: %w", req.ID, err)
		q.failed.Add(1)
		q.logger.Warn("outbound: send failed", "request_id", req.ID, "target", req.Target, "error", err)
	} else {
		q.dispatched.Add(1)
		q.logger.Info("outbound: message sent",
			"request_id", req.ID, "target", req.Target, "message_id", msgID,
			"queued_for", time.Since(req.EnqueuedAt))
	}
	f.resolve(res)

	if hook != nil {
		hook(req, f.Result())
	}
}

type dispatchResult struct {
	id  string
	err error
}

// dispatchWithin bounds a send on the worker's side. A dispatch that
// ignores its context is abandoned at the deadline so the next item runs.
func (q *Queue) dispatchWithin(timeout time.Duration, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan dispatchResult, 1)
	go func() {
		id, err := q.dispatch(ctx, req)
		done <- dispatchResult{id: id, err: err}
	}()
	select {
	case r := <-done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// jitter returns a uniformly random duration in [lo, hi].
func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
