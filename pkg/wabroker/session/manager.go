// Package session owns the single brokered messaging session. The Manager
// is the only component that mutates session state: commands from callers
// and events from the adapter are funnelled through one goroutine, which
// drives the adapter, the readiness prober and the reconnect policy, and
// publishes every transition to observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
	"github.com/jholhewres/wabroker/pkg/wabroker/chatcache"
	"github.com/jholhewres/wabroker/pkg/wabroker/events"
	"github.com/jholhewres/wabroker/pkg/wabroker/outbound"
	"github.com/jholhewres/wabroker/pkg/wabroker/probe"
	"github.com/jholhewres/wabroker/pkg/wabroker/reconnect"
)

// clientHandle is the published view of the live adapter.
type clientHandle struct {
	c      adapter.ClientAdapter
	gen    uint64
	serial bool
}

// Manager is the session state machine.
type Manager struct {
	factory adapter.Factory
	logger  *slog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	prober *probe.Prober
	policy *reconnect.Policy
	queue  *outbound.Queue
	bus    *events.Broadcaster
	cache  *chatcache.Cache
	sink   atomic.Pointer[sinkHolder]

	cmds    chan any
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool

	// slot holds a token while an adapter instance exists, from before the
	// factory runs until its Destroy returns.
	slot      chan struct{}
	releasing sync.WaitGroup

	snapshot atomic.Pointer[Status]
	current  atomic.Pointer[clientHandle]
	wantGen  atomic.Uint64
	readMu   sync.Mutex

	// Loop-owned state. Never touched outside run().
	state       State
	qr          *QRChallenge
	identity    *adapter.Identity
	attempts    int
	gen         uint64
	client      adapter.ClientAdapter
	probeCancel context.CancelFunc
	lastReason  string
}

type sinkHolder struct{ s StatusSink }

// New creates a Manager. Start must be called before use.
func New(cfg Config, factory adapter.Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		factory: factory,
		logger:  logger.With("component", "session"),
		cfg:     cfg,
		prober:  probe.New(cfg.Probe, logger),
		policy:  reconnect.New(cfg.Reconnect, logger),
		bus:     events.New(cfg.EventBuffer, logger),
		cache:   chatcache.New(cfg.Cache, logger),
		cmds:    make(chan any, 64),
		done:    make(chan struct{}),
		slot:    make(chan struct{}, 1),
		state:   StateIdle,
	}
	m.queue = outbound.New(cfg.Outbound, m.dispatch, logger)
	m.queue.OnResult(m.onSendResult)
	m.bus.SetSnapshot(func() events.Event {
		return events.Event{Type: events.TypeStatus, Data: m.CurrentStatus()}
	})
	m.storeSnapshot()
	return m
}

// Events returns the broadcaster observers subscribe to.
func (m *Manager) Events() *events.Broadcaster { return m.bus }

// Cache returns the chat snapshot cache.
func (m *Manager) Cache() *chatcache.Cache { return m.cache }

// SetStatusSink installs the persistence collaborator for status records.
func (m *Manager) SetStatusSink(s StatusSink) {
	if s == nil {
		m.sink.Store(nil)
		return
	}
	m.sink.Store(&sinkHolder{s: s})
}

// ApplyConfig updates the reloadable tunables.
func (m *Manager) ApplyConfig(cfg Config) {
	cfg = cfg.withDefaults()
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	m.prober.SetConfig(cfg.Probe)
	m.policy.SetConfig(cfg.Reconnect)
	m.queue.SetConfig(cfg.Outbound)
	m.cache.SetConfig(cfg.Cache)
	m.logger.Info("session: configuration applied")
}

func (m *Manager) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Start launches the state loop and the send worker.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.queue.Start()
	go m.run()
	m.logger.Info("session: manager started")
}

// Shutdown cancels timers, destroys the adapter, fails queued sends with
// ErrSessionEnding and returns the session to Idle. The manager cannot be
// restarted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if m.started.Load() {
		reply := make(chan error, 1)
		if m.post(shutdownCmd{reply: reply}) {
			select {
			case <-reply:
			case <-ctx.Done():
				return fmt.Errorf("shutting down session: %w", ctx.Err())
			}
		}
	}
	m.queue.Stop()
	m.logger.Info("session: manager stopped")
	return nil
}

// Connect starts a connection cycle from Idle or Disconnected.
func (m *Manager) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	return m.request(ctx, connectCmd{reply: reply}, reply)
}

// Disconnect destroys the adapter and leaves the session Disconnected with
// automatic reconnection disabled for this cycle. With logout the device is
// unlinked first. It is a no-op when nothing is connected.
func (m *Manager) Disconnect(ctx context.Context, logout bool) error {
	reply := make(chan error, 1)
	return m.request(ctx, disconnectCmd{logout: logout, reply: reply}, reply)
}

// Reprobe re-runs the readiness probe while Degraded. It returns once the
// probe has been started; the outcome is published as a status change.
func (m *Manager) Reprobe(ctx context.Context) error {
	reply := make(chan error, 1)
	return m.request(ctx, reprobeCmd{reply: reply}, reply)
}

func (m *Manager) request(ctx context.Context, cmd any, reply chan error) error {
	if !m.started.Load() || m.stopped.Load() {
		return ErrClosed
	}
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentStatus returns the latest snapshot. It never blocks and never
// touches the adapter.
func (m *Manager) CurrentStatus() Status {
	st := *m.snapshot.Load()
	st.QueueDepth = m.queue.Len()
	return st
}

// ---------- Operations ----------

func (m *Manager) operational() (*clientHandle, error) {
	st := m.snapshot.Load()
	if !st.State.Operational() {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionUnavailable, st.State)
	}
	h := m.current.Load()
	if h == nil {
		return nil, fmt.Errorf("%w: no client", ErrSessionUnavailable)
	}
	return h, nil
}

// withClient runs fn, serialized when the adapter cannot serve concurrent
// commands. fn is abandoned once ctx is done, so a call that ignores its
// context cannot hold the caller past its deadline.
func (m *Manager) withClient(ctx context.Context, h *clientHandle, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		if h.serial {
			m.readMu.Lock()
			defer m.readMu.Unlock()
		}
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListChats returns the most recent chats, enriched from the chat cache.
// Degraded sessions are queried anyway.
func (m *Manager) ListChats(ctx context.Context) (ChatList, error) {
	h, err := m.operational()
	if err != nil {
		return ChatList{}, err
	}
	cfg := m.config().Chats

	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	var chats []adapter.ChatSummary
	err = m.withClient(fctx, h, func() error {
		var ferr error
		chats, ferr = h.c.FetchChats(fctx)
		return ferr
	})
	if err != nil {
		return ChatList{}, fmt.Errorf("fetching chats: %w", err)
	}

	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastMessageTimestamp.After(chats[j].LastMessageTimestamp)
	})
	total := len(chats)
	if len(chats) > cfg.Limit {
		chats = chats[:cfg.Limit]
	}

	for i := range chats {
		chats[i].ProfilePictureURL = m.pictureFor(ctx, h, chats[i], cfg.LookupTimeout)
	}
	return ChatList{Chats: chats, Total: total}, nil
}

// pictureFor resolves a chat's picture through the cache. Lookup failures
// are cached as "no picture" for the TTL so one bad chat is not retried on
// every listing.
func (m *Manager) pictureFor(ctx context.Context, h *clientHandle, chat adapter.ChatSummary, timeout time.Duration) *string {
	fetcher, ok := h.c.(adapter.ProfilePictureFetcher)
	if !ok {
		return chat.ProfilePictureURL
	}
	summary, err := m.cache.GetOrLoad(ctx, chat.ChatID, func(ctx context.Context, chatID string) (adapter.ChatSummary, error) {
		lctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var url string
		lerr := m.withClient(lctx, h, func() error {
			var e error
			url, e = fetcher.ProfilePictureURL(lctx, chatID)
			return e
		})
		if lerr != nil {
			m.logger.Debug("session: profile picture lookup failed", "chat_id", chatID, "error", lerr)
		}
		chat.ProfilePictureURL = nil
		if lerr == nil && url != "" {
			chat.ProfilePictureURL = &url
		}
		return chat, nil
	})
	if err != nil {
		return chat.ProfilePictureURL
	}
	return summary.ProfilePictureURL
}

// ProfilePicture returns a chat's profile picture URL, or "" when it has none.
func (m *Manager) ProfilePicture(ctx context.Context, chatID string) (string, error) {
	if strings.TrimSpace(chatID) == "" {
		return "", fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	}
	h, err := m.operational()
	if err != nil {
		return "", err
	}
	if _, ok := h.c.(adapter.ProfilePictureFetcher); !ok {
		return "", adapter.ErrUnsupported
	}
	url := m.pictureFor(ctx, h, adapter.ChatSummary{ChatID: chatID}, m.config().Chats.LookupTimeout)
	if url == nil {
		return "", nil
	}
	return *url, nil
}

// FetchMessages returns recent messages of a chat.
func (m *Manager) FetchMessages(ctx context.Context, chatID string, limit int) ([]adapter.Message, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	}
	h, err := m.operational()
	if err != nil {
		return nil, err
	}
	cfg := m.config().Messages
	limit = cfg.clampLimit(limit)

	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	var msgs []adapter.Message
	err = m.withClient(fctx, h, func() error {
		var ferr error
		msgs, ferr = h.c.FetchMessages(fctx, chatID, limit)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	if msgs == nil {
		msgs = []adapter.Message{}
	}
	return msgs, nil
}

// DownloadMedia returns the media attached to a received message.
func (m *Manager) DownloadMedia(ctx context.Context, messageID string) ([]byte, string, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, "", fmt.Errorf("%w: message id is required", ErrInvalidRequest)
	}
	h, err := m.operational()
	if err != nil {
		return nil, "", err
	}
	dl, ok := h.c.(adapter.MediaDownloader)
	if !ok {
		return nil, "", adapter.ErrUnsupported
	}
	dctx, cancel := context.WithTimeout(ctx, m.config().Messages.FetchTimeout)
	defer cancel()

	var (
		data []byte
		mime string
	)
	err = m.withClient(dctx, h, func() error {
		var derr error
		data, mime, derr = dl.DownloadMedia(dctx, messageID)
		return derr
	})
	if err != nil {
		return nil, "", fmt.Errorf("downloading media: %w", err)
	}
	return data, mime, nil
}

// Send queues a payload for target and waits for its dispatch. Queue
// backpressure is reported as outbound.ErrQueueFull.
func (m *Manager) Send(ctx context.Context, target string, p adapter.Payload) (SendResult, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return SendResult{}, fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	if err := p.Validate(); err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := m.operational(); err != nil {
		return SendResult{}, err
	}

	f, err := m.queue.Enqueue(target, p)
	if err != nil {
		return SendResult{}, err
	}
	res, err := f.Wait(ctx)
	out := SendResult{RequestID: res.RequestID, MessageID: res.MessageID}
	if err != nil {
		return out, err
	}
	return out, nil
}

// dispatch is the queue worker's only path to the adapter.
func (m *Manager) dispatch(ctx context.Context, req outbound.Request) (string, error) {
	h, err := m.operational()
	if err != nil {
		return "", err
	}
	var id string
	err = m.withClient(ctx, h, func() error {
		var serr error
		id, serr = h.c.Send(ctx, req.Target, req.Payload)
		return serr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// MessageSent is the payload of message_sent events.
type MessageSent struct {
	RequestID string    `json:"requestId"`
	TargetID  string    `json:"targetId"`
	MessageID string    `json:"messageId,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *Manager) onSendResult(req outbound.Request, res outbound.Result) {
	evt := MessageSent{
		RequestID: req.ID,
		TargetID:  req.Target,
		MessageID: res.MessageID,
		Success:   res.Err == nil,
		Body:      req.Payload.Preview(),
		Type:      string(adapter.MessageText),
		Timestamp: res.DispatchedAt,
	}
	if req.Payload.Media != nil {
		evt.Type = string(adapter.MediaKind(req.Payload.Media.MimeType))
	}
	if res.Err != nil {
		evt.Error = res.Err.Error()
	}
	m.bus.Publish(events.Event{Type: events.TypeMessageSent, Data: evt})
}

// IsUnavailable reports whether err means the session cannot serve the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrSessionUnavailable) || errors.Is(err, ErrSessionEnding) || errors.Is(err, ErrClosed)
}
