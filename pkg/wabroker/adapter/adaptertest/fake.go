// Package adaptertest provides a scriptable in-memory ClientAdapter for
// exercising the session core without a real messaging client.
package adaptertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
)

// SentMessage records one Send call.
type SentMessage struct {
	Target  string
	Payload adapter.Payload
	At      time.Time
}

// Fake is a ClientAdapter whose behaviour is driven by the test.
type Fake struct {
	mu sync.Mutex

	// Scripted behaviour. Set before the adapter is handed to the core,
	// or through the Farm's Configure hook.
	InitErr      error
	SendErr      error
	SendDelay    time.Duration
	FetchErr     error
	ProbeResults []error
	ProbeDefault error
	Chats        []adapter.ChatSummary
	Messages     map[string][]adapter.Message
	Pictures     map[string]string
	Media        map[string][]byte
	Serial       bool
	DestroyDelay time.Duration

	// Gates make a call hang until the channel is closed, ignoring its
	// context, like a client stuck on a dead socket.
	SendGate    chan struct{}
	ProbeGate   chan struct{}
	FetchGate   chan struct{}
	DestroyGate chan struct{}

	events      chan adapter.Event
	closed      bool
	initialized bool
	destroyed   bool
	loggedOut   bool
	probeCalls  int
	fetchCalls  int
	pictureHits int
	sent        []SentMessage
	onDestroy   func()
}

// New returns a Fake with an event buffer large enough for any test script.
func New() *Fake {
	return &Fake{
		events:   make(chan adapter.Event, 64),
		Messages: make(map[string][]adapter.Message),
		Pictures: make(map[string]string),
		Media:    make(map[string][]byte),
	}
}

// Update changes scripted behaviour while the fake is in use. fn runs with
// the fake locked and must only assign fields.
func (f *Fake) Update(fn func(f *Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Emit pushes an adapter event. Events emitted after Destroy are discarded.
func (f *Fake) Emit(evt adapter.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	f.events <- evt
}

func (f *Fake) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return fmt.Errorf("initialize after destroy")
	}
	f.initialized = true
	return f.InitErr
}

func (f *Fake) Events() <-chan adapter.Event { return f.events }

func (f *Fake) Send(ctx context.Context, target string, p adapter.Payload) (string, error) {
	f.mu.Lock()
	delay, gate := f.SendDelay, f.SendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return "", adapter.ErrNotConnected
	}
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.sent = append(f.sent, SentMessage{Target: target, Payload: p, At: time.Now()})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *Fake) FetchChats(ctx context.Context) ([]adapter.ChatSummary, error) {
	f.mu.Lock()
	gate := f.FetchGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	out := make([]adapter.ChatSummary, len(f.Chats))
	copy(out, f.Chats)
	return out, nil
}

func (f *Fake) FetchMessages(ctx context.Context, chatID string, limit int) ([]adapter.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	msgs := f.Messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]adapter.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Probe consumes the next scripted result, then falls back to ProbeDefault.
func (f *Fake) Probe(ctx context.Context) error {
	f.mu.Lock()
	f.probeCalls++
	gate := f.ProbeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ProbeResults) > 0 {
		err := f.ProbeResults[0]
		f.ProbeResults = f.ProbeResults[1:]
		return err
	}
	return f.ProbeDefault
}

func (f *Fake) ProfilePictureURL(ctx context.Context, chatID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pictureHits++
	return f.Pictures[chatID], nil
}

func (f *Fake) DownloadMedia(ctx context.Context, messageID string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Media[messageID]
	if !ok {
		return nil, "", fmt.Errorf("message %s has no media", messageID)
	}
	return data, "application/octet-stream", nil
}

func (f *Fake) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *Fake) SerialReads() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Serial
}

func (f *Fake) Destroy(ctx context.Context) error {
	f.mu.Lock()
	delay, gate := f.DestroyDelay, f.DestroyGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil
	}
	f.destroyed = true
	f.closed = true
	close(f.events)
	hook := f.onDestroy
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Sent returns a copy of every successful Send in dispatch order.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// ProbeCalls returns how many times Probe ran.
func (f *Fake) ProbeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls
}

// FetchCalls returns how many times FetchChats ran.
func (f *Fake) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// PictureLookups returns how many profile picture lookups reached the fake.
func (f *Fake) PictureLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pictureHits
}

// Destroyed reports whether Destroy completed.
func (f *Fake) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Initialized reports whether Initialize ran.
func (f *Fake) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// LoggedOut reports whether Logout ran.
func (f *Fake) LoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

// Farm hands out Fakes through an adapter.Factory and tracks how many are
// alive at once.
type Farm struct {
	// Configure, when set, runs on every new Fake before it is returned.
	Configure func(*Fake)
	// FactoryErr makes the factory fail.
	FactoryErr error

	mu       sync.Mutex
	created  []*Fake
	alive    int
	maxAlive int
	notify   chan *Fake
}

// NewFarm returns an empty Farm.
func NewFarm() *Farm {
	return &Farm{notify: make(chan *Fake, 64)}
}

// Factory returns an adapter.Factory backed by the farm.
func (r *Farm) Factory() adapter.Factory {
	return func() (adapter.ClientAdapter, error) {
		r.mu.Lock()
		if r.FactoryErr != nil {
			err := r.FactoryErr
			r.mu.Unlock()
			return nil, err
		}
		f := New()
		if r.Configure != nil {
			r.Configure(f)
		}
		f.onDestroy = func() {
			r.mu.Lock()
			r.alive--
			r.mu.Unlock()
		}
		r.created = append(r.created, f)
		r.alive++
		if r.alive > r.maxAlive {
			r.maxAlive = r.alive
		}
		r.mu.Unlock()

		select {
		case r.notify <- f:
		default:
		}
		return f, nil
	}
}

// Next waits for the next Fake created by the factory.
func (r *Farm) Next(timeout time.Duration) (*Fake, error) {
	select {
	case f := <-r.notify:
		return f, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no adapter created within %s", timeout)
	}
}

// Created returns how many adapters the factory built.
func (r *Farm) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

// Alive returns how many adapters are built and not yet destroyed.
func (r *Farm) Alive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// MaxAlive returns the highest number of adapters alive at the same time.
func (r *Farm) MaxAlive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAlive
}
