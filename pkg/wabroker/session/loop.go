package session

import (
	"context"
	"errors"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
	"github.com/jholhewres/wabroker/pkg/wabroker/events"
	"github.com/jholhewres/wabroker/pkg/wabroker/probe"
	"github.com/jholhewres/wabroker/pkg/wabroker/qr"
)

// Commands and internal notifications handled by run.
type (
	connectCmd struct{ reply chan error }

	disconnectCmd struct {
		logout bool
		reply  chan error
	}

	reprobeCmd  struct{ reply chan error }
	shutdownCmd struct{ reply chan error }

	clientCreated struct {
		gen uint64
		c   adapter.ClientAdapter
	}

	initFailed struct {
		gen uint64
		err error
	}

	adapterEvent struct {
		gen uint64
		evt adapter.Event
	}

	probeDone struct {
		gen uint64
		res probe.Result
	}

	reconnectFire struct{ token uint64 }
)

// post hands a message to the loop. It reports false once the loop exited.
func (m *Manager) post(msg any) bool {
	select {
	case m.cmds <- msg:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for msg := range m.cmds {
		switch c := msg.(type) {
		case connectCmd:
			c.reply <- m.handleConnect()
		case disconnectCmd:
			m.handleManualDisconnect(c.logout)
			c.reply <- nil
		case reprobeCmd:
			m.handleReprobe()
			c.reply <- nil
		case shutdownCmd:
			m.handleShutdown()
			c.reply <- nil
			m.discardPending()
			return
		case clientCreated:
			m.handleClientCreated(c.gen, c.c)
		case initFailed:
			m.handleInitFailed(c.gen, c.err)
		case adapterEvent:
			m.handleAdapterEvent(c.gen, c.evt)
		case probeDone:
			m.handleProbeDone(c.gen, c.res)
		case reconnectFire:
			m.handleReconnectFire(c.token)
		}
	}
}

// discardPending releases adapters built while the loop was shutting down.
func (m *Manager) discardPending() {
	for {
		select {
		case msg := <-m.cmds:
			if c, ok := msg.(clientCreated); ok {
				go m.destroy(c.c, false)
			}
		default:
			return
		}
	}
}

// ---------- Transitions ----------

func (m *Manager) transition(to State) {
	from := m.state
	m.state = to
	if to != StateAwaitingScan {
		m.qr = nil
	}
	if from != to {
		m.logger.Info("session: state changed", "from", from, "to", to, "reconnect_attempts", m.attempts)
	}
	m.publishStatus()
}

func (m *Manager) storeSnapshot() Status {
	st := Status{
		State:                m.state,
		Connected:            m.state.Operational(),
		ReconnectAttempts:    m.attempts,
		MaxReconnectAttempts: m.policy.MaxAttempts(),
		ReconnectPending:     m.policy.Pending(),
		LastDisconnect:       m.lastReason,
		UpdatedAt:            time.Now(),
	}
	if m.qr != nil {
		code, image, issued := m.qr.Code, m.qr.Image, m.qr.IssuedAt
		st.QRCode = &code
		if image != "" {
			st.QRImage = &image
		}
		st.QRIssuedAt = &issued
	}
	if m.identity != nil {
		id := *m.identity
		st.ClientIdentity = &id
	}
	m.snapshot.Store(&st)
	return st
}

func (m *Manager) publishStatus() {
	m.storeSnapshot()
	m.bus.Publish(events.Event{Type: events.TypeStatus, Data: m.CurrentStatus()})
}

func (m *Manager) publish(t events.Type, data any) {
	m.bus.Publish(events.Event{Type: t, Data: data})
}

func (m *Manager) record(status, reason string) {
	h := m.sink.Load()
	if h == nil {
		return
	}
	rec := StatusRecord{Status: status, Reason: reason, At: time.Now()}
	if m.identity != nil {
		id := *m.identity
		rec.Identity = &id
	}
	h.s.RecordStatus(rec)
}

// ---------- Adapter lifecycle ----------

// startClient enters Initializing and builds a new adapter once the previous
// one is fully released.
func (m *Manager) startClient() {
	m.gen++
	gen := m.gen
	m.wantGen.Store(gen)
	m.lastReason = ""
	m.transition(StateInitializing)
	go m.spawn(gen)
}

// releaseGrace is how long past DestroyTimeout the core waits for a
// previous adapter to let go of the slot.
const releaseGrace = 500 * time.Millisecond

func (m *Manager) spawn(gen uint64) {
	wait := time.NewTimer(m.config().DestroyTimeout + releaseGrace)
	defer wait.Stop()
	select {
	case m.slot <- struct{}{}:
	case <-wait.C:
		m.logger.Error("session: previous adapter still holds the slot", "gen", gen)
		m.post(initFailed{gen: gen, err: ErrClientNotReleased})
		return
	case <-m.done:
		return
	}
	if m.wantGen.Load() != gen {
		<-m.slot
		return
	}

	c, err := m.factory()
	if err != nil {
		<-m.slot
		m.post(initFailed{gen: gen, err: err})
		return
	}
	if !m.post(clientCreated{gen: gen, c: c}) {
		m.destroy(c, false)
	}
}

// invalidate makes every in-flight notification of the current cycle stale.
func (m *Manager) invalidate() {
	m.gen++
	m.wantGen.Store(m.gen)
	if m.probeCancel != nil {
		m.probeCancel()
		m.probeCancel = nil
	}
}

// releaseClient detaches the live adapter and destroys it in the background.
func (m *Manager) releaseClient(logout bool) {
	c := m.client
	m.client = nil
	m.current.Store(nil)
	if c == nil {
		return
	}
	m.releasing.Add(1)
	go func() {
		defer m.releasing.Done()
		m.destroy(c, logout)
	}()
}

// destroy releases c and frees the adapter slot.
func (m *Manager) destroy(c adapter.ClientAdapter, logout bool) {
	defer func() { <-m.slot }()

	ctx, cancel := context.WithTimeout(context.Background(), m.config().DestroyTimeout)
	defer cancel()

	if logout {
		if lo, ok := c.(adapter.LoggerOuter); ok {
			if err := lo.Logout(ctx); err != nil {
				m.logger.Warn("session: logout failed", "error", err)
			}
		}
	}
	if err := c.Destroy(ctx); err != nil {
		m.logger.Warn("session: adapter destroy failed", "error", err)
		return
	}
	m.logger.Debug("session: adapter released")
}

func (m *Manager) pump(gen uint64, c adapter.ClientAdapter) {
	for evt := range c.Events() {
		if !m.post(adapterEvent{gen: gen, evt: evt}) {
			return
		}
	}
}

// ---------- Handlers ----------

func (m *Manager) handleConnect() error {
	if m.state.Active() {
		return ErrAlreadyActive
	}
	m.policy.Cancel()
	m.attempts = 0
	m.logger.Info("session: connect requested")
	m.startClient()
	return nil
}

func (m *Manager) handleClientCreated(gen uint64, c adapter.ClientAdapter) {
	if gen != m.gen || m.state != StateInitializing {
		m.logger.Debug("session: discarding stale adapter", "gen", gen)
		m.releasing.Add(1)
		go func() {
			defer m.releasing.Done()
			m.destroy(c, false)
		}()
		return
	}

	m.client = c
	m.current.Store(&clientHandle{c: c, gen: gen, serial: adapter.SerialReads(c)})
	go m.pump(gen, c)

	timeout := m.config().InitTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.Initialize(ctx); err != nil {
			m.post(initFailed{gen: gen, err: err})
		}
	}()
}

func (m *Manager) handleInitFailed(gen uint64, err error) {
	if gen != m.gen || !m.state.Active() {
		return
	}
	m.logger.Warn("session: adapter initialization failed", "error", err)
	m.publish(events.TypeError, ErrorNotice{Kind: "init_failed", Message: err.Error()})
	m.dropSession(adapter.ReasonInitFailed, false)
}

func (m *Manager) handleAdapterEvent(gen uint64, evt adapter.Event) {
	if gen != m.gen || m.client == nil {
		m.logger.Debug("session: ignoring stale adapter event", "kind", evt.Kind)
		return
	}

	switch evt.Kind {
	case adapter.EventQR:
		if m.state != StateInitializing && m.state != StateAwaitingScan {
			m.logger.Debug("session: unexpected QR", "state", m.state)
			return
		}
		image, err := qr.DataURL(evt.QR)
		if err != nil {
			m.logger.Warn("session: QR rendering failed", "error", err)
		}
		m.qr = &QRChallenge{Code: evt.QR, Image: image, IssuedAt: evt.At}
		m.transition(StateAwaitingScan)
		m.publish(events.TypeQR, *m.qr)

	case adapter.EventAuthenticated:
		if m.state != StateInitializing && m.state != StateAwaitingScan {
			return
		}
		m.transition(StateAuthenticating)
		m.publish(events.TypeAuthenticated, map[string]any{"timestamp": evt.At})

	case adapter.EventReady:
		switch m.state {
		case StateInitializing, StateAwaitingScan:
			// Resumed sessions may skip the authenticated event.
			m.transition(StateAuthenticating)
			m.publish(events.TypeAuthenticated, map[string]any{"timestamp": evt.At})
		case StateAuthenticating:
		default:
			return
		}
		if evt.Identity != nil {
			id := *evt.Identity
			m.identity = &id
		}
		m.transition(StateProbing)
		m.startProbe()

	case adapter.EventAuthFailed:
		if !m.state.Active() {
			return
		}
		m.logger.Error("session: authentication failed", "reason", evt.Reason)
		m.publish(events.TypeError, ErrorNotice{Kind: "auth_failure", Message: evt.Reason})
		m.dropSession(evt.Reason, true)

	case adapter.EventDisconnected:
		if !m.state.Active() {
			return
		}
		m.logger.Warn("session: adapter disconnected", "reason", evt.Reason, "state", m.state)
		m.dropSession(evt.Reason, false)

	case adapter.EventError:
		msg := "unknown error"
		if evt.Err != nil {
			msg = evt.Err.Error()
		}
		m.publish(events.TypeError, ErrorNotice{Kind: "adapter", Message: msg, Fatal: evt.Fatal})
		if evt.Fatal && m.state.Active() {
			m.dropSession("ERROR", false)
		}

	case adapter.EventMessage:
		if evt.Message == nil {
			return
		}
		m.publish(events.TypeNewMessage, *evt.Message)
	}
}

func (m *Manager) startProbe() {
	h := m.current.Load()
	if h == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.probeCancel = cancel
	gen := m.gen
	go func() {
		res := m.prober.Run(ctx, func(ctx context.Context) error {
			return m.withClient(ctx, h, func() error { return adapter.Probe(ctx, h.c) })
		})
		m.post(probeDone{gen: gen, res: res})
	}()
}

func (m *Manager) handleProbeDone(gen uint64, res probe.Result) {
	if gen != m.gen {
		return
	}
	if m.probeCancel != nil {
		m.probeCancel()
		m.probeCancel = nil
	}
	if errors.Is(res.Err, context.Canceled) {
		return
	}
	if m.state != StateProbing && m.state != StateDegraded {
		return
	}

	if res.OK() {
		m.attempts = 0
		m.policy.Cancel()
		m.transition(StateReady)
		m.publish(events.TypeReady, ReadyNotice{Identity: m.identity, Attempts: res.Attempts})
		m.record(RecordConnected, "")
		return
	}

	if m.state == StateDegraded {
		m.logger.Warn("session: re-probe failed, still degraded", "error", res.Err)
		return
	}
	m.logger.Warn("session: readiness probe exhausted, entering degraded mode",
		"attempts", res.Attempts, "error", res.Err)
	m.transition(StateDegraded)
	m.publish(events.TypeError, ErrorNotice{Kind: "probe_exhausted", Message: res.Err.Error(), Warning: true})
	m.publish(events.TypeReady, ReadyNotice{Identity: m.identity, Attempts: res.Attempts, Degraded: true})
	m.record(RecordConnected, "degraded")
}

func (m *Manager) handleReprobe() {
	if m.state != StateDegraded || m.probeCancel != nil {
		return
	}
	m.logger.Info("session: re-probing degraded session")
	m.startProbe()
}

// dropSession moves an active session to Disconnected and, unless the
// cause was an authentication failure, arms the reconnect policy.
func (m *Manager) dropSession(reason string, authFailure bool) {
	m.invalidate()
	m.policy.Cancel()
	m.releaseClient(false)
	m.identity = nil
	m.lastReason = reason

	exhausted := false
	if !authFailure {
		plan, ok := m.policy.Schedule(m.attempts, func(token uint64) {
			m.post(reconnectFire{token: token})
		})
		if ok {
			m.attempts = plan.Attempt
		}
		exhausted = !ok
	}

	m.transition(StateDisconnected)
	m.queue.Drain(ErrSessionUnavailable)
	m.publish(events.TypeDisconnected, DisconnectNotice{Reason: reason, AuthFailure: authFailure})
	if exhausted {
		m.publish(events.TypeError, ErrorNotice{
			Kind:    "reconnect_exhausted",
			Message: "automatic reconnection stopped, connect manually",
		})
	}
	if authFailure {
		m.record(RecordAuthFailure, reason)
	} else {
		m.record(RecordDisconnected, reason)
	}
}

func (m *Manager) handleReconnectFire(token uint64) {
	if !m.policy.Valid(token) {
		return
	}
	if m.state != StateDisconnected {
		m.logger.Debug("session: scheduled reconnect skipped", "state", m.state)
		return
	}
	m.logger.Info("session: reconnecting", "attempt", m.attempts, "max_attempts", m.policy.MaxAttempts())
	m.startClient()
}

func (m *Manager) handleManualDisconnect(logout bool) {
	switch {
	case m.state == StateDisconnected:
		// Nothing to release, but a pending retry must not fire.
		m.policy.Cancel()
		m.attempts = m.policy.MaxAttempts()
		m.publishStatus()
		return
	case !m.state.Active():
		return
	}

	m.policy.Cancel()
	m.attempts = m.policy.MaxAttempts()

	m.logger.Info("session: disconnect requested", "logout", logout, "state", m.state)
	m.invalidate()
	m.releaseClient(logout)
	m.identity = nil
	m.lastReason = adapter.ReasonLogout

	m.transition(StateDisconnected)
	m.queue.Drain(ErrSessionUnavailable)
	m.publish(events.TypeDisconnected, DisconnectNotice{Reason: adapter.ReasonLogout, Manual: true})
	m.record(RecordDisconnected, adapter.ReasonLogout)
}

func (m *Manager) handleShutdown() {
	m.logger.Info("session: shutting down", "state", m.state)
	wasActive := m.state.Active()
	m.transition(StateShuttingDown)

	m.policy.Cancel()
	m.invalidate()
	m.releaseClient(false)
	m.identity = nil
	m.queue.Drain(ErrSessionEnding)

	released := make(chan struct{})
	go func() {
		m.releasing.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(m.config().DestroyTimeout + releaseGrace):
		m.logger.Warn("session: adapter release timed out during shutdown")
	}

	if wasActive {
		m.record(RecordDisconnected, adapter.ReasonClosed)
	}
	m.transition(StateIdle)
}

// ---------- Event payloads ----------

// ErrorNotice is the payload of error events.
type ErrorNotice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
	Warning bool   `json:"warning,omitempty"`
}

// ReadyNotice is the payload of ready events.
type ReadyNotice struct {
	Identity *adapter.Identity `json:"clientIdentity"`
	Attempts int               `json:"probeAttempts"`
	Degraded bool              `json:"degraded"`
}

// DisconnectNotice is the payload of disconnected events.
type DisconnectNotice struct {
	Reason      string `json:"reason"`
	Manual      bool   `json:"manual,omitempty"`
	AuthFailure bool   `json:"authFailure,omitempty"`
}
