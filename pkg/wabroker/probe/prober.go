// Package probe bridges the gap between the adapter reporting "ready" and
// its internal store actually answering queries. A probe is retried until
// it succeeds or the attempt budget runs out.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = fmt.Errorf("readiness probe exhausted")

// Config holds the attempt budget.
type Config struct {
	// MaxAttempts is the number of probes before giving up. Default: 10
	MaxAttempts int `yaml:"max_attempts"`

	// Delay is the wait between attempts. Default: 2s
	Delay time.Duration `yaml:"delay"`

	// Timeout bounds each individual probe. Default: 5s
	Timeout time.Duration `yaml:"timeout"`

	// Backoff multiplies the delay after each failed attempt. Values below 1
	// keep the delay fixed. The grown delay never exceeds five times Delay.
	Backoff float64 `yaml:"backoff"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 10,
		Delay:       2 * time.Second,
		Timeout:     5 * time.Second,
		Backoff:     1.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Delay <= 0 {
		c.Delay = d.Delay
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Backoff < 1 {
		c.Backoff = 1
	}
	return c
}

// Func is one probe attempt.
type Func func(ctx context.Context) error

// Result describes a finished probe run.
type Result struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// OK reports whether the probe succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Prober runs probe attempts under a configurable budget.
type Prober struct {
	mu     sync.RWMutex
	cfg    Config
	logger *slog.Logger
}

// New creates a Prober.
func New(cfg Config, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "probe"),
	}
}

// Config returns the active budget.
func (p *Prober) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetConfig replaces the budget. Runs already in progress keep theirs.
func (p *Prober) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// Run probes until fn succeeds, the budget is spent, or ctx is cancelled.
// A cancelled run returns ctx.Err() rather than ErrExhausted so callers
// can tell an abandoned probe from a failed one.
func (p *Prober) Run(ctx context.Context, fn Func) Result {
	cfg := p.Config()
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Delay
	b.Multiplier = cfg.Backoff
	b.MaxInterval = cfg.Delay * 5
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		err := attempt(ctx, cfg.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		lastErr = err
		if notReady(err) {
			p.logger.Debug("probe: store not ready yet",
				"attempt", attempts, "max_attempts", cfg.MaxAttempts, "error", err)
		} else {
			p.logger.Warn("probe: attempt failed",
				"attempt", attempts, "max_attempts", cfg.MaxAttempts, "error", err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx)
	err := backoff.Retry(op, policy)
	switch {
	case err == nil:
		p.logger.Info("probe: store ready", "attempt", attempts, "elapsed", time.Since(start))
		return Result{Attempts: attempts, Elapsed: time.Since(start)}
	case ctx.Err() != nil:
		return Result{Attempts: attempts, Elapsed: time.Since(start), Err: ctx.Err()}
	}
	return Result{
		Attempts: attempts,
		Elapsed:  time.Since(start),
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr),
	}
}

// attempt runs fn under its own deadline. A call that ignores its context
// is abandoned when the deadline passes and counts as not ready.
func attempt(ctx context.Context, timeout time.Duration, fn Func) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(actx) }()
	select {
	case err := <-done:
		return err
	case <-actx.Done():
		return actx.Err()
	}
}

// notReady reports whether err is the expected "store still loading" class.
func notReady(err error) bool {
	return errors.Is(err, adapter.ErrNotReady) || errors.Is(err, context.DeadlineExceeded)
}
