// Package reconnect decides whether and when a dropped session is retried.
package reconnect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds the backoff parameters.
type Config struct {
	// MaxAttempts is the ceiling on automatic attempts since the last
	// success. Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the delay before the first retry. Default: 5s
	BaseDelay time.Duration `yaml:"base_delay"`

	// Factor multiplies the delay per attempt. Default: 2
	Factor float64 `yaml:"factor"`

	// MaxDelay caps a single delay. Default: 30s
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		Factor:      2,
		MaxDelay:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Factor < 1 {
		c.Factor = d.Factor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// Plan is a scheduled retry.
type Plan struct {
	// Attempt is the counter value after this retry was accounted for.
	Attempt int
	Delay   time.Duration
	Token   uint64
}

// Policy computes delays and owns the single pending retry timer.
type Policy struct {
	mu      sync.Mutex
	cfg     Config
	timer   *time.Timer
	token   uint64
	pending bool
	logger  *slog.Logger
}

// New creates a Policy.
func New(cfg Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "reconnect"),
	}
}

// Config returns the active parameters.
func (p *Policy) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// SetConfig replaces the parameters. A pending timer keeps its delay.
func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// MaxAttempts returns the attempt ceiling.
func (p *Policy) MaxAttempts() int {
	return p.Config().MaxAttempts
}

// Delay returns min(BaseDelay * Factor^attempt, MaxDelay).
func (p *Policy) Delay(attempt int) time.Duration {
	return delayFor(p.Config(), attempt)
}

func delayFor(cfg Config, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = cfg.Factor
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt && d < cfg.MaxDelay; i++ {
		d = b.NextBackOff()
	}
	return min(d, cfg.MaxDelay)
}

// Schedule arms a retry for a session that has made attempts retries since
// its last success. It reports false, arming nothing, once the ceiling is
// reached. fire runs on its own goroutine with the plan's token; callers
// must check Valid before acting on it, since a cancelled timer may still
// fire.
func (p *Policy) Schedule(attempts int, fire func(token uint64)) (Plan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if attempts >= p.cfg.MaxAttempts {
		p.logger.Warn("reconnect: attempts exhausted", "attempts", attempts, "max_attempts", p.cfg.MaxAttempts)
		return Plan{Attempt: attempts}, false
	}

	p.stopLocked()
	p.token++
	p.pending = true
	plan := Plan{
		Attempt: attempts + 1,
		Delay:   delayFor(p.cfg, attempts),
		Token:   p.token,
	}
	token := plan.Token
	p.timer = time.AfterFunc(plan.Delay, func() { fire(token) })

	p.logger.Info("reconnect: retry scheduled",
		"attempt", plan.Attempt, "max_attempts", p.cfg.MaxAttempts, "delay", plan.Delay)
	return plan, true
}

// Valid reports whether token belongs to the retry that is still pending,
// and consumes it so the same retry cannot run twice.
func (p *Policy) Valid(token uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending || token != p.token {
		return false
	}
	p.pending = false
	p.timer = nil
	return true
}

// Pending reports whether a retry is armed.
func (p *Policy) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Cancel disarms any pending retry.
func (p *Policy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		p.logger.Debug("reconnect: pending retry cancelled")
	}
	p.stopLocked()
	p.token++
	p.pending = false
}

func (p *Policy) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
