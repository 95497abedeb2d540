package reconnect

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	p := New(Config{MaxAttempts: 5, BaseDelay: time.Second, Factor: 2, MaxDelay: 10 * time.Second}, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{50, 10 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayFractionalFactor(t *testing.T) {
	p := New(Config{MaxAttempts: 5, BaseDelay: time.Second, Factor: 1.5, MaxDelay: 3 * time.Second}, nil)
	want := []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3 * time.Second,
		3 * time.Second,
	}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestSchedule(t *testing.T) {
	t.Run("increments counter and uses attempt exponent", func(t *testing.T) {
		p := New(Config{MaxAttempts: 5, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second}, nil)
		fired := make(chan uint64, 1)

		plan, ok := p.Schedule(2, func(tok uint64) { fired <- tok })
		if !ok {
			t.Fatal("expected retry to be scheduled")
		}
		if plan.Attempt != 3 {
			t.Errorf("expected counter 3, got %d", plan.Attempt)
		}
		if plan.Delay != 4*time.Millisecond {
			t.Errorf("expected delay base*factor^2 = 4ms, got %v", plan.Delay)
		}

		select {
		case tok := <-fired:
			if !p.Valid(tok) {
				t.Error("expected fired token to be valid")
			}
			if p.Valid(tok) {
				t.Error("token must be consumed after first use")
			}
		case <-time.After(time.Second):
			t.Fatal("retry did not fire")
		}
	})

	t.Run("refuses at ceiling", func(t *testing.T) {
		p := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)
		if _, ok := p.Schedule(3, func(uint64) {}); ok {
			t.Error("expected no retry at the ceiling")
		}
		if p.Pending() {
			t.Error("nothing should be pending")
		}
	})

	t.Run("cancel invalidates token", func(t *testing.T) {
		p := New(Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)
		plan, ok := p.Schedule(0, func(uint64) {})
		if !ok || !p.Pending() {
			t.Fatal("expected pending retry")
		}
		p.Cancel()
		if p.Pending() {
			t.Error("expected no pending retry after Cancel")
		}
		if p.Valid(plan.Token) {
			t.Error("cancelled token must not be valid")
		}
	})

	t.Run("rescheduling supersedes previous timer", func(t *testing.T) {
		p := New(Config{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)
		first, _ := p.Schedule(0, func(uint64) {})
		second, _ := p.Schedule(1, func(uint64) {})
		if p.Valid(first.Token) {
			t.Error("superseded token must not be valid")
		}
		if !p.Valid(second.Token) {
			t.Error("latest token must be valid")
		}
		p.Cancel()
	})
}

func TestConfigDefaults(t *testing.T) {
	p := New(Config{}, nil)
	cfg := p.Config()
	want := DefaultConfig()
	if cfg != want {
		t.Errorf("expected defaults %+v, got %+v", want, cfg)
	}
	p.SetConfig(Config{MaxAttempts: 2})
	if p.MaxAttempts() != 2 {
		t.Errorf("expected max attempts 2, got %d", p.MaxAttempts())
	}
}
