package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	mu       sync.Mutex
	state    session.State
	reprobes int
}

func (f *fakeSession) CurrentStatus() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Status{State: f.state}
}

func (f *fakeSession) Reprobe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reprobes++
	return nil
}

type fakeCache struct{ pruned int }

func (f *fakeCache) Prune() int { f.pruned++; return 3 }

type fakeLog struct {
	cutoff time.Time
	err    error
}

func (f *fakeLog) PruneMessages(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 7, f.err
}

func TestAdd(t *testing.T) {
	s := New(DefaultConfig(), testLogger())
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name     string
		job      string
		schedule string
		wantErr  bool
	}{
		{"descriptor", "a", "@daily", false},
		{"interval", "b", Every(90 * time.Second), false},
		{"five fields", "c", "*/5 * * * *", false},
		{"duplicate", "a", "@hourly", true},
		{"empty name", "", "@hourly", true},
		{"bad schedule", "d", "every tuesday", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.job, tt.schedule, noop)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add(%q, %q) error = %v, wantErr %v", tt.job, tt.schedule, err, tt.wantErr)
			}
		})
	}

	if got := len(s.Jobs()); got != 3 {
		t.Errorf("expected 3 jobs, got %d", got)
	}
	if !s.Remove("c") || s.Remove("c") {
		t.Error("Remove should succeed once")
	}
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := New(DefaultConfig(), testLogger())
	boom := errors.New("boom")
	fail := true
	if err := s.Add("flaky", "@hourly", func(context.Context) error {
		if fail {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow("flaky"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	info := s.Jobs()[0]
	if info.Runs != 1 || info.LastError != "boom" || info.LastRunAt == nil {
		t.Errorf("unexpected info after failure: %+v", info)
	}

	fail = false
	if err := s.RunNow("flaky"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info = s.Jobs()[0]
	if info.Runs != 2 || info.LastError != "" {
		t.Errorf("unexpected info after success: %+v", info)
	}

	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestRunsDoNotOverlap(t *testing.T) {
	s := New(DefaultConfig(), testLogger())
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	if err := s.Add("slow", "@hourly", func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.RunNow("slow")
		close(done)
	}()
	<-started

	// The second run is skipped while the first is active.
	if err := s.RunNow("slow"); err != nil {
		t.Fatalf("overlapping run: %v", err)
	}
	close(release)
	<-done

	if len(started) != 0 {
		t.Error("overlapping run executed the job")
	}
	if runs := s.Jobs()[0].Runs; runs != 1 {
		t.Errorf("expected 1 run, got %d", runs)
	}
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s := New(DefaultConfig(), testLogger())
	s.Add("wait", "@hourly", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Start()

	errc := make(chan error, 1)
	go func() { errc <- s.RunNow("wait") }()
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job not cancelled by Stop")
	}
}

func TestMaintenance(t *testing.T) {
	sess := &fakeSession{state: session.StateReady}
	cache := &fakeCache{}
	log := &fakeLog{}

	s := New(DefaultConfig(), testLogger())
	err := RegisterMaintenance(s, DefaultConfig(), Targets{
		Session:   sess,
		Cache:     cache,
		Log:       log,
		Retention: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("RegisterMaintenance: %v", err)
	}
	if got := len(s.Jobs()); got != 3 {
		t.Fatalf("expected 3 jobs, got %d", got)
	}

	t.Run("reprobe only when degraded", func(t *testing.T) {
		s.RunNow(JobReprobe)
		if sess.reprobes != 0 {
			t.Fatalf("ready session re-probed")
		}
		sess.mu.Lock()
		sess.state = session.StateDegraded
		sess.mu.Unlock()
		s.RunNow(JobReprobe)
		if sess.reprobes != 1 {
			t.Fatalf("degraded session not re-probed")
		}
	})

	t.Run("cache prune", func(t *testing.T) {
		if err := s.RunNow(JobCachePrune); err != nil {
			t.Fatal(err)
		}
		if cache.pruned != 1 {
			t.Errorf("expected 1 prune, got %d", cache.pruned)
		}
	})

	t.Run("retention", func(t *testing.T) {
		before := time.Now().Add(-24 * time.Hour)
		if err := s.RunNow(JobRetention); err != nil {
			t.Fatal(err)
		}
		if log.cutoff.Before(before.Add(-time.Second)) || log.cutoff.After(time.Now().Add(-23*time.Hour)) {
			t.Errorf("unexpected cutoff %v", log.cutoff)
		}
	})
}

func TestMaintenanceSkipsDisabledJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReprobeInterval = 0
	cfg.RetentionSpec = ""

	s := New(cfg, testLogger())
	if err := RegisterMaintenance(s, cfg, Targets{
		Session: &fakeSession{},
		Cache:   &fakeCache{},
		Log:     &fakeLog{},
	}); err != nil {
		t.Fatal(err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Name != JobCachePrune {
		t.Errorf("unexpected jobs: %+v", jobs)
	}
}
