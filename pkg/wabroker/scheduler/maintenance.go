package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/session"
)

// Job names.
const (
	JobReprobe    = "reprobe"
	JobCachePrune = "cache-prune"
	JobRetention  = "log-retention"
)

// Session is the slice of the session manager maintenance needs.
type Session interface {
	CurrentStatus() session.Status
	Reprobe(ctx context.Context) error
}

// CachePruner drops expired cache entries.
type CachePruner interface {
	Prune() int
}

// LogPruner deletes activity log rows older than a cutoff.
type LogPruner interface {
	PruneMessages(ctx context.Context, cutoff time.Time) (int64, error)
}

// Targets are the collaborators maintenance jobs act on. Nil fields
// disable the matching job.
type Targets struct {
	Session   Session
	Cache     CachePruner
	Log       LogPruner
	Retention time.Duration
}

// RegisterMaintenance adds the broker's maintenance jobs to s.
func RegisterMaintenance(s *Scheduler, cfg Config, t Targets) error {
	if t.Session != nil && cfg.ReprobeInterval > 0 {
		if err := s.Add(JobReprobe, Every(cfg.ReprobeInterval), reprobeJob(t.Session, s.logger)); err != nil {
			return err
		}
	}
	if t.Cache != nil && cfg.CachePruneInterval > 0 {
		if err := s.Add(JobCachePrune, Every(cfg.CachePruneInterval), pruneCacheJob(t.Cache, s.logger)); err != nil {
			return err
		}
	}
	if t.Log != nil && t.Retention > 0 && cfg.RetentionSpec != "" {
		if err := s.Add(JobRetention, cfg.RetentionSpec, retentionJob(t.Log, t.Retention, s.logger)); err != nil {
			return err
		}
	}
	return nil
}

// reprobeJob re-runs readiness probing while the session is degraded.
func reprobeJob(sess Session, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		if sess.CurrentStatus().State != session.StateDegraded {
			return nil
		}
		logger.Info("scheduler: re-probing degraded session")
		return sess.Reprobe(ctx)
	}
}

func pruneCacheJob(c CachePruner, logger *slog.Logger) JobFunc {
	return func(context.Context) error {
		if n := c.Prune(); n > 0 {
			logger.Debug("scheduler: cache entries pruned", "count", n)
		}
		return nil
	}
}

func retentionJob(l LogPruner, retention time.Duration, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := l.PruneMessages(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("scheduler: activity log pruned", "rows", n, "retention", retention)
		}
		return nil
	}
}
