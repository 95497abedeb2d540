package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter/whatsapp"
	"github.com/jholhewres/wabroker/pkg/wabroker/config"
	"github.com/jholhewres/wabroker/pkg/wabroker/gateway"
	"github.com/jholhewres/wabroker/pkg/wabroker/scheduler"
	"github.com/jholhewres/wabroker/pkg/wabroker/session"
	"github.com/jholhewres/wabroker/pkg/wabroker/store"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `wabroker serve` command that runs the broker.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Long: `Start the HTTP gateway and the session core. The session stays idle
until a client calls POST /api/connect, unless --connect is given.

Examples:
  wabroker serve
  wabroker serve --connect
  wabroker serve --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
	cmd.Flags().Bool("connect", false, "start a connection cycle at boot")
	cmd.Flags().String("addr", "", "override gateway.address")
	return cmd
}

// newLogger builds the process logger. level is shared so reloads can
// change verbosity in place.
func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Gateway.Address = addr
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel())
	if verbose {
		level.Set(slog.LevelDebug)
	}
	logger := newLogger(os.Stdout, cfg.Logging.Format, level).With("instance", cfg.Name)
	slog.SetDefault(logger)
	if path == "" {
		logger.Info("no config file found, running with defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Persistence ──
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if rec, ok, err := st.LoadStatus(ctx); err != nil {
		logger.Warn("could not read the previous session status", "error", err)
	} else if ok {
		logger.Info("previous session status", "status", rec.Status, "reason", rec.Reason, "at", rec.At)
	}

	// ── Session core ──
	manager := session.New(cfg.Session(), whatsapp.Factory(cfg.WhatsApp.Config, logger), logger)
	recorder := store.NewRecorder(st, cfg.Store.Buffer, logger)
	manager.SetStatusSink(recorder)
	recorder.Attach(manager.Events())
	manager.Start()

	// ── Maintenance ──
	sched := scheduler.New(cfg.Scheduler, logger)
	if err := scheduler.RegisterMaintenance(sched, cfg.Scheduler, scheduler.Targets{
		Session:   manager,
		Cache:     manager.Cache(),
		Log:       st,
		Retention: cfg.Store.Retention,
	}); err != nil {
		return fmt.Errorf("registering maintenance jobs: %w", err)
	}
	sched.Start()

	// ── Gateway ──
	gw := gateway.New(manager, st, cfg.Gateway, version, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	// ── Hot reload ──
	if path != "" {
		watcher := config.NewWatcher(path, cfg, logger)
		watcher.OnChange(func(_, next *config.Config) {
			manager.ApplyConfig(next.Session())
			if !verbose {
				level.Set(next.LogLevel())
			}
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	if connect, _ := cmd.Flags().GetBool("connect"); connect {
		if err := manager.Connect(ctx); err != nil {
			logger.Error("initial connect failed", "error", err)
		}
	}

	logger.Info("wabroker running. Press Ctrl+C to stop.",
		"version", version,
		"address", cfg.Gateway.Address,
		"store", cfg.Store.Driver,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sched.Stop()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}
	// Closing the broadcaster ends open push streams.
	manager.Events().Close()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	recorder.Close()

	logger.Info("shutdown complete")
	return nil
}
