package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/isle-portal/isle-sync/internal/config"
	"github.com/isle-portal/isle-sync/internal/jobs"
	"github.com/isle-portal/isle-sync/internal/notify"
	"github.com/isle-portal/isle-sync/internal/remote"
)

// servePIDFile is the lock file of a running serve, inside the lock dir.
const servePIDFile = "serve.pid"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run passes on their schedules and react to change notifications",
		Long: `Run reconciliation passes on the cron schedules from the [schedule]
section until interrupted. With [notify] url set, change notifications trigger
targeted refreshes between scheduled passes.

Editing the config file or sending SIGHUP (see "reload") re-reads the
schedule. Remote and database settings take effect on restart.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger
	ctx := shutdownContext(cmd.Context(), logger)

	pidPath := filepath.Join(cc.Cfg.LockDir(), servePIDFile)

	release, err := jobs.AcquireLock(pidPath)
	if err != nil {
		if errors.Is(err, jobs.ErrLocked) {
			if pid, held := jobs.LockHolder(pidPath); held {
				return fmt.Errorf("serve is already running (PID %d)", pid)
			}
		}

		return err
	}
	defer release()

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	holder := config.NewHolder(cc.Cfg, cc.CfgPath, cc.Env, cc.CLI)
	reload := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return forwardHangups(gctx, reload, logger) })
	g.Go(func() error { return watchConfig(gctx, holder.Path(), reload, logger) })
	g.Go(func() error { return runSchedules(gctx, a, holder, reload, logger) })

	if url := cc.Cfg.Notify.URL; url != "" {
		lo, hi := cc.Cfg.Notify.Backoff()

		header := http.Header{}
		if key := cc.Cfg.Remote.SSOAPIKey; key != "" {
			header.Set(remote.SSOAPIKeyHeader, key)
		}

		listener := notify.New(notify.Config{
			URL:        url,
			Header:     header,
			Handlers:   &notifyHandlers{app: a, logger: logger},
			Logger:     logger,
			MinBackoff: lo,
			MaxBackoff: hi,
		})

		g.Go(func() error { return listener.Run(gctx) })
	} else {
		logger.Info("change notifications disabled (notify.url not set)")
	}

	logger.Info("serve started", slog.String("config", holder.Path()), slog.String("db", cc.Cfg.Database.Path))

	err = g.Wait()

	logger.Info("serve stopped")

	return err
}

// runSchedules runs the scheduler until ctx is done, rebuilding it whenever
// a reload yields a valid config.
func runSchedules(
	ctx context.Context, a *app, holder *config.Holder, reload <-chan struct{}, logger *slog.Logger,
) error {
	for {
		rebuild, err := runSchedule(ctx, a, holder, reload, logger)
		if err != nil || !rebuild {
			return err
		}

		logger.Info("configuration reloaded, rescheduling passes")
	}
}

// runSchedule runs one scheduler generation. It returns rebuild=true after a
// successful reload, having stopped the scheduler and waited for its
// running passes.
func runSchedule(
	ctx context.Context, a *app, holder *config.Holder, reload <-chan struct{}, logger *slog.Logger,
) (rebuild bool, err error) {
	sched, err := newScheduler(a, holder.Config().Schedule, logger)
	if err != nil {
		return false, err
	}

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(schedCtx) }()

	for {
		select {
		case <-ctx.Done():
			cancel()

			return false, <-done

		case <-reload:
			if _, err := holder.Reload(); err != nil {
				logger.Warn("config reload rejected, keeping current schedule",
					slog.String("error", err.Error()),
				)

				continue
			}

			cancel()

			if err := <-done; err != nil {
				return false, err
			}

			return true, nil
		}
	}
}

// newScheduler registers every pass that has a schedule.
func newScheduler(a *app, sc config.ScheduleConfig, logger *slog.Logger) (*jobs.Scheduler, error) {
	sched := jobs.NewScheduler(a.guard, logger)

	specs := map[jobs.Kind]string{
		jobs.KindEvents:     sc.Events,
		jobs.KindContexts:   sc.Contexts,
		jobs.KindAttendance: sc.Attendance,
		jobs.KindPolicy:     sc.Policy,
	}

	for _, kind := range jobs.Kinds {
		if err := sched.Add(specs[kind], kind, a.passes[kind]); err != nil {
			return nil, err
		}
	}

	return sched, nil
}

// watchConfig requests a reload whenever the config file is written or
// replaced. The directory is watched so editors that save by rename are
// noticed. A missing directory disables watching.
func watchConfig(ctx context.Context, path string, reload chan<- struct{}, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Info("config file not watched",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)

		<-ctx.Done()

		return nil
	}

	name := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}

			logger.Debug("config file changed", slog.String("op", ev.Op.String()))
			requestReload(reload)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))
		}
	}
}

// notifyHandlers routes change notifications to the engine. Policy syncs go
// through the guard so they never overlap a scheduled policy pass.
type notifyHandlers struct {
	app    *app
	logger *slog.Logger
}

func (h *notifyHandlers) RefreshMetaModel(ctx context.Context, id string) bool {
	return h.app.engine.RefreshMetaModel(ctx, id)
}

func (h *notifyHandlers) PullUser(ctx context.Context, untiID int64) bool {
	return h.app.engine.PullUser(ctx, untiID)
}

func (h *notifyHandlers) SynchronizePolicy(ctx context.Context) bool {
	ok, err := h.app.run(ctx, jobs.KindPolicy)
	if err != nil {
		h.logger.Info("notified policy sync skipped", slog.String("error", err.Error()))
		return false
	}

	return ok
}
