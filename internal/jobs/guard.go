// Package jobs serializes reconciliation passes and schedules them.
//
// A Guard makes sure two passes of the same kind never overlap: within a
// process through singleflight, and across processes (a cron-driven serve
// and a manual sync, say) through an advisory lock file per kind.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// Kind names a reconciliation pass.
type Kind string

// The pass kinds.
const (
	KindEvents     Kind = "events"
	KindContexts   Kind = "contexts"
	KindAttendance Kind = "attendance"
	KindPolicy     Kind = "policy"
)

// Kinds lists every pass kind in full-sync order: contexts first so events
// can reference them, attendance after events.
var Kinds = []Kind{KindContexts, KindEvents, KindAttendance, KindPolicy}

// ErrBusy is returned when another process is running a pass of the same kind.
var ErrBusy = errors.New("jobs: pass already running")

// Journal records pass outcomes. *store.Store satisfies it.
type Journal interface {
	StartRun(ctx context.Context, kind string) (string, error)
	FinishRun(ctx context.Context, id string, ok bool, detail string) error
}

// PassFunc is one reconciliation pass reporting success.
type PassFunc func(ctx context.Context) bool

// Guard runs passes single-flight per kind.
type Guard struct {
	lockDir string
	journal Journal
	logger  *slog.Logger
	group   singleflight.Group
}

// NewGuard returns a Guard keeping its lock files in lockDir. journal may be
// nil to skip run journaling.
func NewGuard(lockDir string, journal Journal, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}

	return &Guard{lockDir: lockDir, journal: journal, logger: logger}
}

// Run executes fn as a pass of the given kind. A caller arriving while the
// same kind is in flight in this process waits for it and shares its
// result. If another process holds the kind's lock, Run returns ErrBusy
// without running fn.
func (g *Guard) Run(ctx context.Context, kind Kind, fn PassFunc) (bool, error) {
	v, err, shared := g.group.Do(string(kind), func() (any, error) {
		return g.runLocked(ctx, kind, fn)
	})

	if shared {
		g.logger.Debug("joined in-flight pass", slog.String("kind", string(kind)))
	}

	if err != nil {
		return false, err
	}

	ok, _ := v.(bool)

	return ok, nil
}

// Running reports the PID of a process currently running the given kind.
func (g *Guard) Running(kind Kind) (pid int, running bool) {
	return LockHolder(g.lockPath(kind))
}

func (g *Guard) lockPath(kind Kind) string {
	return filepath.Join(g.lockDir, string(kind)+".lock")
}

func (g *Guard) runLocked(ctx context.Context, kind Kind, fn PassFunc) (bool, error) {
	release, err := AcquireLock(g.lockPath(kind))
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return false, fmt.Errorf("%w: %s", ErrBusy, kind)
		}

		return false, err
	}
	defer release()

	runID := ""

	if g.journal != nil {
		if runID, err = g.journal.StartRun(ctx, string(kind)); err != nil {
			g.logger.Warn("journaling pass start failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
	}

	g.logger.Info("pass started", slog.String("kind", string(kind)), slog.String("run_id", runID))

	ok := fn(ctx)

	detail := ""
	if !ok {
		detail = "pass failed, see log"
	}

	if g.journal != nil && runID != "" {
		// The pass context may already be cancelled; the outcome is still recorded.
		if err := g.journal.FinishRun(context.WithoutCancel(ctx), runID, ok, detail); err != nil {
			g.logger.Warn("journaling pass outcome failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
	}

	g.logger.Info("pass finished",
		slog.String("kind", string(kind)),
		slog.String("run_id", runID),
		slog.Bool("ok", ok),
	)

	return ok, nil
}
