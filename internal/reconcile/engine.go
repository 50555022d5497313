// Package reconcile ingests the remote activity, context, attendance, and
// policy feeds and reconciles them into the local store.
//
// Every public pass is sequential and returns a plain success flag. Remote
// API errors abort a pass; anything unexpected, panics included, is logged
// and reported as failure so a scheduled job never brings the process down.
// Passes of the same kind must not overlap; callers serialize them (see
// internal/jobs).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/isle-portal/isle-sync/internal/remote"
	"github.com/isle-portal/isle-sync/internal/store"
)

// ActivityFeed streams activity pages.
type ActivityFeed interface {
	Activities(ctx context.Context) iter.Seq2[[]remote.Activity, error]
}

// ContextFeed streams context pages.
type ContextFeed interface {
	Contexts(ctx context.Context) iter.Seq2[[]remote.Context, error]
}

// AttendanceFeed streams check-in pages.
type AttendanceFeed interface {
	Attendance(ctx context.Context) iter.Seq2[[]remote.AttendanceEntry, error]
}

// MetaModelLookup resolves one metamodel by id.
type MetaModelLookup interface {
	MetaModel(ctx context.Context, uuid string) (*remote.MetaModel, error)
}

// UserPuller asks the identity service to push a user into the portal.
type UserPuller interface {
	PushUser(ctx context.Context, untiID int64) (*remote.PushResult, error)
}

// PolicySource serves the access-policy snapshot.
type PolicySource interface {
	Policy(ctx context.Context) (*remote.Policy, error)
}

// Config wires an Engine. Feeds left nil disable the passes that need them.
type Config struct {
	Store      *store.Store
	Activities ActivityFeed
	Contexts   ContextFeed
	Attendance AttendanceFeed
	MetaModels MetaModelLookup
	Users      UserPuller
	Policies   PolicySource

	// KeepEventUUID names one event that is never deactivated or purged.
	KeepEventUUID string

	Logger *slog.Logger
}

// Engine runs reconciliation passes against the store.
type Engine struct {
	store      *store.Store
	activities ActivityFeed
	contexts   ContextFeed
	attendance AttendanceFeed
	metaModels MetaModelLookup
	users      UserPuller
	policies   PolicySource
	keepEvent  string
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// errFeedNotConfigured is returned by passes whose remote is not wired.
var errFeedNotConfigured = errors.New("reconcile: remote feed not configured")

// New returns an Engine for the given configuration.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:      cfg.Store,
		activities: cfg.Activities,
		contexts:   cfg.Contexts,
		attendance: cfg.Attendance,
		metaModels: cfg.MetaModels,
		users:      cfg.Users,
		policies:   cfg.Policies,
		keepEvent:  cfg.KeepEventUUID,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// guard runs one pass, converting errors and panics into a false result.
func (e *Engine) guard(pass string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("reconcile: panic during pass",
				slog.String("pass", pass),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)

			ok = false
		}
	}()

	start := e.nowFunc()

	if err := fn(); err != nil {
		if errors.Is(err, remote.ErrRemoteAPI) {
			e.logger.Error("reconcile: remote API failure, pass aborted",
				slog.String("pass", pass),
				slog.String("error", err.Error()),
			)
		} else {
			e.logger.Error("reconcile: pass failed",
				slog.String("pass", pass),
				slog.String("error", err.Error()),
			)
		}

		return false
	}

	e.logger.Info("reconcile: pass complete",
		slog.String("pass", pass),
		slog.Duration("elapsed", e.nowFunc().Sub(start)),
	)

	return true
}

func feedError(what string, err error) error {
	return fmt.Errorf("reconcile: fetching %s: %w", what, err)
}
