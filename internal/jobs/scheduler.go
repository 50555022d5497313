package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs guarded passes on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	guard  *Guard
	logger *slog.Logger

	// ctx is set by Run before the cron loop starts; jobs derive from it.
	ctx context.Context
}

// NewScheduler returns a Scheduler dispatching through guard.
func NewScheduler(guard *Guard, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	cl := cronLogger{logger: logger}

	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		guard:  guard,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add schedules fn as a pass of kind. spec is a standard five-field cron
// expression or a descriptor such as "@hourly" or "@every 10m". An empty
// spec leaves the kind unscheduled.
func (s *Scheduler) Add(spec string, kind Kind, fn PassFunc) error {
	if spec == "" {
		s.logger.Debug("pass not scheduled", slog.String("kind", string(kind)))
		return nil
	}

	_, err := s.cron.AddFunc(spec, func() {
		_, err := s.guard.Run(s.ctx, kind, fn)

		switch {
		case errors.Is(err, ErrBusy):
			s.logger.Info("skipping scheduled pass, already running elsewhere",
				slog.String("kind", string(kind)),
			)
		case err != nil:
			s.logger.Error("scheduled pass failed to start",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("jobs: scheduling %s with %q: %w", kind, spec, err)
	}

	s.logger.Info("pass scheduled", slog.String("kind", string(kind)), slog.String("spec", spec))

	return nil
}

// Len returns the number of scheduled passes.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// running passes to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()

	<-ctx.Done()

	s.logger.Info("stopping scheduler, waiting for running passes")
	<-s.cron.Stop().Done()

	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
