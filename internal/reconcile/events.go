package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/isle-portal/isle-sync/internal/remote"
	"github.com/isle-portal/isle-sync/internal/store"
)

// Top-level keys left out of the data snapshot; they are stored as rows.
var (
	activitySnapshotExclude = []string{"runs", "activity_type"}
	runSnapshotExclude      = []string{"events"}
	eventSnapshotExclude    = []string{"time_slot", "blocks"}
)

// SynchronizeEvents pulls the full activity feed and reconciles activities,
// event types, events, and event structure. Events that vanished from the
// feed are deactivated, and those starting more than a day from now are
// purged. Returns false if the pass was aborted.
func (e *Engine) SynchronizeEvents(ctx context.Context) bool {
	return e.guard("events", func() error {
		return e.syncEvents(ctx)
	})
}

func (e *Engine) syncEvents(ctx context.Context) error {
	if e.activities == nil {
		return errFeedNotConfigured
	}

	known, err := e.store.EventIDs(ctx)
	if err != nil {
		return err
	}

	contexts, err := e.store.ContextIDs(ctx)
	if err != nil {
		return err
	}

	st := newPassState()

	for page, err := range e.activities.Activities(ctx) {
		if err != nil {
			return feedError("activities", err)
		}

		for i := range page {
			if err := e.syncActivity(ctx, st, &page[i], contexts); err != nil {
				return err
			}
		}
	}

	return e.retireMissing(ctx, known, st.seen)
}

func (e *Engine) syncActivity(
	ctx context.Context, st *passState, a *remote.Activity, contexts map[string]int64,
) error {
	if a.UUID == "" {
		e.logger.Warn("activity without uuid, skipping", slog.String("title", a.Title))
		return nil
	}

	activityID, err := e.store.UpsertActivity(ctx, store.Activity{
		UUID:       a.UUID,
		Title:      a.Title,
		MainAuthor: mainAuthor(a.Authors),
		IsDeleted:  a.IsDeleted,
	})
	if err != nil {
		return err
	}

	var eventTypeID int64
	if len(a.Types) > 0 && a.Types[0].UUID != "" {
		if eventTypeID, err = st.eventType(ctx, e.store, a.Types[0]); err != nil {
			return err
		}
	}

	activitySnap := remote.Snapshot(a.Raw, activitySnapshotExclude...)

	for ri := range a.Runs {
		run := &a.Runs[ri]
		runSnap := remote.Snapshot(run.Raw, runSnapshotExclude...)

		for ei := range run.Events {
			ev := &run.Events[ei]
			if ev.UUID == "" {
				e.logger.Warn("event without uuid, skipping",
					slog.String("activity", a.UUID),
					slog.String("run", run.UUID),
				)

				continue
			}

			data, err := json.Marshal(map[string]any{
				"event":    remote.Snapshot(ev.Raw, eventSnapshotExclude...),
				"run":      runSnap,
				"activity": activitySnap,
			})
			if err != nil {
				return fmt.Errorf("reconcile: encoding snapshot of event %s: %w", ev.UUID, err)
			}

			contextID := e.resolveEventContext(ev, contexts)
			start, end := e.eventTimes(ev.Timeslot)

			eventID, created, err := e.store.UpsertEvent(ctx, store.Event{
				UUID:        ev.UUID,
				ActivityID:  activityID,
				EventTypeID: eventTypeID,
				ContextID:   contextID,
				IsActive:    !ev.IsDeleted,
				Title:       a.Title,
				Start:       start,
				End:         end,
				Data:        data,
			})
			if err != nil {
				return err
			}

			if err := e.reconcileStructure(ctx, st, eventRef{id: eventID, uuid: ev.UUID, created: created}, ev.Blocks); err != nil {
				e.logger.Error("event structure reconciliation failed",
					slog.String("event", ev.UUID),
					slog.String("error", err.Error()),
				)
			}

			st.seen[ev.UUID] = true
		}
	}

	return nil
}

// resolveEventContext maps the event's context uuid to a local id. An
// unmapped context is logged and the event is stored without one.
func (e *Engine) resolveEventContext(ev *remote.Event, contexts map[string]int64) int64 {
	if ev.ContextUUID == "" {
		return 0
	}

	id, ok := contexts[ev.ContextUUID]
	if !ok {
		e.logger.Warn("event references unknown context",
			slog.String("event", ev.UUID),
			slog.String("context", ev.ContextUUID),
		)
	}

	return id
}

// eventTimes parses the timeslot, falling back to now for a missing slot or
// an unparseable bound.
func (e *Engine) eventTimes(ts *remote.Timeslot) (time.Time, time.Time) {
	now := e.nowFunc()
	if ts == nil {
		return now, now
	}

	start, ok := parseTime(ts.Start)
	if !ok {
		start = now
	}

	end, ok := parseTime(ts.End)
	if !ok {
		end = now
	}

	return start, end
}

// retireMissing deactivates events known before the pass but not seen in it,
// then purges those classified Purge.
func (e *Engine) retireMissing(ctx context.Context, known map[string]int64, seen map[string]bool) error {
	var missing []string

	for uuid := range known {
		if !seen[uuid] && uuid != e.keepEvent {
			missing = append(missing, uuid)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	slices.Sort(missing)

	deactivated, err := e.store.DeactivateEvents(ctx, missing)
	if err != nil {
		return err
	}

	starts, err := e.store.EventStarts(ctx, missing)
	if err != nil {
		return err
	}

	now := e.nowFunc()

	var purge []string

	for _, uuid := range missing {
		if start, ok := starts[uuid]; ok && Classify(start, now) == Purge {
			purge = append(purge, uuid)
		}
	}

	e.logger.Info("vanished events deactivated",
		slog.Int("missing", len(missing)),
		slog.Int64("deactivated", deactivated),
	)

	if len(purge) == 0 {
		return nil
	}

	e.logger.Warn("purging vanished future events", slog.Any("uuids", purge))

	if _, err := e.store.PurgeEvents(ctx, purge); err != nil {
		return err
	}

	return nil
}

func mainAuthor(authors []remote.Author) string {
	for _, a := range authors {
		if a.IsMain {
			return a.Title
		}
	}

	return ""
}

// timeLayouts are the accepted timestamp forms. Values without an offset
// are taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}
