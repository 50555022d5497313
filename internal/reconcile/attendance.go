package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/isle-portal/isle-sync/internal/store"
)

// ReconcileAttendance creates missing (event, user) entries for every
// check-in in the attendance feed. Unknown users are pulled from the
// identity service once per pass. Returns false only when the feed itself
// fails; row-level problems are logged.
func (e *Engine) ReconcileAttendance(ctx context.Context) bool {
	return e.guard("attendance", func() error {
		return e.reconcileAttendance(ctx)
	})
}

func (e *Engine) reconcileAttendance(ctx context.Context) error {
	if e.attendance == nil {
		return errFeedNotConfigured
	}

	users, err := e.store.UserIDs(ctx)
	if err != nil {
		return err
	}

	events, err := e.store.EventIDs(ctx)
	if err != nil {
		return err
	}

	byEvent := make(map[string][]int64)
	var order []string

	for page, err := range e.attendance.Attendance(ctx) {
		if err != nil {
			return feedError("attendance", err)
		}

		for _, item := range page {
			if !item.Attended() || item.EventUUID == "" || item.User() == 0 {
				continue
			}

			if _, ok := byEvent[item.EventUUID]; !ok {
				order = append(order, item.EventUUID)
			}

			byEvent[item.EventUUID] = append(byEvent[item.EventUUID], item.User())
		}
	}

	failed := make(map[int64]bool)
	created := 0

	for _, eventUUID := range order {
		eventID, ok := events[eventUUID]
		if !ok {
			e.logger.Warn("attendance references unknown event", slog.String("event", eventUUID))
			continue
		}

		var resolved []int64

		for _, unti := range byEvent[eventUUID] {
			uid, ok := users[unti]
			if !ok {
				if failed[unti] {
					continue
				}

				if uid, ok = e.pullUser(ctx, unti); !ok {
					e.logger.Warn("user not found", slog.Int64("unti_id", unti))
					failed[unti] = true

					continue
				}

				users[unti] = uid
			}

			resolved = append(resolved, uid)
		}

		n, err := e.ensureEntries(ctx, eventID, resolved)
		if err != nil {
			e.logger.Error("creating entries failed",
				slog.String("event", eventUUID),
				slog.String("error", err.Error()),
			)
		}

		created += n
	}

	e.logger.Info("attendance reconciled",
		slog.Int("events", len(order)),
		slog.Int("entries_created", created),
		slog.Int("unresolved_users", len(failed)),
	)

	return nil
}

// ensureEntries creates the entries of the given users that the event does
// not have yet and returns how many were created.
func (e *Engine) ensureEntries(ctx context.Context, eventID int64, userIDs []int64) (int, error) {
	existing, err := e.store.EntryUsers(ctx, eventID)
	if err != nil {
		return 0, err
	}

	created := 0

	for _, uid := range userIDs {
		if existing[uid] {
			continue
		}

		if err := e.store.EnsureEntry(ctx, eventID, uid); err != nil {
			return created, err
		}

		existing[uid] = true
		created++
	}

	return created, nil
}

// pullUser asks the identity service to push the user, then resolves the
// local row. The local lookup runs even when the push fails, since the user
// may have been created by another path.
func (e *Engine) pullUser(ctx context.Context, untiID int64) (int64, bool) {
	if e.users != nil {
		res, err := e.users.PushUser(ctx, untiID)
		switch {
		case err != nil:
			e.logger.Warn("user pull failed",
				slog.Int64("unti_id", untiID),
				slog.String("error", err.Error()),
			)
		case res.User != nil && res.User.ID() == untiID:
			if _, err := e.store.UpsertUser(ctx, store.User{
				UntiID:    untiID,
				Username:  res.User.Username,
				Email:     res.User.Email,
				FirstName: res.User.FirstName,
				LastName:  res.User.LastName,
			}); err != nil {
				e.logger.Error("storing pulled user failed",
					slog.Int64("unti_id", untiID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	id, err := e.store.UserID(ctx, untiID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("resolving user failed",
				slog.Int64("unti_id", untiID),
				slog.String("error", err.Error()),
			)
		}

		return 0, false
	}

	return id, true
}
