package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	sqlUpsertActivity = `INSERT INTO activities (uuid, title, main_author, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
		 title = excluded.title,
		 main_author = excluded.main_author,
		 is_deleted = excluded.is_deleted,
		 updated_at = excluded.updated_at
		RETURNING id`

	sqlUpsertEventType = `INSERT INTO event_types (uuid, title, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
		 title = excluded.title,
		 description = excluded.description,
		 updated_at = excluded.updated_at
		RETURNING id`

	sqlUpsertEvent = `INSERT INTO events
		(uuid, activity_id, event_type_id, context_id, is_active, title,
		 dt_start, dt_end, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
		 activity_id = excluded.activity_id,
		 event_type_id = excluded.event_type_id,
		 context_id = excluded.context_id,
		 is_active = excluded.is_active,
		 title = excluded.title,
		 dt_start = excluded.dt_start,
		 dt_end = excluded.dt_end,
		 data = excluded.data,
		 updated_at = excluded.updated_at
		RETURNING id`

	sqlEventIDByUUID = `SELECT id FROM events WHERE uuid = ?`

	sqlEventIDs = `SELECT uuid, id FROM events`

	sqlGetEvent = `SELECT id, uuid, COALESCE(activity_id, 0), COALESCE(event_type_id, 0),
		COALESCE(context_id, 0), is_active, title, dt_start, dt_end, data, updated_at
		FROM events WHERE uuid = ?`
)

// Activity is the local projection of a remote activity.
type Activity struct {
	UUID       string
	Title      string
	MainAuthor string
	IsDeleted  bool
}

// EventType is the local projection of a remote activity type.
type EventType struct {
	UUID        string
	Title       string
	Description string
}

// Event is one scheduled event. Zero foreign keys are stored as NULL.
type Event struct {
	UUID        string
	ActivityID  int64
	EventTypeID int64
	ContextID   int64
	IsActive    bool
	Title       string
	Start       time.Time
	End         time.Time
	Data        []byte
}

// EventRow is an Event as read back from the database.
type EventRow struct {
	Event
	ID        int64
	UpdatedAt time.Time
}

// UpsertActivity inserts or updates an activity by uuid and returns its id.
func (s *Store) UpsertActivity(ctx context.Context, a Activity) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx, sqlUpsertActivity,
		a.UUID, a.Title, a.MainAuthor, boolInt(a.IsDeleted), s.nowFunc().UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upserting activity %s: %w", a.UUID, err)
	}

	return id, nil
}

// UpsertEventType inserts or updates an event type by uuid and returns its id.
func (s *Store) UpsertEventType(ctx context.Context, t EventType) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx, sqlUpsertEventType,
		t.UUID, t.Title, t.Description, s.nowFunc().UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upserting event type %s: %w", t.UUID, err)
	}

	return id, nil
}

// UpsertEvent inserts or updates an event by uuid. created reports whether
// the row did not exist before the call.
func (s *Store) UpsertEvent(ctx context.Context, e Event) (id int64, created bool, err error) {
	var existing int64

	err = s.db.QueryRowContext(ctx, sqlEventIDByUUID, e.UUID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
	case err != nil:
		return 0, false, fmt.Errorf("store: looking up event %s: %w", e.UUID, err)
	}

	data := e.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	err = s.db.QueryRowContext(ctx, sqlUpsertEvent,
		e.UUID,
		nullInt64(e.ActivityID),
		nullInt64(e.EventTypeID),
		nullInt64(e.ContextID),
		boolInt(e.IsActive),
		e.Title,
		e.Start.UnixNano(),
		e.End.UnixNano(),
		string(data),
		s.nowFunc().UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("store: upserting event %s: %w", e.UUID, err)
	}

	return id, created, nil
}

// EventIDs returns the uuid → id mapping of every stored event.
func (s *Store) EventIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, sqlEventIDs)
	if err != nil {
		return nil, fmt.Errorf("store: listing events: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64)

	for rows.Next() {
		var (
			uuid string
			id   int64
		)

		if err := rows.Scan(&uuid, &id); err != nil {
			return nil, fmt.Errorf("store: scanning event id: %w", err)
		}

		ids[uuid] = id
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating events: %w", err)
	}

	return ids, nil
}

// Event reads one event by uuid. Returns ErrNotFound if absent.
func (s *Store) Event(ctx context.Context, uuid string) (*EventRow, error) {
	var (
		row                 EventRow
		active              int
		start, end, updated int64
		data                string
	)

	err := s.db.QueryRowContext(ctx, sqlGetEvent, uuid).Scan(
		&row.ID, &row.UUID, &row.ActivityID, &row.EventTypeID, &row.ContextID,
		&active, &row.Title, &start, &end, &data, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading event %s: %w", uuid, err)
	}

	row.IsActive = active == 1
	row.Start = time.Unix(0, start)
	row.End = time.Unix(0, end)
	row.Data = []byte(data)
	row.UpdatedAt = time.Unix(0, updated)

	return &row, nil
}

// EventStarts returns the start time of each listed event that exists.
func (s *Store) EventStarts(ctx context.Context, uuids []string) (map[string]time.Time, error) {
	starts := make(map[string]time.Time, len(uuids))

	err := chunked(uuids, func(part []string) error {
		q := `SELECT uuid, dt_start FROM events WHERE uuid IN (` + placeholders(len(part)) + `)`

		rows, err := s.db.QueryContext(ctx, q, stringArgs(part)...)
		if err != nil {
			return fmt.Errorf("store: reading event starts: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				uuid  string
				start int64
			)

			if err := rows.Scan(&uuid, &start); err != nil {
				return fmt.Errorf("store: scanning event start: %w", err)
			}

			starts[uuid] = time.Unix(0, start)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return starts, nil
}

// DeactivateEvents clears the active flag of the listed events and returns
// the number of rows changed.
func (s *Store) DeactivateEvents(ctx context.Context, uuids []string) (int64, error) {
	now := s.nowFunc().UnixNano()

	return s.execChunked(ctx, uuids, func(n int) string {
		return `UPDATE events SET is_active = 0, updated_at = ?
			WHERE is_active = 1 AND uuid IN (` + placeholders(n) + `)`
	}, "deactivating events", now)
}

// PurgeEvents hard-deletes the listed events. Their blocks, results, and
// entries go with them through ON DELETE CASCADE.
func (s *Store) PurgeEvents(ctx context.Context, uuids []string) (int64, error) {
	return s.execChunked(ctx, uuids, func(n int) string {
		return `DELETE FROM events WHERE uuid IN (` + placeholders(n) + `)`
	}, "purging events")
}

func (s *Store) execChunked(
	ctx context.Context, uuids []string, stmt func(n int) string, what string, lead ...any,
) (int64, error) {
	var total int64

	err := chunked(uuids, func(part []string) error {
		args := append(append([]any(nil), lead...), stringArgs(part)...)

		res, err := s.db.ExecContext(ctx, stmt(len(part)), args...)
		if err != nil {
			return fmt.Errorf("store: %s: %w", what, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: %s: %w", what, err)
		}

		total += n

		return nil
	})

	return total, err
}
