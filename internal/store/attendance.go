package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	sqlUpsertUser = `INSERT INTO users (unti_id, username, email, first_name, last_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(unti_id) DO UPDATE SET
		 username = excluded.username,
		 email = excluded.email,
		 first_name = excluded.first_name,
		 last_name = excluded.last_name
		RETURNING id`

	sqlUserIDs = `SELECT unti_id, id FROM users`

	sqlUserID = `SELECT id FROM users WHERE unti_id = ?`

	sqlEntryUsers = `SELECT user_id FROM event_entries WHERE event_id = ? AND deleted = 0`

	sqlUpsertEntry = `INSERT INTO event_entries (event_id, user_id, deleted, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(event_id, user_id) DO UPDATE SET deleted = 0`

	sqlListEntries = `SELECT n.id, n.event_id, n.user_id, u.unti_id, n.deleted, n.created_at
		FROM event_entries n
		JOIN events e ON e.id = n.event_id
		JOIN users u ON u.id = n.user_id
		WHERE e.uuid = ? ORDER BY n.id`
)

// User is a portal user keyed by the external numeric identity.
type User struct {
	UntiID    int64
	Username  string
	Email     string
	FirstName string
	LastName  string
}

// Entry is an (event, user) enrollment row.
type Entry struct {
	ID        int64
	EventID   int64
	UserID    int64
	UntiID    int64
	Deleted   bool
	CreatedAt time.Time
}

// UpsertUser writes a user by unti_id and returns its id.
func (s *Store) UpsertUser(ctx context.Context, u User) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx, sqlUpsertUser,
		u.UntiID, u.Username, u.Email, u.FirstName, u.LastName,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upserting user %d: %w", u.UntiID, err)
	}

	return id, nil
}

// UserIDs returns the unti_id → id mapping of every stored user.
func (s *Store) UserIDs(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, sqlUserIDs)
	if err != nil {
		return nil, fmt.Errorf("store: listing users: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]int64)

	for rows.Next() {
		var unti, id int64
		if err := rows.Scan(&unti, &id); err != nil {
			return nil, fmt.Errorf("store: scanning user id: %w", err)
		}

		ids[unti] = id
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating users: %w", err)
	}

	return ids, nil
}

// UserID resolves one external identity. Returns ErrNotFound if absent.
func (s *Store) UserID(ctx context.Context, untiID int64) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx, sqlUserID, untiID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("store: resolving user %d: %w", untiID, err)
	}

	return id, nil
}

// EntryUsers returns the local user ids already enrolled in the event.
// Soft-deleted entries do not count.
func (s *Store) EntryUsers(ctx context.Context, eventID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, sqlEntryUsers, eventID)
	if err != nil {
		return nil, fmt.Errorf("store: listing entries of event %d: %w", eventID, err)
	}
	defer rows.Close()

	users := make(map[int64]bool)

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning entry: %w", err)
		}

		users[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating entries: %w", err)
	}

	return users, nil
}

// EnsureEntry creates the (event, user) entry, reviving it if it was
// soft-deleted. The pair is unique, so repeated calls never duplicate it.
func (s *Store) EnsureEntry(ctx context.Context, eventID, userID int64) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertEntry, eventID, userID, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("store: creating entry for event %d user %d: %w", eventID, userID, err)
	}

	return nil
}

// Entries lists the enrollment rows of an event.
func (s *Store) Entries(ctx context.Context, eventUUID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, sqlListEntries, eventUUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing entries of %s: %w", eventUUID, err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var (
			e       Entry
			deleted int
			created int64
		)

		if err := rows.Scan(&e.ID, &e.EventID, &e.UserID, &e.UntiID, &deleted, &created); err != nil {
			return nil, fmt.Errorf("store: scanning entry: %w", err)
		}

		e.Deleted = deleted == 1
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating entries: %w", err)
	}

	return out, nil
}
