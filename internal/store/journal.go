package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	sqlUpsertPolicy = `INSERT INTO policy_snapshots (id, model, policy, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 model = excluded.model,
		 policy = excluded.policy,
		 updated_at = excluded.updated_at`

	sqlGetPolicy = `SELECT model, policy, updated_at FROM policy_snapshots WHERE id = 1`

	sqlStartRun = `INSERT INTO sync_runs (id, kind, started_at) VALUES (?, ?, ?)`

	sqlFinishRun = `UPDATE sync_runs SET finished_at = ?, ok = ?, detail = ? WHERE id = ?`

	// Latest run per kind; ties on started_at are broken by rowid.
	sqlLatestRuns = `SELECT id, kind, started_at, COALESCE(finished_at, 0), ok, detail
		FROM sync_runs r
		WHERE r.rowid = (
			SELECT r2.rowid FROM sync_runs r2 WHERE r2.kind = r.kind
			ORDER BY r2.started_at DESC, r2.rowid DESC LIMIT 1)
		ORDER BY kind`

	sqlCounts = `SELECT
		(SELECT COUNT(*) FROM activities),
		(SELECT COUNT(*) FROM events),
		(SELECT COUNT(*) FROM events WHERE is_active = 1),
		(SELECT COUNT(*) FROM event_blocks WHERE deleted = 0),
		(SELECT COUNT(*) FROM event_results WHERE deleted = 0),
		(SELECT COUNT(*) FROM contexts),
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM event_entries WHERE deleted = 0),
		(SELECT COUNT(*) FROM meta_models)`
)

// PolicySnapshot is the stored access-policy model and rules.
type PolicySnapshot struct {
	Model     string
	Policy    []byte
	UpdatedAt time.Time
}

// Run is one journaled sync pass. Finished is zero and OK is nil while the
// pass is still running or was interrupted.
type Run struct {
	ID       string
	Kind     string
	Started  time.Time
	Finished time.Time
	OK       *bool
	Detail   string
}

// Counts summarizes the stored state.
type Counts struct {
	Activities   int64 `json:"activities"`
	Events       int64 `json:"events"`
	ActiveEvents int64 `json:"active_events"`
	Blocks       int64 `json:"blocks"`
	Results      int64 `json:"results"`
	Contexts     int64 `json:"contexts"`
	Users        int64 `json:"users"`
	Entries      int64 `json:"entries"`
	MetaModels   int64 `json:"meta_models"`
}

// SavePolicy replaces the single policy snapshot row.
func (s *Store) SavePolicy(ctx context.Context, model string, policy []byte) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertPolicy, model, string(policy), s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("store: saving policy snapshot: %w", err)
	}

	return nil
}

// Policy reads the policy snapshot. Returns ErrNotFound before the first sync.
func (s *Store) Policy(ctx context.Context) (*PolicySnapshot, error) {
	var (
		p       PolicySnapshot
		policy  string
		updated int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetPolicy).Scan(&p.Model, &policy, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading policy snapshot: %w", err)
	}

	p.Policy = []byte(policy)
	p.UpdatedAt = time.Unix(0, updated)

	return &p, nil
}

// StartRun journals the start of a pass and returns its id.
func (s *Store) StartRun(ctx context.Context, kind string) (string, error) {
	id := uuid.New().String()

	if _, err := s.db.ExecContext(ctx, sqlStartRun, id, kind, s.nowFunc().UnixNano()); err != nil {
		return "", fmt.Errorf("store: journaling %s run: %w", kind, err)
	}

	return id, nil
}

// FinishRun records the outcome of a journaled pass.
func (s *Store) FinishRun(ctx context.Context, id string, ok bool, detail string) error {
	if _, err := s.db.ExecContext(ctx, sqlFinishRun, s.nowFunc().UnixNano(), boolInt(ok), detail, id); err != nil {
		return fmt.Errorf("store: finishing run %s: %w", id, err)
	}

	return nil
}

// LatestRuns returns the most recent run of each kind, sorted by kind.
func (s *Store) LatestRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, sqlLatestRuns)
	if err != nil {
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run

	for rows.Next() {
		var (
			r                 Run
			started, finished int64
			ok                sql.NullInt64
		)

		if err := rows.Scan(&r.ID, &r.Kind, &started, &finished, &ok, &r.Detail); err != nil {
			return nil, fmt.Errorf("store: scanning run: %w", err)
		}

		r.Started = time.Unix(0, started)
		if finished != 0 {
			r.Finished = time.Unix(0, finished)
		}

		if ok.Valid {
			v := ok.Int64 == 1
			r.OK = &v
		}

		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating runs: %w", err)
	}

	return runs, nil
}

// Counts returns row counts of the main tables. Soft-deleted rows are
// excluded.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	err := s.db.QueryRowContext(ctx, sqlCounts).Scan(
		&c.Activities, &c.Events, &c.ActiveEvents, &c.Blocks, &c.Results,
		&c.Contexts, &c.Users, &c.Entries, &c.MetaModels,
	)
	if err != nil {
		return Counts{}, fmt.Errorf("store: counting rows: %w", err)
	}

	return c, nil
}
