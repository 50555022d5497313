package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	sqlUpsertBlock = `INSERT INTO event_blocks
		(uuid, event_id, title, description, block_type, ord, deleted)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(uuid) DO UPDATE SET
		 event_id = excluded.event_id,
		 title = excluded.title,
		 description = excluded.description,
		 block_type = excluded.block_type,
		 ord = excluded.ord,
		 deleted = 0
		RETURNING id`

	sqlUpsertResult = `INSERT INTO event_results
		(uuid, block_id, title, result_format, fix, chk, ord, meta, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(uuid) DO UPDATE SET
		 block_id = excluded.block_id,
		 title = excluded.title,
		 result_format = excluded.result_format,
		 fix = excluded.fix,
		 chk = excluded.chk,
		 ord = excluded.ord,
		 meta = excluded.meta,
		 deleted = 0
		RETURNING id`

	sqlUpsertMetaModel = `INSERT INTO meta_models (uuid, guid, title)
		VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
		 guid = excluded.guid,
		 title = excluded.title`

	sqlLiveBlocks = `SELECT uuid, id FROM event_blocks WHERE event_id = ? AND deleted = 0`

	sqlLiveResults = `SELECT uuid, id FROM event_results WHERE block_id = ? AND deleted = 0`

	sqlListBlocks = `SELECT b.id, b.uuid, b.event_id, b.title, b.description, b.block_type, b.ord, b.deleted
		FROM event_blocks b JOIN events e ON e.id = b.event_id
		WHERE e.uuid = ? ORDER BY b.deleted, b.ord, b.id`

	sqlListResults = `SELECT r.id, r.uuid, r.block_id, r.title, r.result_format, r.fix, r.chk, r.ord,
		r.meta, r.deleted
		FROM event_results r JOIN event_blocks b ON b.id = r.block_id
		WHERE b.uuid = ? ORDER BY r.deleted, r.ord, r.id`

	sqlGetMetaModel = `SELECT uuid, guid, title FROM meta_models WHERE uuid = ?`
)

// Block is one element of an event's structure. Ord is the 1-based position
// in the most recent fetch.
type Block struct {
	ID          int64
	UUID        string
	EventID     int64
	Title       string
	Description string
	Type        string
	Ord         int
	Deleted     bool
}

// Result is one expected result of a block. Meta holds the normalized cell
// list as JSON, or nil when the result carries no meta.
type Result struct {
	ID      int64
	UUID    string
	BlockID int64
	Title   string
	Format  string
	Fix     string
	Check   string
	Ord     int
	Meta    []byte
	Deleted bool
}

// MetaModel is the metadata of a model referenced from result meta.
type MetaModel struct {
	UUID  string
	GUID  string
	Title string
}

// LiveBlocks returns uuid → id of the event's blocks not yet soft-deleted.
func (t *Tx) LiveBlocks(ctx context.Context, eventID int64) (map[string]int64, error) {
	return uuidIDs(ctx, t.tx, sqlLiveBlocks, eventID)
}

// LiveResults returns uuid → id of the block's results not yet soft-deleted.
func (t *Tx) LiveResults(ctx context.Context, blockID int64) (map[string]int64, error) {
	return uuidIDs(ctx, t.tx, sqlLiveResults, blockID)
}

// UpsertBlock writes a block by uuid and clears its deleted flag.
func (t *Tx) UpsertBlock(ctx context.Context, b Block) (int64, error) {
	var id int64

	err := t.tx.QueryRowContext(ctx, sqlUpsertBlock,
		b.UUID, b.EventID, b.Title, b.Description, b.Type, b.Ord,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upserting block %s: %w", b.UUID, err)
	}

	return id, nil
}

// UpsertResult writes a result by uuid and clears its deleted flag.
func (t *Tx) UpsertResult(ctx context.Context, r Result) (int64, error) {
	var (
		id   int64
		meta sql.NullString
	)

	if r.Meta != nil {
		meta = sql.NullString{String: string(r.Meta), Valid: true}
	}

	err := t.tx.QueryRowContext(ctx, sqlUpsertResult,
		r.UUID, r.BlockID, r.Title, r.Format, r.Fix, r.Check, r.Ord, meta,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upserting result %s: %w", r.UUID, err)
	}

	return id, nil
}

// SoftDeleteBlocks flags the given blocks deleted.
func (t *Tx) SoftDeleteBlocks(ctx context.Context, ids []int64) error {
	return softDelete(ctx, t.tx, "event_blocks", ids)
}

// SoftDeleteResults flags the given results deleted.
func (t *Tx) SoftDeleteResults(ctx context.Context, ids []int64) error {
	return softDelete(ctx, t.tx, "event_results", ids)
}

// UpsertMetaModel writes a metamodel by uuid within the transaction.
func (t *Tx) UpsertMetaModel(ctx context.Context, m MetaModel) error {
	return upsertMetaModel(ctx, t.tx, m)
}

// UpsertMetaModel writes a metamodel by uuid.
func (s *Store) UpsertMetaModel(ctx context.Context, m MetaModel) error {
	return upsertMetaModel(ctx, s.db, m)
}

// MetaModel reads one metamodel by uuid. Returns ErrNotFound if absent.
func (s *Store) MetaModel(ctx context.Context, uuid string) (*MetaModel, error) {
	var m MetaModel

	err := s.db.QueryRowContext(ctx, sqlGetMetaModel, uuid).Scan(&m.UUID, &m.GUID, &m.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading metamodel %s: %w", uuid, err)
	}

	return &m, nil
}

// Blocks lists every block of an event, live blocks first in fetch order.
func (s *Store) Blocks(ctx context.Context, eventUUID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, sqlListBlocks, eventUUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing blocks of %s: %w", eventUUID, err)
	}
	defer rows.Close()

	var blocks []Block

	for rows.Next() {
		var (
			b       Block
			deleted int
		)

		if err := rows.Scan(&b.ID, &b.UUID, &b.EventID, &b.Title, &b.Description,
			&b.Type, &b.Ord, &deleted); err != nil {
			return nil, fmt.Errorf("store: scanning block: %w", err)
		}

		b.Deleted = deleted == 1
		blocks = append(blocks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating blocks: %w", err)
	}

	return blocks, nil
}

// Results lists every result of a block, live results first in fetch order.
func (s *Store) Results(ctx context.Context, blockUUID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, sqlListResults, blockUUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing results of %s: %w", blockUUID, err)
	}
	defer rows.Close()

	var results []Result

	for rows.Next() {
		var (
			r       Result
			meta    sql.NullString
			deleted int
		)

		if err := rows.Scan(&r.ID, &r.UUID, &r.BlockID, &r.Title, &r.Format, &r.Fix,
			&r.Check, &r.Ord, &meta, &deleted); err != nil {
			return nil, fmt.Errorf("store: scanning result: %w", err)
		}

		if meta.Valid {
			r.Meta = []byte(meta.String)
		}

		r.Deleted = deleted == 1
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating results: %w", err)
	}

	return results, nil
}

func upsertMetaModel(ctx context.Context, q querier, m MetaModel) error {
	if _, err := q.ExecContext(ctx, sqlUpsertMetaModel, m.UUID, m.GUID, m.Title); err != nil {
		return fmt.Errorf("store: upserting metamodel %s: %w", m.UUID, err)
	}

	return nil
}

func uuidIDs(ctx context.Context, q querier, query string, owner int64) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("store: listing children of %d: %w", owner, err)
	}
	defer rows.Close()

	ids := make(map[string]int64)

	for rows.Next() {
		var (
			uuid string
			id   int64
		)

		if err := rows.Scan(&uuid, &id); err != nil {
			return nil, fmt.Errorf("store: scanning child id: %w", err)
		}

		ids[uuid] = id
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating children: %w", err)
	}

	return ids, nil
}

// softDelete flags rows of table deleted. table is always a package constant.
func softDelete(ctx context.Context, q querier, table string, ids []int64) error {
	return chunked(ids, func(part []int64) error {
		stmt := `UPDATE ` + table + ` SET deleted = 1 WHERE id IN (` + placeholders(len(part)) + `)`
		if _, err := q.ExecContext(ctx, stmt, int64Args(part)...); err != nil {
			return fmt.Errorf("store: soft-deleting from %s: %w", table, err)
		}

		return nil
	})
}
