package store

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	sqlUpsertContext = `INSERT INTO contexts
		(uuid, parent_id, is_global, title, guid, timezone, status, ct_type,
		 description, datetime_start, datetime_end, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
		 parent_id = excluded.parent_id,
		 is_global = excluded.is_global,
		 title = excluded.title,
		 guid = excluded.guid,
		 timezone = excluded.timezone,
		 status = excluded.status,
		 ct_type = excluded.ct_type,
		 description = excluded.description,
		 datetime_start = excluded.datetime_start,
		 datetime_end = excluded.datetime_end,
		 updated_at = excluded.updated_at
		RETURNING id`

	sqlContextIDs = `SELECT uuid, id FROM contexts`

	sqlContextLinks = `SELECT id, COALESCE(parent_id, 0) FROM contexts ORDER BY id`

	sqlUpdateContextTree = `UPDATE contexts SET tree_id = ?, lft = ?, rght = ?, level = ? WHERE id = ?`

	sqlListContexts = `SELECT id, uuid, COALESCE(parent_id, 0), is_global, title, guid, timezone,
		status, ct_type, description, COALESCE(datetime_start, ''), COALESCE(datetime_end, ''),
		tree_id, lft, rght, level
		FROM contexts ORDER BY tree_id, lft`
)

// Context is one node of the organizational context tree. ParentID zero
// means no parent. TreeID, Lft, Rght and Level are the nested-set ordering
// maintained by RebuildContextTree and are ignored on upsert.
type Context struct {
	ID            int64
	UUID          string
	ParentID      int64
	IsGlobal      bool
	Title         string
	GUID          string
	Timezone      string
	Status        string
	CtType        string
	Description   string
	DatetimeStart string
	DatetimeEnd   string

	TreeID int
	Lft    int
	Rght   int
	Level  int
}

// UpsertContext writes a context by uuid and returns its id.
func (s *Store) UpsertContext(ctx context.Context, c Context) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx, sqlUpsertContext,
		c.UUID,
		nullInt64(c.ParentID),
		boolInt(c.IsGlobal),
		c.Title,
		c.GUID,
		c.Timezone,
		c.Status,
		c.CtType,
		c.Description,
		nullString(c.DatetimeStart),
		nullString(c.DatetimeEnd),
		s.nowFunc().UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upserting context %s: %w", c.UUID, err)
	}

	return id, nil
}

// ContextIDs returns the uuid → id mapping of every stored context.
func (s *Store) ContextIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, sqlContextIDs)
	if err != nil {
		return nil, fmt.Errorf("store: listing contexts: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64)

	for rows.Next() {
		var (
			uuid string
			id   int64
		)

		if err := rows.Scan(&uuid, &id); err != nil {
			return nil, fmt.Errorf("store: scanning context id: %w", err)
		}

		ids[uuid] = id
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating contexts: %w", err)
	}

	return ids, nil
}

// Contexts lists every context in tree order.
func (s *Store) Contexts(ctx context.Context) ([]Context, error) {
	rows, err := s.db.QueryContext(ctx, sqlListContexts)
	if err != nil {
		return nil, fmt.Errorf("store: listing contexts: %w", err)
	}
	defer rows.Close()

	var out []Context

	for rows.Next() {
		var (
			c      Context
			global int
		)

		if err := rows.Scan(&c.ID, &c.UUID, &c.ParentID, &global, &c.Title, &c.GUID,
			&c.Timezone, &c.Status, &c.CtType, &c.Description, &c.DatetimeStart,
			&c.DatetimeEnd, &c.TreeID, &c.Lft, &c.Rght, &c.Level); err != nil {
			return nil, fmt.Errorf("store: scanning context: %w", err)
		}

		c.IsGlobal = global == 1
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating contexts: %w", err)
	}

	return out, nil
}

// treeSlot is the nested-set position computed for one context.
type treeSlot struct {
	tree, lft, rght, level int
}

// RebuildContextTree recomputes the nested-set ordering of every context
// from the parent links. Roots are numbered in id order; children are
// visited in id order. Nodes caught in a parent cycle are promoted to roots
// so every row receives a position.
func (s *Store) RebuildContextTree(ctx context.Context) error {
	parents, order, err := s.contextLinks(ctx)
	if err != nil {
		return err
	}

	children := make(map[int64][]int64, len(order))
	var roots []int64

	for _, id := range order {
		p := parents[id]
		if _, ok := parents[p]; p == 0 || !ok {
			roots = append(roots, id)
			continue
		}

		children[p] = append(children[p], id)
	}

	slots := make(map[int64]treeSlot, len(order))
	tree := 0

	number := func(root int64) {
		tree++
		counter := 0
		walkTree(root, 0, children, slots, tree, &counter)
	}

	for _, r := range roots {
		number(r)
	}

	for _, id := range order {
		if _, done := slots[id]; !done {
			s.logger.Warn("context parent cycle, numbering as root", slog.Int64("context_id", id))
			number(id)
		}
	}

	return s.InTx(ctx, func(tx *Tx) error {
		stmt, err := tx.tx.PrepareContext(ctx, sqlUpdateContextTree)
		if err != nil {
			return fmt.Errorf("store: preparing tree update: %w", err)
		}
		defer stmt.Close()

		for _, id := range order {
			sl := slots[id]
			if _, err := stmt.ExecContext(ctx, sl.tree, sl.lft, sl.rght, sl.level, id); err != nil {
				return fmt.Errorf("store: updating tree position of context %d: %w", id, err)
			}
		}

		return nil
	})
}

// walkTree assigns nested-set bounds depth-first. Already-numbered nodes are
// skipped, which also terminates on cycles.
func walkTree(
	id int64, level int, children map[int64][]int64, slots map[int64]treeSlot, tree int, counter *int,
) {
	if _, seen := slots[id]; seen {
		return
	}

	*counter++
	sl := treeSlot{tree: tree, lft: *counter, level: level}
	slots[id] = sl

	for _, c := range children[id] {
		walkTree(c, level+1, children, slots, tree, counter)
	}

	*counter++
	sl.rght = *counter
	slots[id] = sl
}

func (s *Store) contextLinks(ctx context.Context) (map[int64]int64, []int64, error) {
	rows, err := s.db.QueryContext(ctx, sqlContextLinks)
	if err != nil {
		return nil, nil, fmt.Errorf("store: reading context links: %w", err)
	}
	defer rows.Close()

	parents := make(map[int64]int64)
	var order []int64

	for rows.Next() {
		var id, parent int64
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, nil, fmt.Errorf("store: scanning context link: %w", err)
		}

		parents[id] = parent
		order = append(order, id)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: iterating context links: %w", err)
	}

	return parents, order, nil
}
