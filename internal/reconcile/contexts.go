package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/isle-portal/isle-sync/internal/remote"
	"github.com/isle-portal/isle-sync/internal/store"
)

// SynchronizeContexts pulls the context feed and upserts every context with
// a valid timezone. Contexts are ordered parents-first before upserting, so
// parent links resolve regardless of feed order. The nested-set ordering is
// rebuilt afterwards even when the pass fails part way.
func (e *Engine) SynchronizeContexts(ctx context.Context) bool {
	return e.guard("contexts", func() error {
		return e.syncContexts(ctx)
	})
}

func (e *Engine) syncContexts(ctx context.Context) (err error) {
	if e.contexts == nil {
		return errFeedNotConfigured
	}

	defer func() {
		if rerr := e.store.RebuildContextTree(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	known, err := e.store.ContextIDs(ctx)
	if err != nil {
		return err
	}

	collected, fetchErr := e.collectContexts(ctx)

	// Whatever arrived before a feed failure is still stored.
	ordered, broken := orderContexts(collected)
	if len(broken) > 0 {
		e.logger.Warn("context parent cycle, storing members as global", slog.Any("uuids", sortedKeys(broken)))
	}

	pass := make(map[string]int64, len(ordered))

	for i := range ordered {
		c := &ordered[i]

		var parentID int64
		if c.Parent != nil && !broken[c.UUID] {
			if id, ok := pass[*c.Parent]; ok {
				parentID = id
			} else {
				parentID = known[*c.Parent]
			}
		}

		id, err := e.store.UpsertContext(ctx, store.Context{
			UUID:          c.UUID,
			ParentID:      parentID,
			IsGlobal:      parentID == 0,
			Title:         c.Title,
			GUID:          c.GUID,
			Timezone:      c.Timezone,
			Status:        c.Status,
			CtType:        c.CtType,
			Description:   c.Description,
			DatetimeStart: normalizeTime(c.DatetimeStart),
			DatetimeEnd:   normalizeTime(c.DatetimeEnd),
		})
		if err != nil {
			return errors.Join(fetchErr, err)
		}

		pass[c.UUID] = id
	}

	e.logger.Info("contexts stored", slog.Int("count", len(ordered)))

	return fetchErr
}

// collectContexts drains the feed, dropping contexts without a uuid or a
// loadable timezone. A later duplicate replaces an earlier one in place.
// On feed failure the contexts collected so far are returned with the error.
func (e *Engine) collectContexts(ctx context.Context) ([]remote.Context, error) {
	var out []remote.Context
	index := make(map[string]int)

	for page, err := range e.contexts.Contexts(ctx) {
		if err != nil {
			return out, feedError("contexts", err)
		}

		for _, c := range page {
			if c.UUID == "" {
				e.logger.Warn("context without uuid, skipping", slog.String("title", c.Title))
				continue
			}

			if c.Timezone == "" {
				e.logger.Warn("context has no timezone, skipping", slog.String("context", c.UUID))
				continue
			}

			if !knownTimezone(c.Timezone) {
				e.logger.Warn("context has unknown timezone, skipping",
					slog.String("context", c.UUID),
					slog.String("timezone", c.Timezone),
				)

				continue
			}

			if i, ok := index[c.UUID]; ok {
				out[i] = c
				continue
			}

			index[c.UUID] = len(out)
			out = append(out, c)
		}
	}

	return out, nil
}

// orderContexts returns items ordered so that every parent present in items
// precedes its children. Items whose parent is absent from items are roots
// and keep their feed order. Parent cycles cannot be ordered: one member
// of each cycle is reported in broken and treated as a root, which then
// orders the rest of the cycle and its descendants.
func orderContexts(items []remote.Context) ([]remote.Context, map[string]bool) {
	index := make(map[string]int, len(items))
	for i, c := range items {
		index[c.UUID] = i
	}

	children := make(map[int][]int)
	hasParent := make([]bool, len(items))

	for i, c := range items {
		if c.Parent == nil {
			continue
		}

		if p, ok := index[*c.Parent]; ok {
			hasParent[i] = true
			if p != i {
				children[p] = append(children[p], i)
			}
		}
	}

	ordered := make([]remote.Context, 0, len(items))
	emitted := make([]bool, len(items))

	emit := func(root int) {
		queue := []int{root}
		emitted[root] = true

		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			ordered = append(ordered, items[n])

			for _, c := range children[n] {
				if !emitted[c] {
					emitted[c] = true
					queue = append(queue, c)
				}
			}
		}
	}

	for i := range items {
		if !hasParent[i] {
			emit(i)
		}
	}

	broken := make(map[string]bool)

	for i := range items {
		if emitted[i] {
			continue
		}

		// Every unemitted item has a parent in items; climbing from it
		// reaches a cycle.
		n := i
		onPath := make(map[int]bool)

		for !onPath[n] {
			onPath[n] = true
			n = index[*items[n].Parent]
		}

		broken[items[n].UUID] = true
		emit(n)
	}

	return ordered, broken
}

// normalizeTime returns s as RFC 3339 in UTC, or "" when it does not parse.
func normalizeTime(s string) string {
	t, ok := parseTime(s)
	if !ok {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// knownTimezone reports whether name is an IANA zone. "Local" names the
// host's zone rather than a real one and is rejected.
func knownTimezone(name string) bool {
	if name == "" || name == "Local" {
		return false
	}

	_, err := time.LoadLocation(name)

	return err == nil
}
