package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/isle-portal/isle-sync/internal/remote"
	"github.com/isle-portal/isle-sync/internal/store"
)

// eventRef identifies the event whose structure is being reconciled.
// created is set when the event row did not exist before this pass.
type eventRef struct {
	id      int64
	uuid    string
	created bool
}

// reconcileStructure upserts the event's blocks and results in one
// transaction and soft-deletes the ones no longer present. Order is the
// 1-based position in the payload. Any failure, including a payload that
// cannot be decoded, rolls back this event's structure only.
func (e *Engine) reconcileStructure(
	ctx context.Context, st *passState, ev eventRef, blocks []json.RawMessage,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic reconciling event structure",
				slog.String("event", ev.uuid),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)

			err = fmt.Errorf("reconcile: panic in structure of event %s: %v", ev.uuid, r)
		}
	}()

	models := referencedModels(blocks)
	st.resolveMetaModels(ctx, e.metaModels, models, e.logger)

	return e.store.InTx(ctx, func(tx *store.Tx) error {
		existing := map[string]int64{}

		if !ev.created {
			live, err := tx.LiveBlocks(ctx, ev.id)
			if err != nil {
				return err
			}

			existing = live
		}

		touched := make(map[string]bool, len(blocks))

		for i, raw := range blocks {
			var b remote.Block
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("reconcile: decoding block %d of event %s: %w", i+1, ev.uuid, err)
			}

			if b.UUID == "" {
				e.logger.Error("block without uuid, skipping",
					slog.String("event", ev.uuid),
					slog.Int("position", i+1),
				)

				continue
			}

			blockID, err := tx.UpsertBlock(ctx, store.Block{
				UUID:        b.UUID,
				EventID:     ev.id,
				Title:       b.Title,
				Description: b.Description,
				Type:        b.Type,
				Ord:         i + 1,
			})
			if err != nil {
				return err
			}

			touched[b.UUID] = true

			if err := e.reconcileResults(ctx, tx, blockID, b.UUID, b.Results); err != nil {
				return err
			}
		}

		if err := st.storeMetaModels(ctx, tx, models); err != nil {
			return err
		}

		if stale := untouched(existing, touched); len(stale) > 0 {
			e.logger.Debug("soft-deleting blocks",
				slog.String("event", ev.uuid),
				slog.Int("count", len(stale)),
			)

			return tx.SoftDeleteBlocks(ctx, stale)
		}

		return nil
	})
}

func (e *Engine) reconcileResults(
	ctx context.Context, tx *store.Tx, blockID int64, blockUUID string, results []json.RawMessage,
) error {
	existing, err := tx.LiveResults(ctx, blockID)
	if err != nil {
		return err
	}

	touched := make(map[string]bool, len(results))

	for i, raw := range results {
		var r remote.Result
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("reconcile: decoding result %d of block %s: %w", i+1, blockUUID, err)
		}

		if r.UUID == "" {
			e.logger.Error("result without uuid, skipping",
				slog.String("block", blockUUID),
				slog.Int("position", i+1),
			)

			continue
		}

		if _, err := tx.UpsertResult(ctx, store.Result{
			UUID:    r.UUID,
			BlockID: blockID,
			Title:   r.Title,
			Format:  r.Format,
			Fix:     r.Fix,
			Check:   r.Check,
			Ord:     i + 1,
			Meta:    ParseMeta(r.Meta).List,
		}); err != nil {
			return err
		}

		touched[r.UUID] = true
	}

	if stale := untouched(existing, touched); len(stale) > 0 {
		return tx.SoftDeleteResults(ctx, stale)
	}

	return nil
}

// referencedModels collects the distinct model ids referenced by the results
// of blocks, in order. Items that do not decode are ignored here; the
// transaction reports them.
func referencedModels(blocks []json.RawMessage) []string {
	var ids []string

	seen := map[string]bool{}

	for _, raw := range blocks {
		var b remote.Block
		if json.Unmarshal(raw, &b) != nil || b.UUID == "" {
			continue
		}

		for _, rawResult := range b.Results {
			var r remote.Result
			if json.Unmarshal(rawResult, &r) != nil || r.UUID == "" {
				continue
			}

			for _, id := range ParseMeta(r.Meta).ModelIDs() {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}

	return ids
}

// untouched returns the ids of existing rows whose uuid was not touched.
func untouched(existing map[string]int64, touched map[string]bool) []int64 {
	var ids []int64

	for uuid, id := range existing {
		if !touched[uuid] {
			ids = append(ids, id)
		}
	}

	return ids
}
