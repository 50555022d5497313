package reconcile

import (
	"context"
	"log/slog"

	"github.com/isle-portal/isle-sync/internal/remote"
	"github.com/isle-portal/isle-sync/internal/store"
)

// passState is the memoization scoped to one events pass. It is created at
// the start of the pass and threaded through every call; nothing survives
// into the next pass.
type passState struct {
	eventTypes map[string]int64            // remote type uuid → local id
	metaModels map[string]remote.MetaModel // successful lookups this pass
	seen       map[string]bool             // event uuids processed this pass
}

func newPassState() *passState {
	return &passState{
		eventTypes: make(map[string]int64),
		metaModels: make(map[string]remote.MetaModel),
		seen:       make(map[string]bool),
	}
}

// eventType resolves the local id of an activity type, upserting it on first
// sight within the pass.
func (p *passState) eventType(ctx context.Context, s *store.Store, t remote.ActivityType) (int64, error) {
	if id, ok := p.eventTypes[t.UUID]; ok {
		return id, nil
	}

	id, err := s.UpsertEventType(ctx, store.EventType{
		UUID:        t.UUID,
		Title:       t.Title,
		Description: t.Description,
	})
	if err != nil {
		return 0, err
	}

	p.eventTypes[t.UUID] = id

	return id, nil
}

// resolveMetaModels looks up every model id not yet resolved in this pass.
// Only successes are remembered; a failed id is tried again at its next
// reference. It runs outside any transaction since it performs remote I/O.
func (p *passState) resolveMetaModels(
	ctx context.Context, lookup MetaModelLookup, modelIDs []string, logger *slog.Logger,
) {
	if lookup == nil {
		return
	}

	for _, id := range modelIDs {
		if id == "" {
			continue
		}

		if _, ok := p.metaModels[id]; ok {
			continue
		}

		mm, err := lookup.MetaModel(ctx, id)
		if err != nil {
			logger.Debug("metamodel lookup failed, skipping",
				slog.String("model", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		p.metaModels[id] = *mm
	}
}

// storeMetaModels writes the resolved metamodels among modelIDs inside tx.
// Every transaction that references a model writes it, so a rolled back
// event never loses a model for the events after it.
func (p *passState) storeMetaModels(ctx context.Context, tx *store.Tx, modelIDs []string) error {
	for _, id := range modelIDs {
		mm, ok := p.metaModels[id]
		if !ok {
			continue
		}

		if err := tx.UpsertMetaModel(ctx, store.MetaModel{UUID: id, GUID: mm.GUID, Title: mm.Title}); err != nil {
			return err
		}
	}

	return nil
}
