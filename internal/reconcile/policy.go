package reconcile

import (
	"context"
	"log/slog"

	"github.com/isle-portal/isle-sync/internal/store"
)

// SynchronizePolicy replaces the stored access-policy snapshot with the one
// served by the identity service.
func (e *Engine) SynchronizePolicy(ctx context.Context) bool {
	return e.guard("policy", func() error {
		if e.policies == nil {
			return errFeedNotConfigured
		}

		p, err := e.policies.Policy(ctx)
		if err != nil {
			return feedError("policy", err)
		}

		rules := []byte(p.Policy)
		if len(rules) == 0 {
			rules = []byte("[]")
		}

		if err := e.store.SavePolicy(ctx, p.Model, rules); err != nil {
			return err
		}

		e.logger.Info("policy snapshot stored", slog.Int("policy_bytes", len(rules)))

		return nil
	})
}

// RefreshMetaModel looks up one metamodel and stores it. Used when a change
// notification names a model.
func (e *Engine) RefreshMetaModel(ctx context.Context, modelID string) bool {
	return e.guard("metamodel", func() error {
		if e.metaModels == nil {
			return errFeedNotConfigured
		}

		mm, err := e.metaModels.MetaModel(ctx, modelID)
		if err != nil {
			return feedError("metamodel "+modelID, err)
		}

		return e.store.UpsertMetaModel(ctx, store.MetaModel{UUID: modelID, GUID: mm.GUID, Title: mm.Title})
	})
}

// PullUser pulls one user from the identity service. Used when a change
// notification names a user. Returns false if the user could not be
// resolved locally afterwards.
func (e *Engine) PullUser(ctx context.Context, untiID int64) bool {
	return e.guard("user", func() error {
		if _, ok := e.pullUser(ctx, untiID); !ok {
			return store.ErrNotFound
		}

		return nil
	})
}
