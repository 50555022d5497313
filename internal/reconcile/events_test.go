package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isle-portal/isle-sync/internal/remote"
	"github.com/isle-portal/isle-sync/internal/store"
)

func TestSynchronizeEvents_StoresTree(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(48 * time.Hour)

	feed := activitiesFeed(t, activityJSON("a1", "Robotics",
		eventJSON("e1", start,
			blockJSON("b1", resultJSON("r1", `[{"model":"m1","level":1,"sublevel":"2","sector":"IT"}]`)),
		),
	))

	mm := newCountingMetaModels(map[string]remote.MetaModel{"m1": {Title: "Model", GUID: "g1"}})
	e, s := newTestEngine(t, Config{Activities: feed, MetaModels: mm})

	require.True(t, e.SynchronizeEvents(ctx))

	ev, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ev.IsActive)
	assert.Equal(t, "Robotics", ev.Title)
	assert.True(t, start.Equal(ev.Start))
	assert.NotZero(t, ev.ActivityID)
	assert.NotZero(t, ev.EventTypeID)
	assert.Zero(t, ev.ContextID)

	var data map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Contains(t, data["event"], "timeslot")
	assert.NotContains(t, data["event"], "blocks")
	assert.NotContains(t, data["run"], "events")
	assert.NotContains(t, data["activity"], "runs")
	assert.Contains(t, data["activity"], "authors")

	results, err := s.Results(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Ord)
	assert.JSONEq(t, `[{"model":"m1","level":1,"sublevel":"2","sector":"IT"}]`, string(results[0].Meta))

	m, err := s.MetaModel(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "g1", m.GUID)
}

func TestSynchronizeEvents_Idempotent(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	feed := activitiesFeed(t, activityJSON("a1", "Robotics",
		eventJSON("e1", start, blockJSON("b1", resultJSON("r1", "")), blockJSON("b2")),
		eventJSON("e2", start),
	))

	e, s := newTestEngine(t, Config{Activities: feed})

	require.True(t, e.SynchronizeEvents(ctx))

	counts1, err := s.Counts(ctx)
	require.NoError(t, err)
	ev1, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	blocks1, err := s.Blocks(ctx, "e1")
	require.NoError(t, err)

	require.True(t, e.SynchronizeEvents(ctx))

	counts2, err := s.Counts(ctx)
	require.NoError(t, err)
	ev2, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	blocks2, err := s.Blocks(ctx, "e1")
	require.NoError(t, err)

	assert.Equal(t, counts1, counts2)
	assert.Equal(t, blocks1, blocks2)

	ev1.UpdatedAt, ev2.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, ev1, ev2)
}

func TestSynchronizeEvents_LastPayloadWins(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	e, s := newTestEngine(t, Config{})

	e.activities = activitiesFeed(t, activityJSON("a1", "Old title", eventJSON("e1", start, blockJSON("b1"))))
	require.True(t, e.SynchronizeEvents(ctx))

	later := start.Add(24 * time.Hour)
	e.activities = activitiesFeed(t, activityJSON("a1", "New title", eventJSON("e1", later,
		`{"uuid":"b1","title":"Renamed","description":"d","type":"workshop"}`)))
	require.True(t, e.SynchronizeEvents(ctx))

	ev, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "New title", ev.Title)
	assert.True(t, later.Equal(ev.Start))

	blocks, err := s.Blocks(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Renamed", blocks[0].Title)
	assert.Equal(t, "d", blocks[0].Description)
	assert.Equal(t, "workshop", blocks[0].Type)
}

func TestSynchronizeEvents_BlockRemovedFromFeed(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	e, s := newTestEngine(t, Config{})

	e.activities = activitiesFeed(t, activityJSON("a1", "A", eventJSON("e1", start, blockJSON("b1"), blockJSON("b2"))))
	require.True(t, e.SynchronizeEvents(ctx))

	e.activities = activitiesFeed(t, activityJSON("a1", "A", eventJSON("e1", start, blockJSON("b1"))))
	require.True(t, e.SynchronizeEvents(ctx))

	blocks, err := s.Blocks(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, "b1", blocks[0].UUID)
	assert.False(t, blocks[0].Deleted)
	assert.Equal(t, 1, blocks[0].Ord)

	assert.Equal(t, "b2", blocks[1].UUID)
	assert.True(t, blocks[1].Deleted)
}

func TestSynchronizeEvents_SoftDeleteLeavesSiblingsUntouched(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	e, s := newTestEngine(t, Config{})

	e.activities = activitiesFeed(t, activityJSON("a1", "A", eventJSON("e1", start,
		blockJSON("A", resultJSON("ra", "")),
		blockJSON("B", resultJSON("rb", "")),
		blockJSON("C", resultJSON("rc1", ""), resultJSON("rc2", "")),
	)))
	require.True(t, e.SynchronizeEvents(ctx))

	e.activities = activitiesFeed(t, activityJSON("a1", "A", eventJSON("e1", start,
		blockJSON("A", resultJSON("ra", "")),
		blockJSON("C", resultJSON("rc1", ""), resultJSON("rc2", "")),
	)))
	require.True(t, e.SynchronizeEvents(ctx))

	live, deleted := blockUUIDs(t, s, "e1")
	assert.Equal(t, []string{"A", "C"}, live)
	assert.Equal(t, []string{"B"}, deleted)

	blocks, err := s.Blocks(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, blocks[1].Ord, "C renumbered by position")

	for _, b := range []string{"A", "C"} {
		results, err := s.Results(ctx, b)
		require.NoError(t, err)

		for _, r := range results {
			assert.False(t, r.Deleted, r.UUID)
		}
	}

	// The deleted block keeps its results as they were.
	results, err := s.Results(ctx, "B")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Deleted)
}

func TestSynchronizeEvents_ResultRemovedFromBlock(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	e, s := newTestEngine(t, Config{})

	e.activities = activitiesFeed(t, activityJSON("a1", "A", eventJSON("e1", start,
		blockJSON("b1", resultJSON("r1", ""), resultJSON("r2", ""), resultJSON("r3", "")))))
	require.True(t, e.SynchronizeEvents(ctx))

	e.activities = activitiesFeed(t, activityJSON("a1", "A", eventJSON("e1", start,
		blockJSON("b1", resultJSON("r3", ""), resultJSON("r1", "")))))
	require.True(t, e.SynchronizeEvents(ctx))

	results, err := s.Results(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "r3", results[0].UUID)
	assert.Equal(t, 1, results[0].Ord)
	assert.Equal(t, "r1", results[1].UUID)
	assert.Equal(t, 2, results[1].Ord)
	assert.Equal(t, "r2", results[2].UUID)
	assert.True(t, results[2].Deleted)
}

func TestSynchronizeEvents_DeletionWindow(t *testing.T) {
	ctx := context.Background()

	e, s := newTestEngine(t, Config{KeepEventUUID: "e-keep"})

	e.activities = activitiesFeed(t, activityJSON("a1", "A",
		eventJSON("e-far", testNow.Add(72*time.Hour), blockJSON("b-far")),
		eventJSON("e-near", testNow.Add(30*time.Minute)),
		eventJSON("e-past", testNow.Add(-72*time.Hour)),
		eventJSON("e-keep", testNow.Add(72*time.Hour)),
		eventJSON("e-stay", testNow.Add(72*time.Hour)),
	))
	require.True(t, e.SynchronizeEvents(ctx))

	e.activities = activitiesFeed(t, activityJSON("a1", "A", eventJSON("e-stay", testNow.Add(72*time.Hour))))
	require.True(t, e.SynchronizeEvents(ctx))

	_, err := s.Event(ctx, "e-far")
	assert.ErrorIs(t, err, store.ErrNotFound, "future event purged")

	blocks, err := s.Blocks(ctx, "e-far")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	for _, uuid := range []string{"e-near", "e-past"} {
		ev, err := s.Event(ctx, uuid)
		require.NoError(t, err, uuid)
		assert.False(t, ev.IsActive, uuid)
	}

	for _, uuid := range []string{"e-keep", "e-stay"} {
		ev, err := s.Event(ctx, uuid)
		require.NoError(t, err, uuid)
		assert.True(t, ev.IsActive, uuid)
	}
}

func TestSynchronizeEvents_RemoteErrorAbortsBeforeRetiring(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(72 * time.Hour)

	e, s := newTestEngine(t, Config{})

	e.activities = activitiesFeed(t, activityJSON("a1", "A", eventJSON("e1", start), eventJSON("e2", start)))
	require.True(t, e.SynchronizeEvents(ctx))

	partial := activitiesFeed(t, activityJSON("a1", "Changed", eventJSON("e1", start)))
	partial.err = &remote.APIError{StatusCode: 502, Err: remote.ErrServerError}
	e.activities = partial

	assert.False(t, e.SynchronizeEvents(ctx))

	// Upserts before the failure remain.
	ev, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Changed", ev.Title)

	// Nothing is retired from an incomplete snapshot.
	ev, err = s.Event(ctx, "e2")
	require.NoError(t, err)
	assert.True(t, ev.IsActive)
}

func TestSynchronizeEvents_MetaModelLookedUpOncePerPass(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	encoded, err := json.Marshal(`[{"model":"m1","level":2}]`)
	require.NoError(t, err)

	feed := activitiesFeed(t, activityJSON("a1", "A",
		eventJSON("e1", start, blockJSON("b1",
			resultJSON("r1", `[{"model":"m1"},{"model":"m2"},{"model":"missing"}]`),
			resultJSON("r2", string(encoded)),
		)),
		eventJSON("e2", start, blockJSON("b2", resultJSON("r3", `[{"model":"m1"},{"model":"missing"}]`))),
	))

	mm := newCountingMetaModels(map[string]remote.MetaModel{
		"m1": {Title: "One", GUID: "g1"},
		"m2": {Title: "Two", GUID: "g2"},
	})

	e, s := newTestEngine(t, Config{Activities: feed, MetaModels: mm})
	require.True(t, e.SynchronizeEvents(ctx))

	assert.Equal(t, 1, mm.count("m1"))
	assert.Equal(t, 1, mm.count("m2"))
	assert.Equal(t, 2, mm.count("missing"), "a failed lookup is tried again at the next reference")

	_, err = s.MetaModel(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A new pass starts with an empty dedup set.
	require.True(t, e.SynchronizeEvents(ctx))
	assert.Equal(t, 2, mm.count("m1"))

	results, err := s.Results(ctx, "b1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"model":"m1","level":2}]`, string(results[1].Meta))
}

func TestSynchronizeEvents_MetaModelRetriedAfterFailure(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	feed := activitiesFeed(t, activityJSON("a1", "A",
		eventJSON("e1", start, blockJSON("b1", resultJSON("r1", `[{"model":"m1"}]`))),
		eventJSON("e2", start, blockJSON("b2", resultJSON("r2", `[{"model":"m1"}]`))),
		eventJSON("e3", start, blockJSON("b3", resultJSON("r3", `[{"model":"m1"}]`))),
	))

	mm := newCountingMetaModels(map[string]remote.MetaModel{"m1": {Title: "One", GUID: "g1"}})
	mm.failFirst["m1"] = 1

	e, s := newTestEngine(t, Config{Activities: feed, MetaModels: mm})
	require.True(t, e.SynchronizeEvents(ctx))

	assert.Equal(t, 2, mm.count("m1"), "retried once, then served from the pass cache")

	m, err := s.MetaModel(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "g1", m.GUID)
}

func TestSynchronizeEvents_MetaModelSurvivesRolledBackEvent(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	// e1's structure is rolled back by the block that is not an object.
	feed := activitiesFeed(t, activityJSON("a1", "A",
		eventJSON("e1", start, blockJSON("b1", resultJSON("r1", `[{"model":"m1"}]`)), `"garbage"`),
		eventJSON("e2", start, blockJSON("b2", resultJSON("r2", `[{"model":"m1"}]`))),
	))

	mm := newCountingMetaModels(map[string]remote.MetaModel{"m1": {Title: "One", GUID: "g1"}})

	e, s := newTestEngine(t, Config{Activities: feed, MetaModels: mm})
	require.True(t, e.SynchronizeEvents(ctx))

	assert.Equal(t, 1, mm.count("m1"))

	m, err := s.MetaModel(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "One", m.Title)

	blocks, err := s.Blocks(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestSynchronizeEvents_MetaModelLookupHoldsNoTransaction(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	feed := activitiesFeed(t, activityJSON("a1", "A",
		eventJSON("e1", start, blockJSON("b1", resultJSON("r1", `[{"model":"m1"}]`))),
	))

	mm := newCountingMetaModels(map[string]remote.MetaModel{"m1": {Title: "One", GUID: "g1"}})

	e, s := newTestEngine(t, Config{Activities: feed, MetaModels: mm})

	// The store has a single connection; a read made during the lookup only
	// succeeds when no transaction is open.
	var readErr error

	mm.onLookup = func(ctx context.Context) {
		readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		_, readErr = s.Counts(readCtx)
	}

	require.True(t, e.SynchronizeEvents(ctx))
	require.Equal(t, 1, mm.count("m1"))
	assert.NoError(t, readErr)
}

func TestSynchronizeEvents_MalformedStructureOnlyAffectsItsEvent(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	e, s := newTestEngine(t, Config{})

	e.activities = activitiesFeed(t, activityJSON("a1", "A",
		eventJSON("e1", start, blockJSON("b1")),
		eventJSON("e2", start, blockJSON("b2")),
	))
	require.True(t, e.SynchronizeEvents(ctx))

	// e1's second block is not an object; its whole structure update is
	// abandoned, so b1 keeps its old title and is not soft-deleted.
	e.activities = activitiesFeed(t, activityJSON("a1", "A",
		eventJSON("e1", start, `{"uuid":"b1","title":"Changed"}`, `"garbage"`),
		eventJSON("e2", start, blockJSON("b3")),
	))
	require.True(t, e.SynchronizeEvents(ctx))

	blocks, err := s.Blocks(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Block b1", blocks[0].Title)
	assert.False(t, blocks[0].Deleted)

	live, deleted := blockUUIDs(t, s, "e2")
	assert.Equal(t, []string{"b3"}, live)
	assert.Equal(t, []string{"b2"}, deleted)

	ev, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ev.IsActive, "event itself still seen")
}

func TestSynchronizeEvents_SkipsItemsWithoutUUID(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	feed := activitiesFeed(t,
		`{"title":"No uuid","runs":[{"events":[{"uuid":"orphan"}]}]}`,
		activityJSON("a1", "A",
			`{"is_deleted":false}`,
			eventJSON("e1", start, `{"title":"no uuid"}`, blockJSON("b2", `{"title":"no uuid"}`, resultJSON("r1", ""))),
		),
	)

	e, s := newTestEngine(t, Config{Activities: feed})
	require.True(t, e.SynchronizeEvents(ctx))

	ids, err := s.EventIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Contains(t, ids, "e1")

	blocks, err := s.Blocks(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, 2, blocks[0].Ord, "position counts skipped items")

	results, err := s.Results(ctx, "b2")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Ord)
}

func TestSynchronizeEvents_ResolvesContexts(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	s := newTestStore(t)
	ctxID, err := s.UpsertContext(ctx, store.Context{UUID: "ctx-1", Timezone: "UTC", IsGlobal: true})
	require.NoError(t, err)

	feed := activitiesFeed(t, activityJSON("a1", "A",
		eventInContextJSON("e1", "ctx-1", start),
		eventInContextJSON("e2", "ctx-unknown", start),
	))

	e, _ := newTestEngine(t, Config{Store: s, Activities: feed})
	require.True(t, e.SynchronizeEvents(ctx))

	ev, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ctxID, ev.ContextID)

	ev, err = s.Event(ctx, "e2")
	require.NoError(t, err)
	assert.Zero(t, ev.ContextID)
}

func TestSynchronizeEvents_DeletedEventInactiveAndBadTimesFallBack(t *testing.T) {
	ctx := context.Background()

	feed := activitiesFeed(t, activityJSON("a1", "A",
		`{"uuid":"e1","is_deleted":true,"timeslot":{"start":"not a date","end":"2026-06-02 10:00:00"}}`,
		`{"uuid":"e2"}`,
	))

	e, s := newTestEngine(t, Config{Activities: feed})
	require.True(t, e.SynchronizeEvents(ctx))

	ev, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ev.IsActive)
	assert.True(t, testNow.Equal(ev.Start))
	assert.True(t, time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC).Equal(ev.End))

	ev, err = s.Event(ctx, "e2")
	require.NoError(t, err)
	assert.True(t, ev.IsActive)
	assert.True(t, testNow.Equal(ev.Start))
}

func TestSynchronizeEvents_PanicReportsFailure(t *testing.T) {
	feed := &fakeActivities{pagedFeed[remote.Activity]{panic: true}}
	e, _ := newTestEngine(t, Config{Activities: feed})

	assert.False(t, e.SynchronizeEvents(context.Background()))
}

func TestSynchronizeEvents_NotConfigured(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	assert.False(t, e.SynchronizeEvents(context.Background()))
}

func TestSynchronizeEvents_EventTypeUpsertedOncePerPass(t *testing.T) {
	ctx := context.Background()
	start := testNow.Add(2 * time.Hour)

	var acts []string
	for i := range 3 {
		acts = append(acts, activityJSON(fmt.Sprintf("a%d", i), "A", eventJSON(fmt.Sprintf("e%d", i), start)))
	}

	e, s := newTestEngine(t, Config{Activities: activitiesFeed(t, acts...)})
	require.True(t, e.SynchronizeEvents(ctx))

	var typeIDs []int64

	for i := range 3 {
		ev, err := s.Event(ctx, fmt.Sprintf("e%d", i))
		require.NoError(t, err)

		typeIDs = append(typeIDs, ev.EventTypeID)
	}

	assert.Equal(t, typeIDs[0], typeIDs[1])
	assert.Equal(t, typeIDs[0], typeIDs[2])

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Activities)
}
