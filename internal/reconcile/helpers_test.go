package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isle-portal/isle-sync/internal/remote"
	"github.com/isle-portal/isle-sync/internal/store"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "isle.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})

	return s
}

// newTestEngine wires cfg to a fresh store and a fixed clock.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *store.Store) {
	t.Helper()

	if cfg.Store == nil {
		cfg.Store = newTestStore(t)
	}

	cfg.Logger = testLogger(t)

	e := New(cfg)
	e.nowFunc = func() time.Time { return testNow }

	return e, cfg.Store
}

// pagedFeed replays fixed pages, then an optional error.
type pagedFeed[T any] struct {
	pages [][]T
	err   error
	panic bool
}

func (f *pagedFeed[T]) seq() iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		if f.panic {
			panic("feed exploded")
		}

		for _, p := range f.pages {
			if !yield(p, nil) {
				return
			}
		}

		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

type fakeActivities struct{ pagedFeed[remote.Activity] }

func (f *fakeActivities) Activities(context.Context) iter.Seq2[[]remote.Activity, error] {
	return f.seq()
}

type fakeContexts struct{ pagedFeed[remote.Context] }

func (f *fakeContexts) Contexts(context.Context) iter.Seq2[[]remote.Context, error] {
	return f.seq()
}

type fakeAttendance struct {
	pagedFeed[remote.AttendanceEntry]
}

func (f *fakeAttendance) Attendance(context.Context) iter.Seq2[[]remote.AttendanceEntry, error] {
	return f.seq()
}

// countingMetaModels serves fixed metamodels and counts lookups per id.
// failFirst makes the leading lookups of an id fail; onLookup runs before
// every lookup.
type countingMetaModels struct {
	mu        sync.Mutex
	models    map[string]remote.MetaModel
	calls     map[string]int
	failFirst map[string]int
	onLookup  func(ctx context.Context)
}

func newCountingMetaModels(models map[string]remote.MetaModel) *countingMetaModels {
	return &countingMetaModels{models: models, calls: make(map[string]int), failFirst: make(map[string]int)}
}

func (c *countingMetaModels) MetaModel(ctx context.Context, uuid string) (*remote.MetaModel, error) {
	if c.onLookup != nil {
		c.onLookup(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[uuid]++

	if c.calls[uuid] <= c.failFirst[uuid] {
		return nil, &remote.APIError{StatusCode: 503, Err: remote.ErrServerError}
	}

	mm, ok := c.models[uuid]
	if !ok {
		return nil, &remote.APIError{StatusCode: 404, Err: remote.ErrNotFound}
	}

	return &mm, nil
}

func (c *countingMetaModels) count(uuid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls[uuid]
}

// activitiesFeed decodes activity JSON objects into a single-page feed.
func activitiesFeed(t *testing.T, activities ...string) *fakeActivities {
	t.Helper()

	var page []remote.Activity
	require.NoError(t, json.Unmarshal([]byte("["+strings.Join(activities, ",")+"]"), &page))

	return &fakeActivities{pagedFeed[remote.Activity]{pages: [][]remote.Activity{page}}}
}

func activityJSON(uuid, title string, events ...string) string {
	return fmt.Sprintf(`{"uuid":%q,"title":%q,"is_deleted":false,
		"authors":[{"title":"Helper","is_main":false},{"title":"Lead","is_main":true}],
		"types":[{"uuid":"type-1","title":"Lecture","description":"talk"}],
		"runs":[{"uuid":"run-%s","events":[%s]}]}`, uuid, title, uuid, strings.Join(events, ","))
}

func eventJSON(uuid string, start time.Time, blocks ...string) string {
	return eventInContextJSON(uuid, "", start, blocks...)
}

func eventInContextJSON(uuid, contextUUID string, start time.Time, blocks ...string) string {
	return fmt.Sprintf(`{"uuid":%q,"context_uuid":%q,"is_deleted":false,
		"timeslot":{"start":%q,"end":%q},"blocks":[%s]}`,
		uuid, contextUUID, start.Format(time.RFC3339), start.Add(time.Hour).Format(time.RFC3339),
		strings.Join(blocks, ","))
}

func blockJSON(uuid string, results ...string) string {
	return fmt.Sprintf(`{"uuid":%q,"title":"Block %s","type":"lecture","results":[%s]}`,
		uuid, uuid, strings.Join(results, ","))
}

func resultJSON(uuid, meta string) string {
	if meta == "" {
		meta = "null"
	}

	return fmt.Sprintf(`{"uuid":%q,"title":"Result %s","format":"file","fix":"f","check":"c","meta":%s}`,
		uuid, uuid, meta)
}

func blockUUIDs(t *testing.T, s *store.Store, eventUUID string) (live, deleted []string) {
	t.Helper()

	blocks, err := s.Blocks(context.Background(), eventUUID)
	require.NoError(t, err)

	for _, b := range blocks {
		if b.Deleted {
			deleted = append(deleted, b.UUID)
		} else {
			live = append(live, b.UUID)
		}
	}

	return live, deleted
}
