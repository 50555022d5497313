package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPages_FollowsNextLinks(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			fmt.Fprintf(w, `{"results":[{"uuid":"a1","title":"One"}],"next":"%s/api/v1/activities/?page=2"}`, srv.URL)
		case "2":
			fmt.Fprint(w, `{"results":[{"uuid":"a2","title":"Two"}],"next":null}`)
		default:
			t.Errorf("unexpected page %q", r.URL.RawQuery)
		}
	}))
	defer srv.Close()

	labs := NewLabs(newTestClient(t, srv.URL, staticToken("t")))

	var uuids []string
	for page, err := range labs.Activities(context.Background()) {
		require.NoError(t, err)

		for _, a := range page {
			uuids = append(uuids, a.UUID)
		}
	}

	assert.Equal(t, []string{"a1", "a2"}, uuids)
}

func TestPages_BareArrayIsSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"event_uuid":"e1","unti_id":"42","checkin":true},{"event_uuid":"e2","unti_id":7}]`)
	}))
	defer srv.Close()

	xle := NewXLE(newTestClient(t, srv.URL, nil))

	var pages int
	var entries []AttendanceEntry

	for page, err := range xle.Attendance(context.Background()) {
		require.NoError(t, err)

		pages++
		entries = append(entries, page...)
	}

	assert.Equal(t, 1, pages)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(42), entries[0].User())
	assert.True(t, entries[0].Attended())
	assert.False(t, entries[1].Attended())
}

func TestPages_ErrorStopsIteration(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		fmt.Fprintf(w, `{"results":[{"uuid":"c1","timezone":"UTC"}],"next":"%s/api/v1/contexts/?page=2"}`, srv.URL)
	}))
	defer srv.Close()

	sso := NewSSO(newTestClient(t, srv.URL, nil), nil, slog.Default())

	var got []string
	var errs []error

	for page, err := range sso.Contexts(context.Background()) {
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, c := range page {
			got = append(got, c.UUID)
		}
	}

	assert.Equal(t, []string{"c1"}, got)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRemoteAPI)
}

func TestPages_LoopDetected(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"results":[],"next":"%s/api/v1/checkin/"}`, srv.URL)
	}))
	defer srv.Close()

	// The first request uses the relative path, so the absolute self-link is
	// fetched once more before the loop is detected.
	xle := NewXLE(newTestClient(t, srv.URL, nil))

	var lastErr error
	for _, err := range xle.Attendance(context.Background()) {
		lastErr = err
	}

	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, ErrMalformed)
}

func TestPages_MalformedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"results": 12}`)
	}))
	defer srv.Close()

	labs := NewLabs(newTestClient(t, srv.URL, nil))

	for _, err := range labs.Activities(context.Background()) {
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestActivity_KeepsRawForSnapshot(t *testing.T) {
	raw := `{"uuid":"a1","title":"T","runs":[{"uuid":"r1","events":[{"uuid":"e1","blocks":[{"uuid":"b1"}],"extra":5}]}]}`

	var a Activity
	require.NoError(t, json.Unmarshal([]byte(raw), &a))

	require.Len(t, a.Runs, 1)
	require.Len(t, a.Runs[0].Events, 1)

	ev := a.Runs[0].Events[0]
	snap := Snapshot(ev.Raw, "blocks", "time_slot")
	assert.Contains(t, snap, "extra")
	assert.NotContains(t, snap, "blocks")

	assert.NotContains(t, Snapshot(a.Raw, "runs"), "runs")
	assert.Empty(t, Snapshot(json.RawMessage(`null`)))
}

func TestDP_MetaModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/model/m1/":
			fmt.Fprint(w, `{"title":"Model one","guid":"g1"}`)
		case "/api/v1/model/partial/":
			fmt.Fprint(w, `{"title":"Only title"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dp := NewDP(newTestClient(t, srv.URL, staticToken("t")))

	mm, err := dp.MetaModel(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, MetaModel{Title: "Model one", GUID: "g1"}, *mm)

	_, err = dp.MetaModel(context.Background(), "partial")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = dp.MetaModel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSSO_PushUser(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/push-user-to-uploads/", r.URL.Path)
		assert.Equal(t, "sso-key", r.Header.Get("X-SSO-API-KEY"))

		body, _ := io.ReadAll(r.Body)

		var in map[string]int64
		require.NoError(t, json.Unmarshal(body, &in))

		if in["unti_id"] == 404 {
			fmt.Fprint(w, `{"status":null}`)
			return
		}

		fmt.Fprintf(w, `{"status":"ok","user":{"unti_id":%d,"username":"u%d"}}`, in["unti_id"], in["unti_id"])
	}))
	defer srv.Close()

	push := NewClient(ClientConfig{BaseURL: srv.URL, Token: NewStaticTokenSource("sso-key"), AuthHeader: "X-SSO-API-KEY"})
	sso := NewSSO(nil, push, slog.Default())

	res, err := sso.PushUser(context.Background(), 17)
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.Equal(t, int64(17), res.User.ID())
	assert.Equal(t, "u17", res.User.Username)

	_, err = sso.PushUser(context.Background(), 404)
	assert.ErrorIs(t, err, ErrRemoteAPI)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSSO_Policy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"model":"[request_definition]","policy":[["p","admin","*"]]}`)
	}))
	defer srv.Close()

	sso := NewSSO(newTestClient(t, srv.URL, nil), nil, nil)

	p, err := sso.Policy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[request_definition]", p.Model)
	assert.JSONEq(t, `[["p","admin","*"]]`, string(p.Policy))
}
