//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRemote serves every remote endpoint from one server. Feeds are
// swapped between CLI runs to simulate remote changes.
type fakeRemote struct {
	srv *httptest.Server

	mu         sync.Mutex
	activities string
	contexts   string
	attendance string
	users      map[int64]bool
	hits       map[string]int
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()

	f := &fakeRemote{
		activities: "[]",
		contexts:   "[]",
		attendance: "[]",
		users:      map[int64]bool{},
		hits:       map[string]int{},
	}

	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeRemote) set(activities, contexts, attendance string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.activities, f.contexts, f.attendance = activities, contexts, attendance
}

func (f *fakeRemote) knowUser(untiID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.users[untiID] = true
}

func (f *fakeRemote) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.hits[path]
}

func (f *fakeRemote) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hits[r.URL.Path]++

	switch {
	case r.URL.Path == "/api/token/":
		if user, pass, ok := r.BasicAuth(); !ok || user != "svc" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		fmt.Fprint(w, `{"token":"labs-token","duration":3600}`)

	case r.URL.Path == "/api/v1/activities/":
		if !bearer(w, r, "labs-token") {
			return
		}

		fmt.Fprintf(w, `{"results":%s,"next":null}`, f.activities)

	case r.URL.Path == "/api/v1/contexts/":
		if !bearer(w, r, "sso-token") {
			return
		}

		fmt.Fprint(w, f.contexts)

	case r.URL.Path == "/api/v1/checkin/":
		if !bearer(w, r, "labs-token") {
			return
		}

		fmt.Fprint(w, f.attendance)

	case strings.HasPrefix(r.URL.Path, "/api/v1/model/"):
		if !bearer(w, r, "labs-token") {
			return
		}

		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/model/"), "/")
		fmt.Fprintf(w, `{"title":"Model %s","guid":"guid-%s"}`, id, id)

	case r.URL.Path == "/api/push-user-to-uploads/":
		if r.Header.Get("X-SSO-API-KEY") != "sso-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		var in struct {
			UntiID int64 `json:"unti_id"`
		}

		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || !f.users[in.UntiID] {
			fmt.Fprint(w, `{"status":null}`)
			return
		}

		fmt.Fprintf(w, `{"status":"ok","user":{"unti_id":%d,"username":"user%d"}}`, in.UntiID, in.UntiID)

	case r.URL.Path == "/api/v1/casbin/":
		if !bearer(w, r, "sso-token") {
			return
		}

		fmt.Fprint(w, `{"model":"[request_definition]","policy":[["p","admin","*"]]}`)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func bearer(w http.ResponseWriter, r *http.Request, want string) bool {
	if r.Header.Get("Authorization") != "Bearer "+want {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	return true
}

func activity(uuid string, events ...string) string {
	return fmt.Sprintf(`{"uuid":%q,"title":"Activity %s","is_deleted":false,
		"authors":[{"title":"Lead","is_main":true}],
		"types":[{"uuid":"type-1","title":"Lecture"}],
		"runs":[{"uuid":"run-%s","events":[%s]}]}`, uuid, uuid, uuid, strings.Join(events, ","))
}

func event(uuid, contextUUID string, start time.Time) string {
	return fmt.Sprintf(`{"uuid":%q,"context_uuid":%q,"is_deleted":false,
		"timeslot":{"start":%q,"end":%q},
		"blocks":[{"uuid":"b-%s","title":"Block","type":"lecture","results":[
			{"uuid":"r-%s","title":"Result","format":"file","meta":"[{\"model\":\"m1\",\"level\":1}]"}]}]}`,
		uuid, contextUUID, start.Format(time.RFC3339), start.Add(time.Hour).Format(time.RFC3339), uuid, uuid)
}

func contextJSON(uuid string, parent string) string {
	p := "null"
	if parent != "" {
		p = fmt.Sprintf("%q", parent)
	}

	return fmt.Sprintf(`{"uuid":%q,"timezone":"UTC","status":"active","title":"Context %s","parent":%s}`,
		uuid, uuid, p)
}
