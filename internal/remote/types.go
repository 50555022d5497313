package remote

import (
	"encoding/json"
)

// Activity is one entry of the activities feed. Raw keeps the full object
// for the event data snapshot.
type Activity struct {
	UUID      string         `json:"uuid"`
	Title     string         `json:"title"`
	IsDeleted bool           `json:"is_deleted"`
	Authors   []Author       `json:"authors"`
	Types     []ActivityType `json:"types"`
	Runs      []Run          `json:"runs"`

	Raw json.RawMessage `json:"-"`
}

// Author of an activity; at most one is flagged main.
type Author struct {
	Title  string `json:"title"`
	IsMain bool   `json:"is_main"`
}

// ActivityType maps onto a local event type.
type ActivityType struct {
	UUID        string `json:"uuid"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Run groups the events of one activity run.
type Run struct {
	UUID   string  `json:"uuid"`
	Events []Event `json:"events"`

	Raw json.RawMessage `json:"-"`
}

// Event is one scheduled event inside a run. Blocks stay undecoded so a
// malformed structure only affects this event's reconciliation.
type Event struct {
	UUID        string            `json:"uuid"`
	ContextUUID string            `json:"context_uuid"`
	IsDeleted   bool              `json:"is_deleted"`
	Timeslot    *Timeslot         `json:"timeslot"`
	Blocks      []json.RawMessage `json:"blocks"`

	Raw json.RawMessage `json:"-"`
}

// Timeslot holds RFC 3339 start/end strings as sent by the remote.
type Timeslot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Block is one element of an event's structure.
type Block struct {
	UUID        string            `json:"uuid"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Type        string            `json:"type"`
	Results     []json.RawMessage `json:"results"`
}

// Result is one expected result inside a block. Meta is either a JSON list
// or a JSON-encoded string holding a list; see reconcile.ParseMeta.
type Result struct {
	UUID   string          `json:"uuid"`
	Title  string          `json:"title"`
	Format string          `json:"format"`
	Fix    string          `json:"fix"`
	Check  string          `json:"check"`
	Meta   json.RawMessage `json:"meta"`
}

// Context is one organizational context from the contexts feed.
type Context struct {
	UUID          string  `json:"uuid"`
	Timezone      string  `json:"timezone"`
	Status        string  `json:"status"`
	CtType        string  `json:"ct_type"`
	Title         string  `json:"title"`
	GUID          string  `json:"guid"`
	DatetimeStart string  `json:"datetime_start"`
	DatetimeEnd   string  `json:"datetime_end"`
	Description   string  `json:"description"`
	Parent        *string `json:"parent"`
}

// AttendanceEntry is one check-in record.
type AttendanceEntry struct {
	EventUUID  string  `json:"event_uuid"`
	UntiID     flexInt `json:"unti_id"`
	Attendance bool    `json:"attendance"`
	Checkin    bool    `json:"checkin"`
}

// Attended reports whether the entry marks the user as present.
func (a AttendanceEntry) Attended() bool {
	return a.Attendance || a.Checkin
}

// User returns the external numeric user identity.
func (a AttendanceEntry) User() int64 {
	return int64(a.UntiID)
}

// MetaModel is the metamodel lookup response.
type MetaModel struct {
	Title string `json:"title"`
	GUID  string `json:"guid"`
}

// PushedUser is the optional user profile returned by the user-pull endpoint.
type PushedUser struct {
	UntiID    flexInt `json:"unti_id"`
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
}

// ID returns the external numeric user identity.
func (u PushedUser) ID() int64 {
	return int64(u.UntiID)
}

// PushResult is the user-pull endpoint response.
type PushResult struct {
	Status json.RawMessage `json:"status"`
	User   *PushedUser     `json:"user"`
}

// OK reports the success flag: a present, non-null status.
func (p PushResult) OK() bool {
	return len(p.Status) > 0 && string(p.Status) != "null"
}

// Policy is the access-policy snapshot served by SSO.
type Policy struct {
	Model  string          `json:"model"`
	Policy json.RawMessage `json:"policy"`
}

// The feed objects below keep their raw JSON for snapshots.

func (a *Activity) UnmarshalJSON(data []byte) error {
	type alias Activity

	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	*a = Activity(v)
	a.Raw = append(json.RawMessage(nil), data...)

	return nil
}

func (r *Run) UnmarshalJSON(data []byte) error {
	type alias Run

	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	*r = Run(v)
	r.Raw = append(json.RawMessage(nil), data...)

	return nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event

	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	*e = Event(v)
	e.Raw = append(json.RawMessage(nil), data...)

	return nil
}

// Snapshot returns raw with the given top-level keys removed. A raw value
// that is not a JSON object yields an empty object.
func Snapshot(raw json.RawMessage, exclude ...string) map[string]json.RawMessage {
	m := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]json.RawMessage{}
	}

	for _, k := range exclude {
		delete(m, k)
	}

	return m
}
