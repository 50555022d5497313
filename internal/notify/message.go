package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Entity types carried in change notifications.
const (
	typeModel        = "model"
	typeUser         = "user"
	typeCasbinPolicy = "casbin_policy"
	typeCasbinModel  = "casbin_model"
)

// Actions carried in change notifications.
const (
	actionCreate = "create"
	actionUpdate = "update"
	actionDelete = "delete"
)

var errMalformed = errors.New("notify: malformed message")

// Message is one change notification: an entity type, the action applied
// to it, and the entity id.
type Message struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	ID     json.RawMessage `json:"id"`
}

// parseMessage decodes a frame and normalizes type and action to lower case.
func parseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", errMalformed, err)
	}

	m.Type = strings.ToLower(strings.TrimSpace(m.Type))
	m.Action = strings.ToLower(strings.TrimSpace(m.Action))

	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", errMalformed)
	}

	return m, nil
}

// StringID returns the id as a string, accepting a JSON string or number.
func (m Message) StringID() (string, error) {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing id", errMalformed)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("%w: empty id", errMalformed)
		}

		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: id %s", errMalformed, raw)
	}

	return n.String(), nil
}

// IntID returns the id as an integer, accepting a JSON number or a numeric
// string.
func (m Message) IntID() (int64, error) {
	s, err := m.StringID()
	if err != nil {
		return 0, err
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q is not numeric", errMalformed, s)
	}

	return n, nil
}
