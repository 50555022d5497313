package reconcile

import (
	"bytes"
	"encoding/json"
)

// MetaKind tags the variant held by a Meta.
type MetaKind int

const (
	// MetaEmpty means the result carries no usable meta.
	MetaEmpty MetaKind = iota
	// MetaCells means the result carries a list of cell descriptors.
	MetaCells
)

// Cell is one meta descriptor classifying uploaded artifacts. Numeric
// fields arrive as numbers or strings and are kept as text.
type Cell struct {
	Model      string     `json:"model"`
	Competence string     `json:"competence"`
	Level      flexString `json:"level"`
	Sublevel   flexString `json:"sublevel"`
	Sector     flexString `json:"sector"`
}

// Meta is the parsed meta of a result.
type Meta struct {
	Kind  MetaKind
	Cells []Cell

	// List is the normalized JSON list stored with the result.
	List json.RawMessage
}

// ParseMeta interprets a raw meta value. A JSON list is taken as is; a JSON
// string is decoded once more and must hold a list. Anything else,
// including null and invalid encodings, yields MetaEmpty. It never fails.
func ParseMeta(raw json.RawMessage) Meta {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Meta{}
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Meta{}
		}

		raw = bytes.TrimSpace([]byte(inner))
	}

	if len(raw) == 0 || raw[0] != '[' {
		return Meta{}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return Meta{}
	}

	m := Meta{Kind: MetaCells, Cells: make([]Cell, 0, len(items))}

	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			continue
		}

		var c Cell
		if err := json.Unmarshal(item, &c); err != nil {
			continue
		}

		m.Cells = append(m.Cells, c)
	}

	// Compact keeps the stored form stable across string and list encodings.
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Meta{}
	}

	m.List = buf.Bytes()

	return m
}

// ModelIDs returns the distinct model references of the cells in order.
func (m Meta) ModelIDs() []string {
	var ids []string
	seen := make(map[string]bool)

	for _, c := range m.Cells {
		if c.Model == "" || seen[c.Model] {
			continue
		}

		seen[c.Model] = true
		ids = append(ids, c.Model)
	}

	return ids
}

// flexString accepts a JSON string, number, or null.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}

		*f = flexString(n.String())
	}

	return nil
}

// String returns the text form.
func (f flexString) String() string {
	return string(f)
}
