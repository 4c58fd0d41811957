package domain

import (
	"fmt"
	"time"
)

// DirtyStatus tracks whether a local record still has to reach the remote store.
type DirtyStatus string

const (
	StatusCreated DirtyStatus = "created"
	StatusUpdated DirtyStatus = "updated"
	StatusDeleted DirtyStatus = "deleted"
	StatusSynced  DirtyStatus = "synced"
)

func (s DirtyStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusUpdated, StatusDeleted, StatusSynced:
		return true
	}
	return false
}

// Record is a flat keyed row shared by the local and remote stores.
//
// UpdatedAt keeps the raw timestamp text; it may be empty or unparseable and
// conflict resolution has rules for both cases.
type Record struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt string         `json:"updated_at"`
	Status    DirtyStatus    `json:"_status,omitempty"`
	OwnerID   string         `json:"user_id,omitempty"`
	Conflict  *Envelope      `json:"_conflict,omitempty"`
}

// Envelope carries both originals of a conflict left for the caller to settle.
type Envelope struct {
	Local  Record `json:"local"`
	Server Record `json:"server"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.Fields = cloneMap(r.Fields)
	if r.Conflict != nil {
		env := Envelope{Local: r.Conflict.Local.Clone(), Server: r.Conflict.Server.Clone()}
		out.Conflict = &env
	}
	return out
}

func (r Record) String() string {
	return fmt.Sprintf("%s@%s[%s]", r.ID, r.UpdatedAt, r.Status)
}

// Timestamp parses UpdatedAt.
func (r Record) Timestamp() (time.Time, bool) {
	return ParseTimestamp(r.UpdatedAt)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC3339 and the common SQL datetime shapes. Zoneless values are UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp is the canonical UpdatedAt encoding.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
