package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"2023-02-15T10:00:00Z", true, time.Date(2023, 2, 15, 10, 0, 0, 0, time.UTC)},
		{"2023-02-15T10:00:00.5+01:00", true, time.Date(2023, 2, 15, 9, 0, 0, 500000000, time.UTC)},
		{"2023-02-15 10:00:00", true, time.Date(2023, 2, 15, 10, 0, 0, 0, time.UTC)},
		{"2023-02-15", true, time.Date(2023, 2, 15, 0, 0, 0, 0, time.UTC)},
		{"", false, time.Time{}},
		{"yesterday", false, time.Time{}},
	}

	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseTimestamp(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	orig := Record{
		ID: "r1",
		Fields: map[string]any{
			"title": "a",
			"meta":  map[string]any{"tags": []any{"x", "y"}},
		},
		Conflict: &Envelope{Local: Record{ID: "r1", Fields: map[string]any{"n": 1}}},
	}

	c := orig.Clone()
	c.Fields["title"] = "b"
	c.Fields["meta"].(map[string]any)["tags"].([]any)[0] = "z"
	c.Conflict.Local.Fields["n"] = 2

	if orig.Fields["title"] != "a" {
		t.Error("top-level field shared with clone")
	}
	if orig.Fields["meta"].(map[string]any)["tags"].([]any)[0] != "x" {
		t.Error("nested slice shared with clone")
	}
	if orig.Conflict.Local.Fields["n"] != 1 {
		t.Error("envelope shared with clone")
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", NewestWins, false},
		{"server_wins", ServerWins, false},
		{" CLIENT_WINS ", ClientWins, false},
		{"Manual", Manual, false},
		{"LOUDEST_WINS", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseStrategy(%q) err = %v", tt.in, err)
		}
		if tt.wantErr && !errors.Is(err, ErrValidation) {
			t.Errorf("ParseStrategy(%q) err = %v, want ErrValidation", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(errors.Join(errors.New("dial"), ErrNetwork)) {
		t.Error("network error should be fatal")
	}
	if IsFatal(ErrNotFound) {
		t.Error("not found should not be fatal")
	}
}
