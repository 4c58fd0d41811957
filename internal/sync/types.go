package sync

import (
	"fmt"
	"time"

	"offline-sync-service/internal/domain"
)

// Stage is where a Synchronize call currently is.
type Stage string

const (
	StageIdle               Stage = "IDLE"
	StageInitializing       Stage = "INITIALIZING"
	StagePushing            Stage = "PUSHING"
	StagePulling            Stage = "PULLING"
	StageResolvingConflicts Stage = "RESOLVING_CONFLICTS"
	StageCompleted          Stage = "COMPLETED"
	StageError              Stage = "ERROR"
)

// RecordFailure is a record that was skipped because its push or pull failed.
type RecordFailure struct {
	Table    string `json:"table"`
	RecordID string `json:"recordId"`
	Phase    Stage  `json:"phase"`
	Error    string `json:"error"`
}

type Stats struct {
	Pushed    int             `json:"pushed"`
	Pulled    int             `json:"pulled"`
	Conflicts int             `json:"conflicts"`
	Skipped   int             `json:"skipped"`
	Failures  []RecordFailure `json:"failures,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Result reports one Synchronize call. Conflicts holds the envelopes left
// unresolved under the MANUAL strategy.
type Result struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Stage     Stage           `json:"stage"`
	Stats     *Stats          `json:"stats,omitempty"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
	Conflicts []domain.Record `json:"conflicts,omitempty"`
}

type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// RemoteChange is a row event observed on the remote database's binlog.
type RemoteChange struct {
	Type       ChangeType
	Schema     string
	Table      string
	Rows       int
	Timestamp  uint32
	BinlogFile string
	BinlogPos  uint32
}

func (c RemoteChange) String() string {
	return fmt.Sprintf("[%s] %s.%s (%d rows)", c.Type, c.Schema, c.Table, c.Rows)
}
