package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Scopes used for SyncState rows.
const (
	ScopeCheckpoint = "checkpoint"
	ScopeBinlog     = "binlog"
)

// SyncState is a named position the sync engine resumes from: the pull
// checkpoint, or the binlog coordinates of the realtime listener.
type SyncState struct {
	Scope          string         `db:"scope"`
	LastSyncTime   sql.NullTime   `db:"last_sync_time"`
	BinlogFile     sql.NullString `db:"binlog_file"`
	BinlogPosition sql.NullInt64  `db:"binlog_position"`
	RowsSynced     int64          `db:"rows_synced"`
	Status         string         `db:"status"`
	ErrorMessage   sql.NullString `db:"error_message"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Conflict is a divergence left for the caller under the MANUAL strategy.
type Conflict struct {
	ID                 string          `db:"id"`
	TableName          string          `db:"table_name"`
	RecordID           string          `db:"record_id"`
	LocalData          json.RawMessage `db:"local_data"`
	CloudData          json.RawMessage `db:"cloud_data"`
	ConflictType       string          `db:"conflict_type"`
	DetectedAt         time.Time       `db:"detected_at"`
	Resolved           bool            `db:"resolved"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy"`
	ResolvedAt         sql.NullTime    `db:"resolved_at"`
	ResolvedData       json.RawMessage `db:"resolved_data"`
}

// SyncHistory is one synchronize run.
type SyncHistory struct {
	ID                string         `db:"id"`
	StartedAt         time.Time      `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	Strategy          string         `db:"strategy"`
	TablesSynced      string         `db:"tables_synced"`
	Pushed            int            `db:"pushed"`
	Pulled            int            `db:"pulled"`
	ConflictsDetected int            `db:"conflicts_detected"`
	Skipped           int            `db:"skipped"`
	Status            string         `db:"status"`
	ErrorMessage      sql.NullString `db:"error_message"`
}
