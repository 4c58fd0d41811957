package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/database"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/logger"
)

// SQLStore implements Store on SQLite or MySQL.
type SQLStore struct {
	db *database.Database
}

// Open connects to the state database described by cfg and creates its tables.
func Open(ctx context.Context, cfg config.StateStorage) (*SQLStore, error) {
	var (
		db  *database.Database
		err error
	)
	switch cfg.Type {
	case "sqlite":
		db, err = database.OpenSQLite(cfg.FilePath)
	case "mysql":
		db, err = connectMySQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported state storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	s, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func connectMySQL(ctx context.Context, cfg config.StateStorage) (*database.Database, error) {
	conn := config.DatabaseConnection{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
	}

	// Retry loop for Ping
	maxRetries := 30
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		db, err := database.NewDatabase(conn)
		if err == nil {
			return db, nil
		}
		lastErr = err
		logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("failed to ping mysql after retries: %w", lastErr)
}

// NewSQLStore wraps an open database and creates the state tables if missing.
func NewSQLStore(ctx context.Context, db *database.Database) (*SQLStore, error) {
	s := &SQLStore{db: db}
	for _, stmt := range schemaFor(db.Dialect) {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create state schema: %w", err)
		}
	}
	return s, nil
}

func schemaFor(d database.Dialect) []string {
	if d == database.MySQL {
		return []string{
			`CREATE TABLE IF NOT EXISTS sync_state (
				scope           VARCHAR(64) PRIMARY KEY,
				last_sync_time  DATETIME(6) NULL,
				binlog_file     VARCHAR(255) NULL,
				binlog_position BIGINT NULL,
				rows_synced     BIGINT NOT NULL DEFAULT 0,
				status          VARCHAR(32) NOT NULL DEFAULT '',
				error_message   TEXT NULL,
				updated_at      DATETIME(6) NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conflicts (
				id                  VARCHAR(36) PRIMARY KEY,
				table_name          VARCHAR(64) NOT NULL,
				record_id           VARCHAR(64) NOT NULL,
				local_data          JSON NOT NULL,
				cloud_data          JSON NOT NULL,
				conflict_type       VARCHAR(32) NOT NULL,
				detected_at         DATETIME(6) NOT NULL,
				resolved            BOOLEAN NOT NULL DEFAULT FALSE,
				resolution_strategy VARCHAR(32) NULL,
				resolved_at         DATETIME(6) NULL,
				resolved_data       JSON NULL,
				INDEX idx_conflicts_resolved (resolved, detected_at)
			)`,
			`CREATE TABLE IF NOT EXISTS sync_history (
				id                 VARCHAR(36) PRIMARY KEY,
				started_at         DATETIME(6) NOT NULL,
				completed_at       DATETIME(6) NULL,
				strategy           VARCHAR(32) NOT NULL,
				tables_synced      TEXT NOT NULL,
				pushed             INT NOT NULL DEFAULT 0,
				pulled             INT NOT NULL DEFAULT 0,
				conflicts_detected INT NOT NULL DEFAULT 0,
				skipped            INT NOT NULL DEFAULT 0,
				status             VARCHAR(32) NOT NULL,
				error_message      TEXT NULL
			)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			scope           TEXT PRIMARY KEY,
			last_sync_time  DATETIME NULL,
			binlog_file     TEXT NULL,
			binlog_position INTEGER NULL,
			rows_synced     INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT '',
			error_message   TEXT NULL,
			updated_at      DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id                  TEXT PRIMARY KEY,
			table_name          TEXT NOT NULL,
			record_id           TEXT NOT NULL,
			local_data          TEXT NOT NULL,
			cloud_data          TEXT NOT NULL,
			conflict_type       TEXT NOT NULL,
			detected_at         DATETIME NOT NULL,
			resolved            BOOLEAN NOT NULL DEFAULT 0,
			resolution_strategy TEXT NULL,
			resolved_at         DATETIME NULL,
			resolved_data       TEXT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts (resolved, detected_at)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id                 TEXT PRIMARY KEY,
			started_at         DATETIME NOT NULL,
			completed_at       DATETIME NULL,
			strategy           TEXT NOT NULL,
			tables_synced      TEXT NOT NULL,
			pushed             INTEGER NOT NULL DEFAULT 0,
			pulled             INTEGER NOT NULL DEFAULT 0,
			conflicts_detected INTEGER NOT NULL DEFAULT 0,
			skipped            INTEGER NOT NULL DEFAULT 0,
			status             TEXT NOT NULL,
			error_message      TEXT NULL
		)`,
	}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) GetSyncState(ctx context.Context, scope string) (*SyncState, error) {
	query := `SELECT scope, last_sync_time, binlog_file, binlog_position, rows_synced, status, error_message, updated_at
			  FROM sync_state WHERE scope = ?`

	row := s.db.DB.QueryRowContext(ctx, query, scope)

	var state SyncState
	err := row.Scan(
		&state.Scope,
		&state.LastSyncTime,
		&state.BinlogFile,
		&state.BinlogPosition,
		&state.RowsSynced,
		&state.Status,
		&state.ErrorMessage,
		&state.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state %s: %w", scope, err)
	}

	return &state, nil
}

func (s *SQLStore) UpdateSyncState(ctx context.Context, state *SyncState) error {
	query := `INSERT INTO sync_state (scope, last_sync_time, binlog_file, binlog_position, rows_synced, status, error_message, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if s.db.Dialect == database.MySQL {
		query += `
			  ON DUPLICATE KEY UPDATE
			  last_sync_time = VALUES(last_sync_time),
			  binlog_file = VALUES(binlog_file),
			  binlog_position = VALUES(binlog_position),
			  rows_synced = VALUES(rows_synced),
			  status = VALUES(status),
			  error_message = VALUES(error_message),
			  updated_at = VALUES(updated_at)`
	} else {
		query += `
			  ON CONFLICT(scope) DO UPDATE SET
			  last_sync_time = excluded.last_sync_time,
			  binlog_file = excluded.binlog_file,
			  binlog_position = excluded.binlog_position,
			  rows_synced = excluded.rows_synced,
			  status = excluded.status,
			  error_message = excluded.error_message,
			  updated_at = excluded.updated_at`
	}

	state.UpdatedAt = time.Now().UTC()
	_, err := s.db.DB.ExecContext(ctx, query,
		state.Scope,
		state.LastSyncTime,
		state.BinlogFile,
		state.BinlogPosition,
		state.RowsSynced,
		state.Status,
		state.ErrorMessage,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update sync state %s: %w", state.Scope, err)
	}
	return nil
}

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (id, table_name, record_id, local_data, cloud_data, conflict_type, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		conflict.ID,
		conflict.TableName,
		conflict.RecordID,
		string(conflict.LocalData),
		string(conflict.CloudData),
		conflict.ConflictType,
		conflict.DetectedAt.UTC(),
		conflict.Resolved,
	)
	if err != nil {
		return fmt.Errorf("create conflict %s: %w", conflict.ID, err)
	}
	return nil
}

const conflictColumns = `id, table_name, record_id, local_data, cloud_data, conflict_type, detected_at, resolved, resolution_strategy, resolved_at, resolved_data`

func scanConflict(row interface{ Scan(...any) error }) (*Conflict, error) {
	var (
		c                      Conflict
		local, cloud, resolved sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.TableName,
		&c.RecordID,
		&local,
		&cloud,
		&c.ConflictType,
		&c.DetectedAt,
		&c.Resolved,
		&c.ResolutionStrategy,
		&c.ResolvedAt,
		&resolved,
	)
	if err != nil {
		return nil, err
	}
	c.LocalData = json.RawMessage(local.String)
	c.CloudData = json.RawMessage(cloud.String)
	if resolved.Valid {
		c.ResolvedData = json.RawMessage(resolved.String)
	}
	return &c, nil
}

// GetConflict returns domain.ErrNotFound for an unknown id.
func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)

	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + `
			  FROM conflicts WHERE resolved = ? ORDER BY detected_at, id LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, resolved, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}

func (s *SQLStore) ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error {
	query := `UPDATE conflicts SET resolved = ?, resolution_strategy = ?, resolved_data = ?, resolved_at = ? WHERE id = ? AND resolved = ?`

	res, err := s.db.DB.ExecContext(ctx, query, true, strategy, string(resolvedData), time.Now().UTC(), id, false)
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("unresolved conflict %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FindPendingConflict returns the oldest unresolved conflict on one record,
// or domain.ErrNotFound.
func (s *SQLStore) FindPendingConflict(ctx context.Context, table, recordID string) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + `
			  FROM conflicts WHERE table_name = ? AND record_id = ? AND resolved = ?
			  ORDER BY detected_at, id LIMIT 1`

	c, err := scanConflict(s.db.DB.QueryRowContext(ctx, query, table, recordID, false))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending conflict on %s/%s: %w", table, recordID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find conflict on %s/%s: %w", table, recordID, err)
	}
	return c, nil
}

// RefreshConflict replaces both sides of a pending conflict.
func (s *SQLStore) RefreshConflict(ctx context.Context, conflict *Conflict) error {
	query := `UPDATE conflicts SET local_data = ?, cloud_data = ?, conflict_type = ?, detected_at = ? WHERE id = ? AND resolved = ?`

	res, err := s.db.DB.ExecContext(ctx, query,
		string(conflict.LocalData),
		string(conflict.CloudData),
		conflict.ConflictType,
		conflict.DetectedAt.UTC(),
		conflict.ID,
		false,
	)
	if err != nil {
		return fmt.Errorf("refresh conflict %s: %w", conflict.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh conflict %s: %w", conflict.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("unresolved conflict %s: %w", conflict.ID, domain.ErrNotFound)
	}
	return nil
}

// ResolveRecordConflicts marks every pending conflict on one record resolved
// and returns how many were.
func (s *SQLStore) ResolveRecordConflicts(ctx context.Context, table, recordID, strategy string, resolvedData []byte) (int, error) {
	query := `UPDATE conflicts SET resolved = ?, resolution_strategy = ?, resolved_data = ?, resolved_at = ?
			  WHERE table_name = ? AND record_id = ? AND resolved = ?`

	res, err := s.db.DB.ExecContext(ctx, query, true, strategy, string(resolvedData), time.Now().UTC(), table, recordID, false)
	if err != nil {
		return 0, fmt.Errorf("resolve conflicts on %s/%s: %w", table, recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve conflicts on %s/%s: %w", table, recordID, err)
	}
	return int(n), nil
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, strategy, tables_synced, pushed, pulled, conflicts_detected, skipped, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.ID,
		history.StartedAt.UTC(),
		history.CompletedAt,
		history.Strategy,
		history.TablesSynced,
		history.Pushed,
		history.Pulled,
		history.ConflictsDetected,
		history.Skipped,
		history.Status,
		history.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("create sync history %s: %w", history.ID, err)
	}
	return nil
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, tables_synced = ?, pushed = ?, pulled = ?, conflicts_detected = ?, skipped = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.CompletedAt,
		history.TablesSynced,
		history.Pushed,
		history.Pulled,
		history.ConflictsDetected,
		history.Skipped,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync history %s: %w", history.ID, err)
	}
	return nil
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, strategy, tables_synced, pushed, pulled, conflicts_detected, skipped, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get sync history: %w", err)
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		err := rows.Scan(
			&h.ID,
			&h.StartedAt,
			&h.CompletedAt,
			&h.Strategy,
			&h.TablesSynced,
			&h.Pushed,
			&h.Pulled,
			&h.ConflictsDetected,
			&h.Skipped,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sync history: %w", err)
		}
		history = append(history, &h)
	}

	return history, rows.Err()
}
