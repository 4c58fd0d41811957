// Package local is the embedded, offline side of the app's data: one SQLite
// table per collection plus a small meta key-value table holding the schema version.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"offline-sync-service/internal/database"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/logger"
)

const (
	metaTable         = "_meta"
	keySchemaVersion  = "schema_version"
	keyLastMigratedAt = "last_migration_at"
)

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidCollectionName reports whether name may be used as a collection.
func ValidCollectionName(name string) bool {
	return collectionName.MatchString(name)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db   *database.Database
	gate *semaphore.Weighted
	now  func() time.Time
}

// SchemaState is the persisted migration position.
type SchemaState struct {
	Version         int
	LastMigrationAt time.Time
}

// Open opens the local database file at path.
func Open(path string) (*Store, error) {
	db, err := database.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened SQLite database.
func New(db *database.Database) (*Store, error) {
	if db.Dialect != database.SQLite {
		return nil, fmt.Errorf("local store requires sqlite, got %s", db.Dialect)
	}
	_, err := db.DB.Exec(`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create meta table: %w", err)
	}
	return &Store{
		db:   db,
		gate: semaphore.NewWeighted(1),
		now:  time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Exclusive blocks until the caller is the only writer (migration or sync).
// The returned func releases the gate.
func (s *Store) Exclusive(ctx context.Context) (func(), error) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for exclusive store access: %v", domain.ErrConcurrency, err)
	}
	return func() { s.gate.Release(1) }, nil
}

// TryExclusive is Exclusive without waiting.
func (s *Store) TryExclusive() (func(), bool) {
	if !s.gate.TryAcquire(1) {
		return nil, false
	}
	return func() { s.gate.Release(1) }, true
}

func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	st, err := s.State(ctx)
	return st.Version, err
}

func (s *Store) State(ctx context.Context) (SchemaState, error) {
	return readState(ctx, s.db.DB)
}

// Transaction runs fn in a scoped transaction, rolled back on error or panic.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.ExecTx(ctx, func(sqlTx *sql.Tx) error {
		return fn(&Tx{tx: sqlTx, now: s.now})
	})
}

// Collection returns a handle for reads and single-statement writes outside a transaction.
func (s *Store) Collection(name string) *Collection {
	return &Collection{name: name, q: s.db.DB, now: s.now}
}

// Collections lists the collection tables currently present.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE '\_%' ESCAPE '\' AND name NOT LIKE 'sqlite%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Tx is the handle migration steps and sync writes receive.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *Tx) Collection(name string) *Collection {
	return &Collection{name: name, q: t.tx, now: t.now}
}

// Exec runs raw SQL, for migrations that need more than collection helpers.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *Tx) CreateCollection(ctx context.Context, name string) error {
	if !ValidCollectionName(name) {
		return fmt.Errorf("%w: invalid collection name %q", domain.ErrValidation, name)
	}
	_, err := t.tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS "`+name+`" (
		id          TEXT PRIMARY KEY,
		data        TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		sync_status TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	_, err = t.tx.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS "`+name+`_sync_status" ON "`+name+`" (sync_status)`)
	if err != nil {
		return fmt.Errorf("index collection %s: %w", name, err)
	}
	logger.Log.Debug("Created collection", zap.String("collection", name))
	return nil
}

// DropCollection removes the collection and every record in it.
func (t *Tx) DropCollection(ctx context.Context, name string) error {
	if !ValidCollectionName(name) {
		return fmt.Errorf("%w: invalid collection name %q", domain.ErrValidation, name)
	}
	if _, err := t.tx.ExecContext(ctx, `DROP TABLE IF EXISTS "`+name+`"`); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	logger.Log.Debug("Dropped collection", zap.String("collection", name))
	return nil
}

func (t *Tx) SchemaVersion(ctx context.Context) (int, error) {
	st, err := readState(ctx, t.tx)
	return st.Version, err
}

// SetSchemaVersion records v as applied at the transaction's clock.
func (t *Tx) SetSchemaVersion(ctx context.Context, v int) error {
	if v < 0 {
		return fmt.Errorf("%w: negative schema version %d", domain.ErrValidation, v)
	}
	const upsert = `INSERT INTO ` + metaTable + ` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := t.tx.ExecContext(ctx, upsert, keySchemaVersion, strconv.Itoa(v)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	at := t.now().UTC().Format(time.RFC3339Nano)
	if _, err := t.tx.ExecContext(ctx, upsert, keyLastMigratedAt, at); err != nil {
		return fmt.Errorf("set last migration time: %w", err)
	}
	return nil
}

func readState(ctx context.Context, q querier) (SchemaState, error) {
	var st SchemaState

	rows, err := q.QueryContext(ctx,
		`SELECT key, value FROM `+metaTable+` WHERE key IN (?, ?)`, keySchemaVersion, keyLastMigratedAt)
	if err != nil {
		return st, fmt.Errorf("read schema state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return st, err
		}
		switch k {
		case keySchemaVersion:
			n, err := strconv.Atoi(v)
			if err != nil {
				return st, fmt.Errorf("corrupt schema version %q: %w", v, err)
			}
			st.Version = n
		case keyLastMigratedAt:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return st, fmt.Errorf("corrupt migration time %q: %w", v, err)
			}
			st.LastMigrationAt = t
		}
	}
	return st, rows.Err()
}

// ErrMissingCollection is returned when a collection's table is not present at the current schema version.
var ErrMissingCollection = errors.New("collection does not exist")

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
