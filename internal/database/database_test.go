package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.DB.Exec(`CREATE TABLE items (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func count(t *testing.T, db *Database) int {
	t.Helper()
	var n int
	if err := db.DB.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestOpenSQLiteDialect(t *testing.T) {
	db := newTestDB(t)
	if db.Dialect != SQLite {
		t.Errorf("Dialect = %q, want sqlite", db.Dialect)
	}
}

func TestExecTxCommit(t *testing.T) {
	db := newTestDB(t)

	err := db.ExecTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO items (id) VALUES ('a')`)
		return err
	})
	if err != nil {
		t.Fatalf("ExecTx: %v", err)
	}
	if got := count(t, db); got != 1 {
		t.Errorf("rows = %d, want 1", got)
	}
}

func TestExecTxRollbackOnError(t *testing.T) {
	db := newTestDB(t)
	boom := errors.New("boom")

	err := db.ExecTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO items (id) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ExecTx err = %v, want boom", err)
	}
	if got := count(t, db); got != 0 {
		t.Errorf("rows = %d, want 0 after rollback", got)
	}
}

func TestExecTxRollbackOnPanic(t *testing.T) {
	db := newTestDB(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = db.ExecTx(context.Background(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(`INSERT INTO items (id) VALUES ('a')`); err != nil {
				return err
			}
			panic("step blew up")
		})
	}()

	if got := count(t, db); got != 0 {
		t.Errorf("rows = %d, want 0 after panic", got)
	}
}
