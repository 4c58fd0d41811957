package sync

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/schema"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/store"
)

func newTestListener(t *testing.T, f *fakeSyncer) (*BinlogListener, *store.SQLStore) {
	t.Helper()
	st, err := store.Open(context.Background(), config.StateStorage{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l := newListener([]string{"notes", "tags"}, f, domain.ServerWins, st, 20*time.Millisecond)
	return l, st
}

func TestBinlogListenerDebouncesChanges(t *testing.T) {
	f := newFakeSyncer()
	l, st := newTestListener(t, f)
	ctx := context.Background()

	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	l.positionFn = func() gomysql.Position { return gomysql.Position{Name: "binlog.000007", Pos: 4242} }
	h := &eventHandler{listener: l}
	for _, table := range []string{"notes", "tags", "notes", "audit"} {
		err := h.OnRow(&canal.RowsEvent{
			Table:  &schema.Table{Schema: "app", Name: table},
			Action: canal.UpdateAction,
			Rows:   [][]interface{}{{1}, {2}},
		})
		if err != nil {
			t.Fatalf("OnRow: %v", err)
		}
	}

	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no sync triggered")
	}
	if got := f.strategy.Load(); got != domain.ServerWins {
		t.Errorf("strategy = %v, want SERVER_WINS", got)
	}

	// the position is saved right after the run returns
	deadline := time.Now().Add(2 * time.Second)
	var state *store.SyncState
	for time.Now().Before(deadline) {
		s, err := st.GetSyncState(ctx, store.ScopeBinlog)
		if err != nil {
			t.Fatalf("GetSyncState: %v", err)
		}
		if s != nil {
			state = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state == nil {
		t.Fatal("binlog position never saved")
	}
	if state.BinlogFile.String != "binlog.000007" || state.BinlogPosition.Int64 != 4242 || state.RowsSynced != 2 {
		t.Errorf("state = %+v", state)
	}

	time.Sleep(60 * time.Millisecond)
	if n := f.calls.Load(); n != 1 {
		t.Errorf("calls = %d, want a single debounced run", n)
	}
}

func TestBinlogListenerIgnoresUnknownTables(t *testing.T) {
	f := newFakeSyncer()
	l, _ := newTestListener(t, f)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	if err := l.notify(RemoteChange{Type: Insert, Table: "audit", Rows: 1}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if n := f.calls.Load(); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestStartPosition(t *testing.T) {
	master := func() (gomysql.Position, error) {
		return gomysql.Position{Name: "binlog.000009", Pos: 900}, nil
	}

	pos, err := startPosition(nil, master)
	if err != nil || pos.Name != "binlog.000009" || pos.Pos != 900 {
		t.Errorf("without saved state = %v, %v, want the master position", pos, err)
	}

	saved := &store.SyncState{
		Scope:          store.ScopeBinlog,
		BinlogFile:     sql.NullString{String: "binlog.000007", Valid: true},
		BinlogPosition: sql.NullInt64{Int64: 4242, Valid: true},
	}
	pos, err = startPosition(saved, master)
	if err != nil || pos.Name != "binlog.000007" || pos.Pos != 4242 {
		t.Errorf("with saved state = %v, %v", pos, err)
	}

	// a state row without a position is treated as nothing saved
	pos, err = startPosition(&store.SyncState{Scope: store.ScopeBinlog}, master)
	if err != nil || pos.Pos != 900 {
		t.Errorf("with empty state = %v, %v", pos, err)
	}

	down := errors.New("connection refused")
	_, err = startPosition(nil, func() (gomysql.Position, error) { return gomysql.Position{}, down })
	if !errors.Is(err, down) {
		t.Errorf("err = %v, want %v", err, down)
	}
}
