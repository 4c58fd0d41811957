package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/local"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/migrate"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

type fixture struct {
	engine *Engine
	local  *local.Store
	remote *remote.Memory
	state  *store.SQLStore
}

func newFixture(t *testing.T, rs func(*remote.Memory) remote.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	logger.Set(zaptest.NewLogger(t))
	t.Cleanup(func() { logger.Set(nil) })

	ls, err := local.Open(filepath.Join(dir, "local.db"))
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { ls.Close() })

	schema, err := migrate.NewEngine(ls, []migrate.Step{
		{Version: 1, Name: "notes", Tables: []string{"notes"}},
		{Version: 2, Name: "tags", Tables: []string{"tags"}},
	})
	if err != nil {
		t.Fatalf("migrate.NewEngine: %v", err)
	}
	if p := schema.MigrateToVersion(ctx, 2); !p.Success {
		t.Fatalf("migrate: %s", p.Message)
	}

	st, err := store.Open(ctx, config.StateStorage{Type: "sqlite", FilePath: filepath.Join(dir, "state.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mem := remote.NewMemory("user-1")
	var r remote.Store = mem
	if rs != nil {
		r = rs(mem)
	}

	e := NewEngine(ls, r, st, schema, config.SyncConfig{Workers: 2, Tolerance: "1s"})
	return &fixture{engine: e, local: ls, remote: mem, state: st}
}

func (f *fixture) put(t *testing.T, table string, rec domain.Record) {
	t.Helper()
	if err := f.local.Collection(table).Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func (f *fixture) find(t *testing.T, table, id string) domain.Record {
	t.Helper()
	rec, err := f.local.Collection(table).Find(context.Background(), id)
	if err != nil {
		t.Fatalf("Find %s/%s: %v", table, id, err)
	}
	return rec
}

// gatedRemote blocks GetSession until released so tests can observe a sync in flight.
type gatedRemote struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) GetSession(ctx context.Context) (*remote.Session, error) {
	close(g.entered)
	<-g.release
	return g.Memory.GetSession(ctx)
}

// sessionlessRemote answers GetSession without an error or a session.
type sessionlessRemote struct {
	*remote.Memory
}

func (sessionlessRemote) GetSession(context.Context) (*remote.Session, error) {
	return nil, nil
}

func TestSynchronizeOfflineThenRecovers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.local.Collection("notes").Create(ctx, domain.Record{Fields: map[string]any{"title": "draft"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.remote.SetOnline(false)
	res := f.engine.Synchronize(ctx, domain.NewestWins)
	if res.Success {
		t.Fatal("sync succeeded while offline")
	}
	if !strings.Contains(res.Message, "Network connection lost") || res.Stage != StageError {
		t.Errorf("result = %+v", res)
	}
	if !errors.Is(res.Err, domain.ErrNetwork) {
		t.Errorf("Err = %v, want ErrNetwork", res.Err)
	}
	if res.Error != res.Err.Error() {
		t.Errorf("Error = %q, want %q", res.Error, res.Err.Error())
	}
	if f.engine.IsSyncing() {
		t.Error("guard still set after failure")
	}

	f.remote.SetOnline(true)
	res = f.engine.Synchronize(ctx, domain.NewestWins)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	if res.Stage != StageCompleted || res.Stats.Pushed != 1 {
		t.Errorf("result = %+v, stats = %+v", res, res.Stats)
	}

	got, ok := f.remote.Get("notes", created.ID)
	if !ok {
		t.Fatal("record missing remotely")
	}
	if !reflect.DeepEqual(got.Fields, created.Fields) || got.OwnerID != "user-1" {
		t.Errorf("remote = %+v, want fields %v owned by user-1", got, created.Fields)
	}
	if st := f.find(t, "notes", created.ID).Status; st != domain.StatusSynced {
		t.Errorf("local status = %s, want synced", st)
	}
}

func TestSynchronizeNewestWinsTakesLaterRemote(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "notes", domain.Record{ID: "n1", UpdatedAt: "2023-02-15", Status: domain.StatusUpdated,
		Fields: map[string]any{"title": "local"}})
	f.remote.Seed("notes", domain.Record{ID: "n1", OwnerID: "user-1", UpdatedAt: "2023-02-20",
		Fields: map[string]any{"title": "remote", "pinned": true}})

	res := f.engine.Synchronize(context.Background(), domain.NewestWins)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	if res.Stats.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", res.Stats.Conflicts)
	}

	remoteRec, _ := f.remote.Get("notes", "n1")
	localRec := f.find(t, "notes", "n1")
	if !reflect.DeepEqual(localRec.Fields, remoteRec.Fields) {
		t.Errorf("local fields = %v, remote fields = %v", localRec.Fields, remoteRec.Fields)
	}
	if localRec.Fields["title"] != "remote" || localRec.Status != domain.StatusSynced {
		t.Errorf("local = %+v", localRec)
	}
}

func TestSynchronizeRejectsReentrantCall(t *testing.T) {
	var gate *gatedRemote
	f := newFixture(t, func(m *remote.Memory) remote.Store {
		gate = &gatedRemote{Memory: m, entered: make(chan struct{}), release: make(chan struct{})}
		return gate
	})
	ctx := context.Background()

	done := make(chan Result)
	go func() { done <- f.engine.Synchronize(ctx, domain.NewestWins) }()
	<-gate.entered

	if !f.engine.IsSyncing() {
		t.Error("IsSyncing = false during a sync")
	}
	before := f.remote.Calls()
	res := f.engine.Synchronize(ctx, domain.NewestWins)
	if res.Success || res.Message != "Sync already in progress" || res.Stage != StageError {
		t.Errorf("reentrant result = %+v", res)
	}
	if !errors.Is(res.Err, domain.ErrConcurrency) {
		t.Errorf("Err = %v, want ErrConcurrency", res.Err)
	}
	if after := f.remote.Calls(); after != before {
		t.Errorf("reentrant call made %d remote calls", after-before)
	}

	close(gate.release)
	if first := <-done; !first.Success {
		t.Errorf("first sync failed: %s", first.Message)
	}
}

func TestCancelSync(t *testing.T) {
	var gate *gatedRemote
	f := newFixture(t, func(m *remote.Memory) remote.Store {
		gate = &gatedRemote{Memory: m, entered: make(chan struct{}), release: make(chan struct{})}
		return gate
	})

	if f.engine.CancelSync() {
		t.Error("CancelSync reported a running sync while idle")
	}

	done := make(chan Result)
	go func() { done <- f.engine.Synchronize(context.Background(), domain.NewestWins) }()
	<-gate.entered

	if !f.engine.CancelSync() {
		t.Error("CancelSync = false during a sync")
	}
	close(gate.release)

	res := <-done
	if res.Success || res.Stage != StageError {
		t.Errorf("cancelled result = %+v", res)
	}
	if f.engine.IsSyncing() {
		t.Error("guard still set after cancellation")
	}
}

func TestSynchronizeAuthenticationFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.SetSession(nil)

	res := f.engine.Synchronize(context.Background(), "")
	if res.Success || res.Stage != StageError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Message, "Authentication failed") {
		t.Errorf("Message = %q", res.Message)
	}
	if !errors.Is(res.Err, domain.ErrAuthentication) {
		t.Errorf("Err = %v, want ErrAuthentication", res.Err)
	}
	if f.engine.Stage() != StageError {
		t.Errorf("Stage = %s, want ERROR", f.engine.Stage())
	}
}

func TestSynchronizePushesUpdatesAndDeletes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"keep", "gone"} {
		f.remote.Seed("notes", domain.Record{ID: id, OwnerID: "user-1", UpdatedAt: "2023-01-01T00:00:00Z",
			Fields: map[string]any{"title": "old"}})
		f.put(t, "notes", domain.Record{ID: id, UpdatedAt: "2023-01-01T00:00:00Z",
			Fields: map[string]any{"title": "old"}})
	}

	if _, err := f.local.Collection("notes").Update(ctx, "keep", func(r *domain.Record) {
		r.Fields["title"] = "edited"
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := f.local.Collection("notes").MarkAsDeleted(ctx, "gone"); err != nil {
		t.Fatalf("MarkAsDeleted: %v", err)
	}

	res := f.engine.Synchronize(ctx, domain.ClientWins)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}

	if got, _ := f.remote.Get("notes", "keep"); got.Fields["title"] != "edited" {
		t.Errorf("remote keep = %+v, want edited", got)
	}
	if _, ok := f.remote.Get("notes", "gone"); ok {
		t.Error("deleted record still on the remote store")
	}
	if _, err := f.local.Collection("notes").Find(ctx, "gone"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("local gone: err = %v, want ErrNotFound", err)
	}
	if res.Stats.Pushed != 1 || res.Stats.Conflicts != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestSynchronizePullsOwnRecordsOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.remote.Seed("tags", domain.Record{ID: "mine", OwnerID: "user-1", UpdatedAt: "2023-03-01T00:00:00Z",
		Fields: map[string]any{"name": "work"}})
	f.remote.Seed("tags", domain.Record{ID: "theirs", OwnerID: "user-2", UpdatedAt: "2023-03-01T00:00:00Z",
		Fields: map[string]any{"name": "home"}})

	res := f.engine.Synchronize(ctx, domain.NewestWins)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	if res.Stats.Pulled != 1 {
		t.Errorf("pulled = %d, want 1", res.Stats.Pulled)
	}
	if got := f.find(t, "tags", "mine"); got.Status != domain.StatusSynced || got.Fields["name"] != "work" {
		t.Errorf("local mine = %+v", got)
	}
	if _, err := f.local.Collection("tags").Find(ctx, "theirs"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("pulled another user's record: err = %v", err)
	}

	cp, err := f.engine.Checkpoint(ctx)
	if err != nil || cp.IsZero() {
		t.Fatalf("Checkpoint = %v, %v", cp, err)
	}

	res = f.engine.Synchronize(ctx, domain.NewestWins)
	if !res.Success || res.Stats.Pulled != 0 {
		t.Errorf("second sync = %+v, stats = %+v", res, res.Stats)
	}

	history, err := f.state.GetSyncHistory(ctx, 10, 0)
	if err != nil {
		t.Fatalf("GetSyncHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d history rows, want 2", len(history))
	}
	for _, h := range history {
		if h.Status != "completed" || h.TablesSynced != "notes,tags" || !h.CompletedAt.Valid {
			t.Errorf("history row = %+v", h)
		}
	}
}

func TestSynchronizePullConflictWritesLosingSide(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// synced locally, then edited remotely and locally without a sync in between
	f.put(t, "notes", domain.Record{ID: "n1", UpdatedAt: "2023-05-01T00:00:00Z", Status: domain.StatusSynced,
		Fields: map[string]any{"title": "local"}})
	f.remote.Seed("notes", domain.Record{ID: "n1", OwnerID: "user-1", UpdatedAt: "2023-04-01T00:00:00Z",
		Fields: map[string]any{"title": "remote"}})

	res := f.engine.Synchronize(ctx, domain.NewestWins)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	if res.Stats.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", res.Stats.Conflicts)
	}
	if got, _ := f.remote.Get("notes", "n1"); got.Fields["title"] != "local" {
		t.Errorf("remote = %+v, want local fields written back", got)
	}
}

func TestSynchronizePullWithinTolerance(t *testing.T) {
	f := newFixture(t, nil)

	f.put(t, "notes", domain.Record{ID: "n1", UpdatedAt: "2023-05-01T00:00:00.500Z", Status: domain.StatusSynced,
		Fields: map[string]any{"title": "local"}})
	f.remote.Seed("notes", domain.Record{ID: "n1", OwnerID: "user-1", UpdatedAt: "2023-05-01T00:00:00Z",
		Fields: map[string]any{"title": "remote"}})

	res := f.engine.Synchronize(context.Background(), domain.ClientWins)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	if res.Stats.Conflicts != 0 || res.Stats.Pulled != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if got := f.find(t, "notes", "n1"); got.Fields["title"] != "remote" {
		t.Errorf("local = %+v, want remote copy", got)
	}
}

func TestSynchronizeManualDefersConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.put(t, "notes", domain.Record{ID: "n1", UpdatedAt: "2023-02-15", Status: domain.StatusUpdated,
		Fields: map[string]any{"title": "local"}})
	f.remote.Seed("notes", domain.Record{ID: "n1", OwnerID: "user-1", UpdatedAt: "2023-02-20",
		Fields: map[string]any{"title": "remote"}})

	res := f.engine.Synchronize(ctx, domain.Manual)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Conflict == nil {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	env := res.Conflicts[0].Conflict
	if env.Local.Fields["title"] != "local" || env.Server.Fields["title"] != "remote" {
		t.Errorf("envelope = %+v", env)
	}
	if got := f.find(t, "notes", "n1"); got.Status != domain.StatusUpdated || got.Fields["title"] != "local" {
		t.Errorf("local changed under MANUAL: %+v", got)
	}

	pending, err := f.state.ListConflicts(ctx, false, 10, 0)
	if err != nil || len(pending) == 0 {
		t.Fatalf("ListConflicts = %v, %v", pending, err)
	}

	merged, err := f.engine.ResolveManual(ctx, pending[0].ID, domain.ClientWins)
	if err != nil {
		t.Fatalf("ResolveManual: %v", err)
	}
	if merged.Fields["title"] != "local" {
		t.Errorf("merged = %+v", merged)
	}
	if got, _ := f.remote.Get("notes", "n1"); got.Fields["title"] != "local" {
		t.Errorf("remote = %+v", got)
	}
	if got := f.find(t, "notes", "n1"); got.Status != domain.StatusSynced {
		t.Errorf("local status = %s, want synced", got.Status)
	}
	if _, err := f.engine.ResolveManual(ctx, pending[0].ID, domain.ClientWins); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("second ResolveManual err = %v, want ErrValidation", err)
	}
}

func TestSynchronizeSkipsFailingRecords(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"bad", "good"} {
		if _, err := f.local.Collection("notes").Create(ctx, domain.Record{ID: id, Fields: map[string]any{"id": id}}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	f.remote.FailRecord("bad", errors.New("row rejected"))

	res := f.engine.Synchronize(ctx, domain.NewestWins)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	if res.Stats.Pushed != 1 || res.Stats.Skipped != 1 || len(res.Stats.Failures) != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
	fail := res.Stats.Failures[0]
	if fail.RecordID != "bad" || fail.Table != "notes" || fail.Phase != StagePushing {
		t.Errorf("failure = %+v", fail)
	}
	if got := f.find(t, "notes", "bad"); got.Status != domain.StatusCreated {
		t.Errorf("bad status = %s, want created", got.Status)
	}
}

func TestLastResultIsACopy(t *testing.T) {
	f := newFixture(t, nil)
	if f.engine.LastResult() != nil {
		t.Fatal("LastResult before any run")
	}
	f.engine.Synchronize(context.Background(), domain.NewestWins)

	last := f.engine.LastResult()
	if last == nil || !last.Success {
		t.Fatalf("LastResult = %+v", last)
	}
	last.Success = false
	if !f.engine.LastResult().Success {
		t.Error("LastResult shares state with the engine")
	}
	if last.Stats.Duration < 0 || last.Stats.Duration > time.Minute {
		t.Errorf("Duration = %v", last.Stats.Duration)
	}
}

func TestManualConflictRecordedOncePerRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.put(t, "notes", domain.Record{ID: "n1", UpdatedAt: "2023-02-15", Status: domain.StatusUpdated,
		Fields: map[string]any{"title": "local"}})
	f.remote.Seed("notes", domain.Record{ID: "n1", OwnerID: "user-1", UpdatedAt: "2023-02-20",
		Fields: map[string]any{"title": "remote"}})

	for i := 0; i < 3; i++ {
		res := f.engine.Synchronize(ctx, domain.Manual)
		if !res.Success || len(res.Conflicts) != 1 {
			t.Fatalf("sync %d: %+v", i, res)
		}
	}
	pending, err := f.state.ListConflicts(ctx, false, 10, 0)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending conflicts after 3 syncs = %d, want 1", len(pending))
	}

	_, err = f.local.Collection("notes").Update(ctx, "n1", func(r *domain.Record) {
		r.Fields["title"] = "newest local edit"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	merged, err := f.engine.ResolveManual(ctx, pending[0].ID, domain.ClientWins)
	if err != nil {
		t.Fatalf("ResolveManual: %v", err)
	}
	if merged.Fields["title"] != "newest local edit" {
		t.Errorf("merged = %+v, want the latest local edit", merged)
	}
	if got := f.find(t, "notes", "n1"); got.Fields["title"] != "newest local edit" || got.Status != domain.StatusSynced {
		t.Errorf("local = %+v", got)
	}
	if got, _ := f.remote.Get("notes", "n1"); got.Fields["title"] != "newest local edit" {
		t.Errorf("remote = %+v", got)
	}

	if open, _ := f.state.ListConflicts(ctx, false, 10, 0); len(open) != 0 {
		t.Errorf("still pending = %d, want 0", len(open))
	}
	if _, err := f.engine.ResolveManual(ctx, pending[0].ID, domain.ClientWins); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("second ResolveManual err = %v, want ErrValidation", err)
	}
}

func TestResolveManualUsesCurrentRemoteCopy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.put(t, "notes", domain.Record{ID: "n1", UpdatedAt: "2023-02-15", Status: domain.StatusUpdated,
		Fields: map[string]any{"title": "local"}})
	f.remote.Seed("notes", domain.Record{ID: "n1", OwnerID: "user-1", UpdatedAt: "2023-02-20",
		Fields: map[string]any{"title": "remote"}})

	if res := f.engine.Synchronize(ctx, domain.Manual); !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	pending, err := f.state.ListConflicts(ctx, false, 10, 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListConflicts = %v, %v", pending, err)
	}

	f.remote.Seed("notes", domain.Record{ID: "n1", OwnerID: "user-1", UpdatedAt: "2023-03-01",
		Fields: map[string]any{"title": "remote v2"}})

	merged, err := f.engine.ResolveManual(ctx, pending[0].ID, domain.ServerWins)
	if err != nil {
		t.Fatalf("ResolveManual: %v", err)
	}
	if merged.Fields["title"] != "remote v2" {
		t.Errorf("merged = %+v, want the current remote copy", merged)
	}
	if got := f.find(t, "notes", "n1"); got.Fields["title"] != "remote v2" || got.UpdatedAt != "2023-03-01" {
		t.Errorf("local = %+v", got)
	}
}

func TestResolveManualWithoutSession(t *testing.T) {
	f := newFixture(t, func(m *remote.Memory) remote.Store { return sessionlessRemote{m} })
	ctx := context.Background()

	err := f.state.CreateConflict(ctx, &store.Conflict{
		ID:           "c-1",
		TableName:    "notes",
		RecordID:     "n1",
		LocalData:    json.RawMessage(`{"id":"n1"}`),
		CloudData:    json.RawMessage(`{"id":"n1"}`),
		ConflictType: "data_mismatch",
		DetectedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateConflict: %v", err)
	}

	if _, err := f.engine.ResolveManual(ctx, "c-1", domain.ServerWins); !errors.Is(err, domain.ErrAuthentication) {
		t.Errorf("ResolveManual err = %v, want ErrAuthentication", err)
	}
	if f.engine.IsSyncing() {
		t.Error("guard still set after failure")
	}
	if res := f.engine.Synchronize(ctx, domain.NewestWins); !errors.Is(res.Err, domain.ErrAuthentication) {
		t.Errorf("Synchronize err = %v, want ErrAuthentication", res.Err)
	}
}

func TestStageAfterConcurrentResolutions(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.setStage(StagePulling)
	r := &run{strategy: domain.NewestWins}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.resolve(r,
				rec("1", "2023-02-15", map[string]any{"a": 1}),
				rec("1", "2023-02-20", map[string]any{"a": 2}))
		}()
	}
	wg.Wait()

	if got := f.engine.Stage(); got != StagePulling {
		t.Errorf("Stage = %s, want PULLING once every resolution returned", got)
	}

	f.engine.mu.Lock()
	f.engine.resolving++
	f.engine.mu.Unlock()
	if got := f.engine.Stage(); got != StageResolvingConflicts {
		t.Errorf("Stage = %s, want RESOLVING_CONFLICTS", got)
	}
}
