// Package sync reconciles the local store with the remote store: dirty local
// records are pushed, remote changes since the last checkpoint are pulled and
// diverging copies are settled by a conflict strategy.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/local"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

// Schema reports which collections exist at the local store's current version.
type Schema interface {
	ActiveTables(ctx context.Context) ([]string, error)
}

type Engine struct {
	local     *local.Store
	remote    remote.Store
	state     store.Store
	schema    Schema
	conflicts *ConflictManager
	pool      *WorkerPool
	tolerance time.Duration
	now       func() time.Time

	syncing atomic.Bool

	mu        sync.Mutex
	stage     Stage
	resolving int // conflicts being resolved by phase workers
	cancel    context.CancelFunc
	last      *Result
}

func NewEngine(localStore *local.Store, remoteStore remote.Store, state store.Store, schema Schema, cfg config.SyncConfig) *Engine {
	return &Engine{
		local:     localStore,
		remote:    remoteStore,
		state:     state,
		schema:    schema,
		conflicts: NewConflictManager(state),
		pool:      NewWorkerPool(cfg.Workers),
		tolerance: cfg.GetTolerance(),
		now:       time.Now,
		stage:     StageIdle,
	}
}

// IsSyncing reports whether a Synchronize call is running.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

func (e *Engine) Stage() Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolving > 0 {
		return StageResolvingConflicts
	}
	return e.stage
}

// LastResult is a copy of the most recent finished run, or nil.
func (e *Engine) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

func (e *Engine) setStage(s Stage) {
	e.mu.Lock()
	e.stage = s
	e.mu.Unlock()
}

// CancelSync cancels the running call. Remote calls in flight see the
// cancellation through their context; the running call releases the guard
// when it returns.
func (e *Engine) CancelSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// run carries the per-call state shared by the phase workers.
type run struct {
	strategy domain.Strategy
	userID   string

	mu        sync.Mutex
	stats     Stats
	unsettled []domain.Record
	deferred  map[string]bool // table/id left for manual resolution
}

func (r *run) pushed() {
	r.mu.Lock()
	r.stats.Pushed++
	r.mu.Unlock()
}

func (r *run) pulled() {
	r.mu.Lock()
	r.stats.Pulled++
	r.mu.Unlock()
}

func (r *run) conflict() {
	r.mu.Lock()
	r.stats.Conflicts++
	r.mu.Unlock()
}

func (r *run) leave(table string, rec domain.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsettled = append(r.unsettled, rec)
	if r.deferred == nil {
		r.deferred = make(map[string]bool)
	}
	r.deferred[table+"/"+rec.ID] = true
}

func (r *run) isDeferred(table, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deferred[table+"/"+id]
}

func (r *run) skip(f RecordFailure) {
	r.mu.Lock()
	r.stats.Skipped++
	r.stats.Failures = append(r.stats.Failures, f)
	r.mu.Unlock()
}

// Synchronize pushes dirty local records and pulls remote changes. At most
// one call runs per engine; a second concurrent call fails immediately
// without touching either store.
func (e *Engine) Synchronize(ctx context.Context, strategy domain.Strategy) Result {
	if !e.syncing.CompareAndSwap(false, true) {
		err := fmt.Errorf("%w: sync already in progress", domain.ErrConcurrency)
		return Result{
			Success: false,
			Message: "Sync already in progress",
			Stage:   StageError,
			Err:     err,
			Error:   err.Error(),
		}
	}
	defer e.syncing.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	r := &run{strategy: strategy.OrDefault()}
	start := e.now()
	log := logger.Log.With(zap.String("strategy", string(r.strategy)))

	history := &store.SyncHistory{
		ID:        uuid.New().String(),
		StartedAt: start,
		Strategy:  string(r.strategy),
		Status:    "running",
	}
	if err := e.state.CreateSyncHistory(ctx, history); err != nil {
		log.Warn("Failed to record sync history", zap.Error(err))
	}

	res := e.synchronize(ctx, r, history)
	res.Stats.Duration = e.now().Sub(start)
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	e.setStage(res.Stage)
	e.finishHistory(history, res)

	if res.Success {
		log.Info("Sync completed",
			zap.Int("pushed", res.Stats.Pushed),
			zap.Int("pulled", res.Stats.Pulled),
			zap.Int("conflicts", res.Stats.Conflicts),
			zap.Int("skipped", res.Stats.Skipped),
			zap.Duration("duration", res.Stats.Duration),
		)
	} else {
		log.Error("Sync failed", zap.String("message", res.Message), zap.Error(res.Err))
	}

	e.mu.Lock()
	last := res
	e.last = &last
	e.mu.Unlock()
	return res
}

func (e *Engine) synchronize(ctx context.Context, r *run, history *store.SyncHistory) Result {
	fail := func(msg string, err error) Result {
		stats := r.snapshot()
		return Result{Success: false, Message: msg, Stage: StageError, Stats: &stats, Err: err, Conflicts: r.unsettledCopy()}
	}

	e.setStage(StageInitializing)

	release, err := e.local.Exclusive(ctx)
	if err != nil {
		return fail(err.Error(), err)
	}
	defer release()

	userID, err := e.signedIn(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNetwork) || ctx.Err() != nil {
			return fail(err.Error(), err)
		}
		return fail("Authentication failed: "+err.Error(), err)
	}
	r.userID = userID

	tables, err := e.schema.ActiveTables(ctx)
	if err != nil {
		return fail("Failed to read schema: "+err.Error(), err)
	}
	history.TablesSynced = strings.Join(tables, ",")

	e.setStage(StagePushing)
	if err := e.pool.Run(ctx, tables, func(ctx context.Context, table string) error {
		return e.pushTable(ctx, r, table)
	}); err != nil {
		return fail(phaseMessage(ctx, "Push failed", err), err)
	}

	e.setStage(StagePulling)
	pullStart := e.now()
	checkpoint, err := e.checkpoint(ctx)
	if err != nil {
		return fail("Failed to read checkpoint: "+err.Error(), err)
	}
	if err := e.pool.Run(ctx, tables, func(ctx context.Context, table string) error {
		return e.pullTable(ctx, r, table, checkpoint)
	}); err != nil {
		return fail(phaseMessage(ctx, "Pull failed", err), err)
	}
	if err := e.saveCheckpoint(ctx, pullStart, r); err != nil {
		return fail("Failed to save checkpoint: "+err.Error(), err)
	}

	stats := r.snapshot()
	msg := "Sync completed"
	if stats.Skipped > 0 {
		msg = fmt.Sprintf("Sync completed with %d skipped records", stats.Skipped)
	}
	return Result{Success: true, Message: msg, Stage: StageCompleted, Stats: &stats, Conflicts: r.unsettledCopy()}
}

// signedIn returns the session's user id. Failures other than network loss
// or cancellation wrap domain.ErrAuthentication.
func (e *Engine) signedIn(ctx context.Context) (string, error) {
	session, err := e.remote.GetSession(ctx)
	if err == nil && (session == nil || session.UserID == "") {
		err = errors.New("no active session")
	}
	if err == nil {
		return session.UserID, nil
	}
	if errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrAuthentication) || ctx.Err() != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
}

func phaseMessage(ctx context.Context, prefix string, err error) string {
	if ctx.Err() != nil {
		return "Sync cancelled"
	}
	if errors.Is(err, domain.ErrNetwork) {
		return domain.ErrNetwork.Error()
	}
	return prefix + ": " + err.Error()
}

func (r *run) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Failures = append([]RecordFailure(nil), r.stats.Failures...)
	return s
}

func (r *run) unsettledCopy() []domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Record, len(r.unsettled))
	for i, rec := range r.unsettled {
		out[i] = rec.Clone()
	}
	return out
}

// recordErr decides whether err aborts the phase or only skips the record.
func (e *Engine) recordErr(ctx context.Context, r *run, phase Stage, table, id string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsFatal(err) || ctx.Err() != nil {
		return err
	}
	logger.Log.Warn("Skipping record",
		zap.String("phase", string(phase)),
		zap.String("table", table),
		zap.String("id", id),
		zap.Error(err),
	)
	r.skip(RecordFailure{Table: table, RecordID: id, Phase: phase, Error: err.Error()})
	return nil
}

func (e *Engine) pushTable(ctx context.Context, r *run, table string) error {
	dirty, err := e.local.Collection(table).Fetch(ctx, domain.StatusCreated, domain.StatusUpdated, domain.StatusDeleted)
	if err != nil {
		return fmt.Errorf("fetch dirty %s: %w", table, err)
	}
	for _, rec := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.recordErr(ctx, r, StagePushing, table, rec.ID, e.pushRecord(ctx, r, table, rec)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushRecord(ctx context.Context, r *run, table string, rec domain.Record) error {
	if rec.Status == domain.StatusDeleted {
		_, err := remote.From(e.remote, table).
			Eq(remote.ColumnID, rec.ID).
			Eq(remote.ColumnUserID, r.userID).
			Delete(ctx)
		if err != nil {
			return err
		}
		if err := e.local.Transaction(ctx, func(tx *local.Tx) error {
			return tx.Collection(table).Purge(ctx, rec.ID)
		}); err != nil {
			return err
		}
		r.pushed()
		return nil
	}

	existing, err := remote.From(e.remote, table).Eq(remote.ColumnID, rec.ID).Single(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		out := rec.Clone()
		out.OwnerID = r.userID
		out.Status = ""
		if err := remote.From(e.remote, table).Insert(ctx, out); err != nil {
			return err
		}
		r.pushed()
		return e.markSynced(ctx, table, rec)
	}
	if err != nil {
		return err
	}

	r.conflict()
	merged, winner := e.resolve(r, rec, existing)
	if winner == WinnerNone {
		return e.deferConflict(ctx, r, table, rec, existing)
	}
	if err := e.writeRemote(ctx, r, table, merged); err != nil {
		return err
	}
	return e.markSynced(ctx, table, merged)
}

func (e *Engine) pullTable(ctx context.Context, r *run, table string, checkpoint time.Time) error {
	q := remote.From(e.remote, table).Eq(remote.ColumnUserID, r.userID)
	if !checkpoint.IsZero() {
		q = q.Gt(remote.ColumnUpdatedAt, checkpoint)
	}
	changed, err := q.Select(ctx)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	for _, rec := range changed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.recordErr(ctx, r, StagePulling, table, rec.ID, e.pullRecord(ctx, r, table, rec)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pullRecord(ctx context.Context, r *run, table string, rec domain.Record) error {
	if r.isDeferred(table, rec.ID) {
		return nil
	}
	current, err := e.local.Collection(table).Find(ctx, rec.ID)
	if errors.Is(err, domain.ErrNotFound) {
		if err := e.markSynced(ctx, table, rec); err != nil {
			return err
		}
		r.pulled()
		return nil
	}
	if err != nil {
		return err
	}
	if current.Status == domain.StatusDeleted {
		// the deletion reaches the remote store on the next push
		return nil
	}

	d, ok := drift(current, rec)
	if ok && d <= e.tolerance {
		if current.Status == domain.StatusSynced && sameContent(current, rec) {
			return nil
		}
		if err := e.markSynced(ctx, table, rec); err != nil {
			return err
		}
		r.pulled()
		return nil
	}

	r.conflict()
	merged, winner := e.resolve(r, current, rec)
	switch winner {
	case WinnerNone:
		return e.deferConflict(ctx, r, table, current, rec)
	case WinnerLocal:
		if err := e.writeRemote(ctx, r, table, merged); err != nil {
			return err
		}
	}
	return e.markSynced(ctx, table, merged)
}

// resolve reports RESOLVING_CONFLICTS while any worker is inside it.
func (e *Engine) resolve(r *run, local, remote domain.Record) (domain.Record, Winner) {
	e.mu.Lock()
	e.resolving++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.resolving--
		e.mu.Unlock()
	}()
	return Resolve(local, remote, r.strategy)
}

// writeRemote overwrites the caller's copy of rec in the remote store.
func (e *Engine) writeRemote(ctx context.Context, r *run, table string, rec domain.Record) error {
	out := rec.Clone()
	out.Status = ""
	out.Conflict = nil
	n, err := remote.From(e.remote, table).
		Eq(remote.ColumnID, rec.ID).
		Eq(remote.ColumnUserID, r.userID).
		Update(ctx, out)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s is not owned by the signed-in user", domain.ErrConflict, table, rec.ID)
	}
	return nil
}

func (e *Engine) markSynced(ctx context.Context, table string, rec domain.Record) error {
	out := rec.Clone()
	out.Status = domain.StatusSynced
	out.Conflict = nil
	return e.local.Transaction(ctx, func(tx *local.Tx) error {
		return tx.Collection(table).Put(ctx, out)
	})
}

// deferConflict records a MANUAL conflict and leaves both copies untouched.
// Copies that only differ in metadata are settled in favor of the remote.
func (e *Engine) deferConflict(ctx context.Context, r *run, table string, local, remote domain.Record) error {
	differs, c, err := e.conflicts.DetectConflict(table, local, remote)
	if err != nil {
		return err
	}
	if !differs {
		return e.markSynced(ctx, table, remote)
	}
	if err := e.conflicts.RecordConflict(ctx, c); err != nil {
		return fmt.Errorf("record conflict %s/%s: %w", table, local.ID, err)
	}
	merged, _ := Resolve(local, remote, domain.Manual)
	r.leave(table, merged)
	logger.Log.Info("Conflict left for manual resolution",
		zap.String("table", table),
		zap.String("id", local.ID),
		zap.String("conflictID", c.ID),
	)
	return nil
}

// ResolveManual settles a recorded conflict with an automatic strategy. The
// strategy is applied to the copies both stores hold now, not to the ones
// saved with the conflict, so edits made since the conflict was recorded are
// not overwritten. Every pending conflict on the record is closed.
func (e *Engine) ResolveManual(ctx context.Context, conflictID string, strategy domain.Strategy) (domain.Record, error) {
	strategy = strategy.OrDefault()
	if strategy == domain.Manual {
		return domain.Record{}, fmt.Errorf("%w: a manual conflict needs an automatic strategy", domain.ErrValidation)
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return domain.Record{}, fmt.Errorf("%w: sync already in progress", domain.ErrConcurrency)
	}
	defer e.syncing.Store(false)

	c, _, _, err := e.conflicts.Load(ctx, conflictID)
	if err != nil {
		return domain.Record{}, err
	}
	if c.Resolved {
		return domain.Record{}, fmt.Errorf("%w: conflict %s already resolved", domain.ErrValidation, conflictID)
	}

	release, err := e.local.Exclusive(ctx)
	if err != nil {
		return domain.Record{}, err
	}
	defer release()

	userID, err := e.signedIn(ctx)
	if err != nil {
		return domain.Record{}, err
	}
	r := &run{strategy: strategy, userID: userID}

	current, err := e.local.Collection(c.TableName).Find(ctx, c.RecordID)
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: local copy of %s/%s: %w", domain.ErrConflict, c.TableName, c.RecordID, err)
	}
	if current.Status == domain.StatusDeleted {
		return domain.Record{}, fmt.Errorf("%w: %s/%s was deleted locally, sync to push the deletion", domain.ErrConflict, c.TableName, c.RecordID)
	}
	rem, err := remote.From(e.remote, c.TableName).
		Eq(remote.ColumnID, c.RecordID).
		Eq(remote.ColumnUserID, userID).
		Single(ctx)
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: remote copy of %s/%s: %w", domain.ErrConflict, c.TableName, c.RecordID, err)
	}

	merged, _ := Resolve(current, rem, strategy)
	if err := e.writeRemote(ctx, r, c.TableName, merged); err != nil {
		return domain.Record{}, err
	}
	if err := e.markSynced(ctx, c.TableName, merged); err != nil {
		return domain.Record{}, err
	}
	if err := e.conflicts.MarkResolved(ctx, c, strategy, merged); err != nil {
		return domain.Record{}, err
	}
	logger.Log.Info("Resolved conflict",
		zap.String("conflictID", conflictID),
		zap.String("table", c.TableName),
		zap.String("id", c.RecordID),
		zap.String("strategy", string(strategy)),
	)
	merged.Status = domain.StatusSynced
	merged.Conflict = nil
	return merged, nil
}

func (e *Engine) checkpoint(ctx context.Context) (time.Time, error) {
	st, err := e.state.GetSyncState(ctx, store.ScopeCheckpoint)
	if err != nil {
		return time.Time{}, err
	}
	if st == nil || !st.LastSyncTime.Valid {
		return time.Time{}, nil
	}
	return st.LastSyncTime.Time, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, at time.Time, r *run) error {
	stats := r.snapshot()
	return e.state.UpdateSyncState(ctx, &store.SyncState{
		Scope:        store.ScopeCheckpoint,
		LastSyncTime: sql.NullTime{Time: at, Valid: true},
		RowsSynced:   int64(stats.Pushed + stats.Pulled),
		Status:       "completed",
	})
}

// Checkpoint reports the boundary of the next pull, zero before the first.
func (e *Engine) Checkpoint(ctx context.Context) (time.Time, error) {
	return e.checkpoint(ctx)
}

func (e *Engine) finishHistory(h *store.SyncHistory, res Result) {
	h.CompletedAt = sql.NullTime{Time: e.now(), Valid: true}
	h.Pushed = res.Stats.Pushed
	h.Pulled = res.Stats.Pulled
	h.ConflictsDetected = res.Stats.Conflicts
	h.Skipped = res.Stats.Skipped
	h.Status = "completed"
	if !res.Success {
		h.Status = "failed"
		h.ErrorMessage = sql.NullString{String: res.Message, Valid: true}
	}
	// the run's context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.state.UpdateSyncHistory(ctx, h); err != nil {
		logger.Log.Warn("Failed to update sync history", zap.String("id", h.ID), zap.Error(err))
	}
}
