package sync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// BinlogListener follows the remote database's binlog and triggers a sync
// when a synced table changes. Bursts of row events inside the debounce
// window collapse into one run. The last position seen is kept in the state
// store so a restart resumes where it stopped.
type BinlogListener struct {
	cfg        config.DatabaseConnection
	canal      *canal.Canal
	positionFn func() gomysql.Position

	engine   Syncer
	strategy domain.Strategy
	state    store.Store
	debounce time.Duration
	tables   map[string]bool // whitelist

	changes chan RemoteChange
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewBinlogListener(cfg config.DatabaseConnection, tables []string, engine Syncer, state store.Store, syncCfg config.SyncConfig) (*BinlogListener, error) {
	var tableRegex []string
	for _, t := range tables {
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", cfg.Database, t))
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // binlog only, no initial dump
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	strategy, err := domain.ParseStrategy(syncCfg.DefaultStrategy)
	if err != nil {
		c.Close()
		return nil, err
	}

	l := newListener(tables, engine, strategy, state, syncCfg.GetDebounce())
	l.cfg = cfg
	l.canal = c
	l.positionFn = c.SyncedPosition
	c.SetEventHandler(&eventHandler{listener: l})
	return l, nil
}

func newListener(tables []string, engine Syncer, strategy domain.Strategy, state store.Store, debounce time.Duration) *BinlogListener {
	tableMap := make(map[string]bool, len(tables))
	for _, t := range tables {
		tableMap[t] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BinlogListener{
		engine:     engine,
		strategy:   strategy.OrDefault(),
		state:      state,
		debounce:   debounce,
		tables:     tableMap,
		changes:    make(chan RemoteChange, 1024),
		ctx:        ctx,
		cancel:     cancel,
		positionFn: func() gomysql.Position { return gomysql.Position{} },
	}
}

// Start resumes from the saved binlog position, or from the master's current
// position when none was saved.
func (l *BinlogListener) Start(ctx context.Context) error {
	st, err := l.state.GetSyncState(ctx, store.ScopeBinlog)
	if err != nil {
		return fmt.Errorf("load binlog position: %w", err)
	}

	l.wg.Add(1)
	go l.loop()

	if l.canal == nil {
		return nil
	}

	pos, err := startPosition(st, l.canal.GetMasterPos)
	if err != nil {
		l.cancel()
		l.wg.Wait()
		return err
	}

	logger.Log.Info("Starting binlog listener", zap.String("host", l.cfg.Host))
	go func() {
		if err := l.canal.RunFrom(pos); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	return nil
}

// startPosition picks the saved position, or the master's current position
// when nothing was saved yet.
func startPosition(st *store.SyncState, master func() (gomysql.Position, error)) (gomysql.Position, error) {
	if st != nil && st.BinlogFile.Valid && st.BinlogPosition.Valid {
		pos := gomysql.Position{Name: st.BinlogFile.String, Pos: uint32(st.BinlogPosition.Int64)}
		logger.Log.Info("Resuming binlog", zap.String("file", pos.Name), zap.Uint32("pos", pos.Pos))
		return pos, nil
	}
	pos, err := master()
	if err != nil {
		return gomysql.Position{}, fmt.Errorf("read master position: %w", err)
	}
	logger.Log.Info("No saved binlog position, starting at the current end",
		zap.String("file", pos.Name), zap.Uint32("pos", pos.Pos))
	return pos, nil
}

func (l *BinlogListener) Stop() {
	l.cancel()
	if l.canal != nil {
		l.canal.Close()
	}
	l.wg.Wait()
	logger.Log.Info("Stopped binlog listener")
}

// notify queues a change, blocking while the queue is full.
func (l *BinlogListener) notify(c RemoteChange) error {
	if !l.tables[c.Table] {
		return nil
	}
	select {
	case l.changes <- c:
		return nil
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

func (l *BinlogListener) loop() {
	defer l.wg.Done()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending RemoteChange
		count   int
	)
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(l.debounce)
		} else {
			timer.Reset(l.debounce)
		}
		fire = timer.C
	}

	for {
		select {
		case c := <-l.changes:
			pending = c
			count++
			arm()

		case <-fire:
			fire = nil
			if l.engine.IsSyncing() {
				arm()
				continue
			}
			l.flush(pending, count)
			count = 0

		case <-l.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (l *BinlogListener) flush(last RemoteChange, count int) {
	logger.Log.Info("Remote changes detected, syncing",
		zap.Int("events", count),
		zap.String("last", last.String()),
	)

	res := l.engine.Synchronize(l.ctx, l.strategy)

	state := &store.SyncState{
		Scope:        store.ScopeBinlog,
		LastSyncTime: sql.NullTime{Time: time.Now(), Valid: true},
		Status:       "completed",
	}
	if last.BinlogFile != "" {
		state.BinlogFile = sql.NullString{String: last.BinlogFile, Valid: true}
		state.BinlogPosition = sql.NullInt64{Int64: int64(last.BinlogPos), Valid: true}
	}
	if res.Stats != nil {
		state.RowsSynced = int64(res.Stats.Pushed + res.Stats.Pulled)
	}
	if !res.Success {
		state.Status = "failed"
		state.ErrorMessage = sql.NullString{String: res.Message, Valid: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.state.UpdateSyncState(ctx, state); err != nil {
		logger.Log.Error("Failed to save binlog position", zap.Error(err))
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	var changeType ChangeType
	switch e.Action {
	case canal.InsertAction:
		changeType = Insert
	case canal.UpdateAction:
		changeType = Update
	case canal.DeleteAction:
		changeType = Delete
	default:
		return nil
	}

	pos := h.listener.positionFn()
	change := RemoteChange{
		Type:       changeType,
		Schema:     e.Table.Schema,
		Table:      e.Table.Name,
		Rows:       len(e.Rows),
		BinlogFile: pos.Name,
		BinlogPos:  pos.Pos,
	}
	if e.Header != nil {
		change.Timestamp = e.Header.Timestamp
	}
	return h.listener.notify(change)
}

func (h *eventHandler) String() string {
	return "BinlogEventHandler"
}
