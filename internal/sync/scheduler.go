package sync

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/logger"
)

// Syncer is the part of Engine the scheduler and the realtime listener drive.
type Syncer interface {
	Synchronize(ctx context.Context, strategy domain.Strategy) Result
	IsSyncing() bool
}

// Scheduler runs Synchronize on a cron schedule with the configured default strategy.
type Scheduler struct {
	cfg      config.SchedulerConfig
	engine   Syncer
	strategy domain.Strategy
	cron     *cron.Cron
	entryID  cron.EntryID
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewScheduler(cfg config.SchedulerConfig, engine Syncer, strategy domain.Strategy) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		engine:   engine,
		strategy: strategy.OrDefault(),
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, s.triggerSync)
	if err != nil {
		return fmt.Errorf("schedule sync %q: %w", s.cfg.Interval, err)
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop cancels a scheduled run in progress and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	if s.engine.IsSyncing() {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}

	logger.Log.Info("Triggering scheduled sync")
	res := s.engine.Synchronize(s.ctx, s.strategy)
	if !res.Success {
		logger.Log.Warn("Scheduled sync failed", zap.String("message", res.Message))
	}
}
