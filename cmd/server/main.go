package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/api"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/database"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/local"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/migrate"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

func main() {
	// Load Config
	path := os.Getenv("OSS_CONFIG")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Log.Error("Service stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()
	logger.Log.Info("Starting offline sync service")

	strategy, err := domain.ParseStrategy(cfg.Sync.DefaultStrategy)
	if err != nil {
		return err
	}

	// Local store and schema
	localStore, err := local.Open(cfg.Local.Path)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer localStore.Close()

	schema, err := migrate.NewEngine(localStore, migrations)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	target := cfg.Local.TargetVersion
	if target == 0 {
		target = schema.Latest()
	}
	if p := schema.MigrateToVersion(ctx, target); !p.Success {
		return fmt.Errorf("migrate local store: %w", p.Err)
	}

	// State store
	stateStore, err := store.Open(ctx, cfg.StateStorage)
	if err != nil {
		return fmt.Errorf("init state store: %w", err)
	}
	defer stateStore.Close()

	// Remote store
	remoteStore, closeRemote, err := openRemote(ctx, cfg.Remote, schema.TablesAt(schema.Latest()))
	if err != nil {
		return err
	}
	defer closeRemote()

	engine := sync.NewEngine(localStore, remoteStore, stateStore, schema, cfg.Sync)

	scheduler := sync.NewScheduler(cfg.Scheduler, engine, strategy)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	if cfg.Sync.Realtime {
		if cfg.Remote.Type != "mysql" {
			logger.Log.Warn("Realtime sync needs a mysql remote, skipping binlog listener")
		} else {
			active, err := schema.ActiveTables(ctx)
			if err != nil {
				return err
			}
			listener, err := sync.NewBinlogListener(cfg.Remote.Connection, active, engine, stateStore, cfg.Sync)
			if err != nil {
				return err
			}
			if err := listener.Start(ctx); err != nil {
				return err
			}
			defer listener.Stop()
		}
	}

	// Init API
	handler := api.NewHandler(cfg.Server, engine, schema, stateStore, strategy)
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Log.Info("Shutting down server...")
	engine.CancelSync()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openRemote(ctx context.Context, cfg config.RemoteConfig, tables []string) (remote.Store, func(), error) {
	switch cfg.Type {
	case "memory":
		logger.Log.Warn("Using in-memory remote store, data is not persisted", zap.String("userID", cfg.UserID))
		return remote.NewMemory(cfg.UserID), func() {}, nil
	case "mysql":
		db, err := database.NewDatabase(cfg.Connection)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to remote db: %w", err)
		}
		r := remote.NewMySQL(db, cfg.SessionToken)
		if err := r.EnsureSchema(ctx, tables...); err != nil {
			db.Close()
			return nil, nil, err
		}
		return r, func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported remote type %q", cfg.Type)
}
