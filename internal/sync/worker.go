package sync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// TableFunc processes one table within a phase.
type TableFunc func(ctx context.Context, table string) error

// WorkerPool spreads the tables of one phase over a fixed number of workers.
// The first error cancels the remaining tables.
type WorkerPool struct {
	size int
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{size: size}
}

// Run blocks until every table was processed or the phase was aborted.
func (p *WorkerPool) Run(ctx context.Context, tables []string, fn TableFunc) error {
	if len(tables) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan string)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	n := min(p.size, len(tables))
	for i := 0; i < n; i++ {
		w := &Worker{id: i, fn: fn}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.run(ctx, queue); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}()
	}

feed:
	for _, t := range tables {
		select {
		case queue <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	// cancelled by the caller rather than by a failing worker
	return ctx.Err()
}

type Worker struct {
	id int
	fn TableFunc
}

func (w *Worker) run(ctx context.Context, queue <-chan string) error {
	for table := range queue {
		if err := ctx.Err(); err != nil {
			return nil
		}
		logger.Log.Debug("Processing table", zap.Int("workerID", w.id), zap.String("table", table))
		if err := w.fn(ctx, table); err != nil {
			logger.Log.Error("Table failed",
				zap.Int("workerID", w.id),
				zap.String("table", table),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}
