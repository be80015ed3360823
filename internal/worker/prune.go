package worker

import (
	"context"
	"sync"
	"time"

	"github.com/gamestats-mongo/internal/config"
	"github.com/rs/zerolog"
)

// Pruner deletes upload audit records older than a cutoff
type Pruner interface {
	PruneUploads(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneWorker periodically removes expired upload audit records
type PruneWorker struct {
	pruner  Pruner
	config  *config.AuditConfig
	logger  zerolog.Logger
	now     func() time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewPruneWorker creates a new prune worker
func NewPruneWorker(pruner Pruner, cfg *config.AuditConfig, logger zerolog.Logger) *PruneWorker {
	return &PruneWorker{
		pruner: pruner,
		config: cfg,
		logger: logger.With().Str("component", "prune_worker").Logger(),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background prune loop
func (w *PruneWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info().
		Dur("interval", w.config.PruneInterval).
		Dur("retention", w.config.Retention).
		Msg("prune worker started")

	go w.run(ctx)
	return nil
}

// Stop stops the background prune loop and waits for it to exit
func (w *PruneWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info().Msg("prune worker stopped")
	return nil
}

func (w *PruneWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce prunes every record older than the retention period
func (w *PruneWorker) RunOnce(ctx context.Context) {
	cutoff := w.now().Add(-w.config.Retention)
	start := time.Now()

	deleted, err := w.pruner.PruneUploads(ctx, cutoff)
	if err != nil {
		w.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune uploads")
		return
	}

	w.logger.Info().
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Dur("duration", time.Since(start)).
		Msg("prune cycle completed")
}

// IsRunning returns whether the worker is currently running
func (w *PruneWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
