package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/callback"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

// CleanupWorker periodically removes expired callback states so abandoned
// requests do not accumulate in stores without native expiry.
type CleanupWorker struct {
	interval time.Duration
	store    callback.Store
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleanupWorker creates a new cleanup worker. A non-positive interval
// disables it.
func NewCleanupWorker(cfg config.CallbackConfig, store callback.Store, logger *zap.Logger) *CleanupWorker {
	return &CleanupWorker{
		interval: time.Duration(cfg.CleanupIntervalSeconds) * time.Second,
		store:    store,
		logger:   logger.Named("callback-cleanup"),
	}
}

// Start begins the cleanup worker in the background
func (w *CleanupWorker) Start() {
	if w.interval <= 0 {
		w.logger.Info("Callback cleanup worker disabled")
		return
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)

	go w.run()

	w.logger.Info("Callback cleanup worker started", zap.Duration("interval", w.interval))
}

// Stop gracefully stops the cleanup worker
func (w *CleanupWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Callback cleanup worker stopped")
}

func (w *CleanupWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.cleanup()
		}
	}
}

func (w *CleanupWorker) cleanup() {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	n, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.Error("Failed to cleanup expired callback states", zap.Error(err))
		return
	}

	w.logger.Debug("Completed callback cleanup pass", zap.Int64("removed", n))
}

// RunOnce runs a single cleanup pass
func (w *CleanupWorker) RunOnce(ctx context.Context) (int64, error) {
	return w.store.Cleanup(ctx)
}
