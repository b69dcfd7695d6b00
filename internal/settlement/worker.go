package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Worker defaults.
const (
	DefaultInterval    = 15 * time.Second
	DefaultConcurrency = 4
	DefaultBatchSize   = 100
)

// Worker periodically polls submitted claims and hands due verdicts to the
// vault. Claims in one batch are polled concurrently; batches never
// overlap.
type Worker struct {
	service     *Service
	interval    time.Duration
	concurrency int
	batchSize   int
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewWorker creates a settlement worker. Non-positive arguments take the
// defaults.
func NewWorker(service *Service, interval time.Duration, concurrency int, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		service:     service,
		interval:    interval,
		concurrency: concurrency,
		batchSize:   DefaultBatchSize,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRunOnce(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in settlement worker", "panic", fmt.Sprint(r))
		}
	}()
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Warn("settlement round failed", "error", err)
	}
}

// RunOnce polls one batch of submitted claims, then applies due verdicts.
func (w *Worker) RunOnce(ctx context.Context) error {
	claims, err := w.service.store.ListByStatus(ctx, StatusSubmitted, w.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list submitted claims: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, c := range claims {
		id := c.ID
		g.Go(func() error {
			if _, err := w.service.Poll(ctx, id); err != nil {
				w.logger.Warn("claim poll round failed", "claimId", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	applied, err := w.service.ApplyDueVerdicts(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("failed to apply verdicts: %w", err)
	}
	if len(claims) > 0 || applied > 0 {
		w.logger.Info("settlement round complete", "polled", len(claims), "verdictsApplied", applied)
	}
	return nil
}
