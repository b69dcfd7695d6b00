package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer runs when none is given.
const DefaultInterval = 5 * time.Minute

// Timer periodically runs reconciliation and keeps the latest report.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu   sync.RWMutex
	last *Report
}

// NewTimer creates a reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent report, or nil before the first run.
func (t *Timer) Last() *Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Start runs one check immediately, then on every tick. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()
	_, _ = t.RunOnce(ctx)
}

// RunOnce runs one reconciliation, records metrics and keeps the report.
func (t *Timer) RunOnce(ctx context.Context) (*Report, error) {
	report, err := t.service.Run(ctx)
	if err != nil {
		runErrors.Inc()
		t.logger.Warn("reconciliation run failed", "error", err)
		return nil, err
	}

	runDuration.Observe(report.Duration.Seconds())
	poolMismatches.Set(float64(len(report.Mismatches)))
	if report.Solvency != nil {
		shortfall, _ := strconv.ParseFloat(report.Solvency.Shortfall, 64)
		custodyShortfall.Set(shortfall)
	}

	for _, m := range report.Mismatches {
		t.logger.Error("CRITICAL: pool totals disagree with participants",
			"poolId", m.PoolID,
			"totalStaked", m.TotalStaked, "participantStake", m.ParticipantStake,
			"totalCoverage", m.TotalCoverage, "participantCoverage", m.ParticipantCover)
	}
	if report.Solvency != nil && !report.Solvency.Solvent {
		t.logger.Error("CRITICAL: custody balance below staked total",
			"custodyBalance", report.Solvency.CustodyBalance,
			"totalStaked", report.Solvency.TotalStaked,
			"shortfall", report.Solvency.Shortfall)
	}

	t.mu.Lock()
	t.last = report
	t.mu.Unlock()
	return report, nil
}
