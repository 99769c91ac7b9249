package tempstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_tempstore_sweeps_total",
		Help: "Number of temporary storage cleanup passes",
	})

	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_tempstore_expired_total",
		Help: "Number of temporary documents removed after their TTL elapsed",
	})

	sweepSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_tempstore_skipped_total",
		Help: "Number of unreadable registry entries skipped by cleanup",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_tempstore_sweep_errors_total",
		Help: "Number of expired documents whose bytes could not be deleted",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intake_tempstore_sweep_duration_seconds",
		Help:    "Duration of temporary storage cleanup passes",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// DefaultSweepInterval is the cleanup period used when none is configured.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper runs CleanupExpired on a fixed interval. It needs no coordination
// with user operations because both sides claim entries before acting.
type Sweeper struct {
	adapter   *Adapter
	interval  time.Duration
	onExpired func(reference string)
	logger    *slog.Logger

	mu     sync.Mutex // serializes RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper. onExpired, when set, is called once for each
// reference removed by a pass.
func NewSweeper(adapter *Adapter, interval time.Duration, onExpired func(reference string)) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		adapter:   adapter,
		interval:  interval,
		onExpired: onExpired,
		logger:    slog.Default().With("component", "sweeper"),
	}
}

// Start runs a pass immediately, which re-evaluates entries reloaded from a
// previous process, then one pass per interval until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Sweeper started", "interval", s.interval.String())
}

// Stop halts the background loop and waits for an in-flight pass.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("Sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single cleanup pass against the adapter's clock.
func (s *Sweeper) RunOnce() *CleanupResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result, err := s.adapter.CleanupExpired(s.adapter.clock.Now())
	if err != nil {
		s.logger.Error("Cleanup pass failed", "error", err)
	}

	for _, reference := range result.Expired {
		if s.onExpired != nil {
			s.onExpired(reference)
		}
	}

	elapsed := time.Since(start)
	sweepRunsTotal.Inc()
	sweepExpiredTotal.Add(float64(result.Count()))
	sweepSkippedTotal.Add(float64(result.Skipped))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(elapsed.Seconds())

	s.logger.Info("Cleanup pass finished",
		"expired", result.Count(),
		"skipped", result.Skipped,
		"errors", result.Errors,
		"duration", elapsed,
	)
	return result
}
