package verify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Scheduler runs Verify on an interval over the trailing window and
// keeps the latest report available for the status endpoint.
type Scheduler struct {
	verifier *Verifier
	interval time.Duration
	window   time.Duration
	logger   *slog.Logger

	onReport func(Report)

	last atomic.Pointer[Report]
}

func NewScheduler(verifier *Verifier, interval, window time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		verifier: verifier,
		interval: interval,
		window:   window,
		logger:   logger,
	}
}

// OnReport registers a callback invoked after every completed run, used
// to feed the integrity gauge. Must be set before Run.
func (s *Scheduler) OnReport(fn func(Report)) {
	s.onReport = fn
}

// Run blocks until ctx is done, verifying the trailing window on every
// tick. A detected violation is reported, never auto-corrected; the
// ledger is not rewritten to "fix" a tamper.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	report, err := s.verifier.Verify(ctx, now.Add(-s.window), now)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled integrity verification failed", "error", err)
		return
	}
	s.last.Store(&report)
	if s.onReport != nil {
		s.onReport(report)
	}
	if !report.Valid {
		s.logger.ErrorContext(ctx, "audit chain integrity violation detected",
			"entries", report.Entries,
			"invalid", report.Invalid,
		)
	}
}

// LastReport returns the most recent report, nil before the first run.
func (s *Scheduler) LastReport() *Report {
	return s.last.Load()
}
