package pkgdb

import (
	"context"
	"log/slog"
	"time"

	"github.com/FyraLabs/subatomic-ng/telemetry"
)

// Sweeper is the part of Store the reaper needs.
type Sweeper interface {
	SweepAudit(ctx context.Context) (int, error)
}

// Reaper sweeps expired audit entries on an interval. Appends already sweep
// lazily, so a reaper only matters for stores that go quiet for longer than
// the retention.
type Reaper struct {
	store    Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the sweep interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper. The default interval is one minute.
func NewReaper(store Sweeper, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:    store,
		interval: time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("audit reaper started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("audit reaper stopped")
			return
		case <-ticker.C:
			r.SweepNow(ctx)
		}
	}
}

// SweepNow runs a single sweep immediately and returns the number of
// entries removed.
func (r *Reaper) SweepNow(ctx context.Context) int {
	start := time.Now()
	deleted, err := r.store.SweepAudit(ctx)
	telemetry.RecordReaperCycle(ctx, "audit", deleted, time.Since(start))
	if err != nil {
		r.logger.Error("failed to sweep audit log", "error", err)
		return 0
	}
	if deleted > 0 {
		telemetry.RecordAuditSwept(ctx, "reaper", deleted)
		r.logger.Info("expired audit entries swept", "deleted", deleted)
	}
	return deleted
}
