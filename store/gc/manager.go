// Package gc removes stored artifacts that no package record references.
//
// Collection is two-phase: a blob seen unreferenced in one run becomes a
// candidate and is only deleted if it is still unreferenced in the next
// run. This leaves a full interval for an upload to be followed by the
// Create that references it.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	subatomic "github.com/FyraLabs/subatomic-ng"
)

// Blobs is the artifact store being collected.
type Blobs interface {
	List(ctx context.Context) ([]subatomic.ObjectKey, error)
	Size(ctx context.Context, key subatomic.ObjectKey) (int64, error)
	Delete(ctx context.Context, key subatomic.ObjectKey) error
}

// References reports whether any package record points at key.
type References interface {
	Referenced(ctx context.Context, key subatomic.ObjectKey) (bool, error)
}

// ReferencesFunc adapts a function to References.
type ReferencesFunc func(ctx context.Context, key subatomic.ObjectKey) (bool, error)

// Referenced implements References.
func (f ReferencesFunc) Referenced(ctx context.Context, key subatomic.ObjectKey) (bool, error) {
	return f(ctx, key)
}

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
	BatchSize    int           // Max deletions per run (default: 1000)
	DryRun       bool          // Report orphans without deleting them
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Hour,
		StartupDelay: 5 * time.Minute,
		BatchSize:    1000,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Scanned        int           `json:"scanned"`
	Candidates     int           `json:"candidates"`
	OrphansDeleted int           `json:"orphans_deleted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager manages artifact garbage collection.
type Manager struct {
	blobs   Blobs
	refs    References
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result

	// candidates were unreferenced in the previous run.
	candidates map[subatomic.ObjectKey]struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// New creates a new GC manager.
func New(blobs Blobs, refs References, config Config, opts ...ManagerOption) *Manager {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	m := &Manager{
		blobs:      blobs,
		refs:       refs,
		config:     config,
		logger:     slog.Default(),
		candidates: map[subatomic.ObjectKey]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "gc")
	return m
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.runGC(ctx)
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.setRunning(false)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"dry_run", m.config.DryRun,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	result := &Result{StartedAt: time.Now()}

	m.logger.Info("starting gc run")

	orphans := m.phaseScan(ctx, result)
	m.phaseCollect(ctx, orphans, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"scanned", result.Scanned,
		"candidates", result.Candidates,
		"orphans_deleted", result.OrphansDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.orphansDeleted.Add(ctx, int64(result.OrphansDeleted))
	m.metrics.candidates.Record(ctx, int64(result.Candidates))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
