// Package pkgdb is the package metadata store. Every mutation runs in one
// serializable transaction that also evaluates the trigger rules, sweeps
// expired audit entries and appends the new ones.
package pkgdb

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FyraLabs/subatomic-ng/audit"
	"github.com/FyraLabs/subatomic-ng/telemetry"
	"github.com/FyraLabs/subatomic-ng/trigger"
)

// Store holds package records and their audit trail.
type Store interface {
	// Create inserts a new package. The id and the variant must both be new.
	Create(ctx context.Context, p Package, opts ...MutationOption) (*Package, error)
	// SetAvailable changes the availability flag. Setting the current value
	// is a no-op that records nothing.
	SetAvailable(ctx context.Context, id string, available bool, opts ...MutationOption) (*Package, error)
	Get(ctx context.Context, id string) (*Package, error)
	List(ctx context.Context, f Filter) ([]*Package, error)

	// ListAudit reads the audit log. It never removes expired entries.
	ListAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	// VerifyAudit checks the hash chain over the remaining entries.
	VerifyAudit(ctx context.Context) error
	// SweepAudit removes expired entries without appending anything.
	SweepAudit(ctx context.Context) (int, error)

	Close() error
}

// MutationOption adjusts a single Create or SetAvailable call.
type MutationOption func(*mutationConfig)

type mutationConfig struct {
	markLatest bool
}

// MarkLatest makes the package the only available one among packages with
// the same name, arch and tag. Any other available package in that group is
// disabled in the same transaction. On Create it also makes the new package
// available.
func MarkLatest() MutationOption {
	return func(c *mutationConfig) {
		c.markLatest = true
	}
}

func applyMutationOptions(opts []MutationOption) mutationConfig {
	var c mutationConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Option configures a store.
type Option func(*core)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *core) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *core) {
		c.now = now
	}
}

// WithDispatcher sets the trigger dispatcher. The default dispatcher uses
// the built-in rules and a five minute retention.
func WithDispatcher(d *trigger.Dispatcher) Option {
	return func(c *core) {
		c.dispatcher = d
	}
}

// WithPublisher sets where committed audit entries are announced.
func WithPublisher(p Publisher) Option {
	return func(c *core) {
		c.publisher = p
	}
}

// WithNoSync disables fsync per bbolt transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(c *core) {
		c.noSync = noSync
	}
}

// core is the state shared by the bbolt and SQL stores.
type core struct {
	logger     *slog.Logger
	now        func() time.Time
	dispatcher *trigger.Dispatcher
	publisher  Publisher
	noSync     bool
}

func newCore(opts []Option) (*core, error) {
	c := &core{
		logger:    slog.Default(),
		now:       time.Now,
		publisher: nopPublisher{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		d, err := trigger.NewDispatcher(trigger.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.dispatcher = d
	}
	return c, nil
}

// record evaluates the trigger rules for each mutation and appends the
// resulting entries through w. It must run inside the mutation's transaction.
func (c *core) record(ctx context.Context, w audit.Writer, muts []trigger.Mutation, now time.Time) ([]audit.Entry, int, error) {
	var (
		appended []audit.Entry
		swept    int
	)
	for _, m := range muts {
		entries, err := c.dispatcher.Dispatch(m, now)
		if err != nil {
			return nil, 0, err
		}
		for i := range entries {
			n, err := audit.Append(ctx, w, &entries[i], now)
			if err != nil {
				return nil, 0, err
			}
			swept += n
		}
		appended = append(appended, entries...)
	}
	return appended, swept, nil
}

// committed runs after a successful commit. Nothing here can undo the
// mutation; failures are logged.
func (c *core) committed(ctx context.Context, entries []audit.Entry, swept int) {
	for _, e := range entries {
		telemetry.RecordAuditAppended(ctx, string(e.Action))
	}
	if swept > 0 {
		telemetry.RecordAuditSwept(ctx, "append", swept)
		c.logger.Debug("swept expired audit entries", "count", swept)
	}
	if len(entries) == 0 {
		return
	}
	if err := c.publisher.Publish(ctx, entries); err != nil {
		c.logger.Warn("publishing audit entries", "count", len(entries), "error", err)
	}
}

// startSpan opens a pkgdb span. The returned function ends it and records
// the store transaction duration under op.
func (c *core) startSpan(ctx context.Context, op, id string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "pkgdb."+op, trace.WithAttributes(
		attribute.String("package.id", id),
	))
	return ctx, func(err error) {
		outcome := Outcome(err)
		if err != nil && outcome != "not_found" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		telemetry.RecordStoreTx(ctx, strings.ToLower(op), time.Since(start))
	}
}

// startMutation is startSpan plus the mutation counter.
func (c *core) startMutation(ctx context.Context, op, id string) (context.Context, func(error)) {
	ctx, end := c.startSpan(ctx, op, id)
	return ctx, func(err error) {
		end(err)
		telemetry.RecordPackageMutation(ctx, strings.ToLower(op), Outcome(err))
	}
}

func createMutation(p *Package) trigger.Mutation {
	return trigger.Mutation{
		Kind:      trigger.KindCreate,
		PackageID: p.ID,
		After:     trigger.State(p.Available),
		Package:   p.fields(),
	}
}

func updateMutation(p *Package, before bool) trigger.Mutation {
	return trigger.Mutation{
		Kind:      trigger.KindUpdate,
		PackageID: p.ID,
		Before:    trigger.State(before),
		After:     trigger.State(p.Available),
		Package:   p.fields(),
	}
}
