package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FyraLabs/subatomic-ng/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics and spans.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

// Name returns the label used for this backend in metrics.
func (ib *InstrumentedBackend) Name() string {
	return ib.name
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	ctx, done := ib.start(ctx, "write", key)
	cr := &countingReader{r: r}
	var body io.Reader = cr
	if rs, ok := r.(io.ReadSeeker); ok {
		// S3 needs Seek to size the body and to rewind on retry.
		body = &countingReadSeeker{countingReader: cr, s: rs}
	}
	err := ib.backend.Write(ctx, key, body)
	done(err, cr.n)
	return err
}

// Read records the operation once the returned body is closed so that the
// byte count covers the whole download.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, done := ib.start(ctx, "read", key)
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		done(err, 0)
		return nil, err
	}
	return &countingReadCloser{ReadCloser: rc, done: done}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	ctx, done := ib.start(ctx, "delete", key)
	err := ib.backend.Delete(ctx, key)
	done(err, 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	ctx, done := ib.start(ctx, "exists", key)
	exists, err := ib.backend.Exists(ctx, key)
	done(err, 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, done := ib.start(ctx, "list", prefix)
	keys, err := ib.backend.List(ctx, prefix)
	done(err, 0)
	return keys, err
}

// Size delegates to the underlying backend if it implements SizeAwareBackend.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	ctx, done := ib.start(ctx, "size", key)
	size, err := sb.Size(ctx, key)
	done(err, 0)
	return size, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func (ib *InstrumentedBackend) start(ctx context.Context, op, key string) (context.Context, func(error, int64)) {
	begin := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "backend."+op,
		trace.WithAttributes(
			attribute.String("backend.name", ib.name),
			attribute.String("backend.key", key),
		))
	return ctx, func(err error, n int64) {
		outcome := outcomeFromError(err)
		if outcome == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		telemetry.RecordBackendOp(ctx, ib.name, op, outcome, time.Since(begin), n)
	}
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadSeeker struct {
	*countingReader
	s io.Seeker
}

// Seek resets the count when the body is rewound so retries are not
// counted twice.
func (c *countingReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.s.Seek(offset, whence)
	if err == nil {
		c.n = pos
	}
	return pos, err
}

type countingReadCloser struct {
	io.ReadCloser
	n    int64
	done func(error, int64)
	once bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if !c.once {
		c.once = true
		c.done(err, c.n)
	}
	return err
}

var (
	_ Backend          = (*InstrumentedBackend)(nil)
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
)
