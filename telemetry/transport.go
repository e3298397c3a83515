package telemetry

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// ObjectStoreCall describes one HTTP exchange between an object store SDK
// and its service. Retries made by the SDK show up as separate calls.
type ObjectStoreCall struct {
	Backend  string
	Method   string
	Outcome  string
	Duration time.Duration
	// BytesSent is the request body size when known up front.
	BytesSent int64
	// BytesReceived counts response body bytes actually read.
	BytesReceived int64
}

// InstrumentedTransport measures every request an object store client sends.
type InstrumentedTransport struct {
	base    http.RoundTripper
	backend string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
func NewInstrumentedTransport(base http.RoundTripper, backend string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, backend: backend}
}

// InstrumentedClient returns an http.Client for an object store SDK.
func InstrumentedClient(backend string) *http.Client {
	return &http.Client{Transport: NewInstrumentedTransport(nil, backend)}
}

// RoundTrip implements http.RoundTripper. The call is recorded once the
// response body is closed, or immediately when no response arrives.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	call := ObjectStoreCall{Backend: t.backend, Method: req.Method}
	if req.ContentLength > 0 {
		call.BytesSent = req.ContentLength
	}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		call.Outcome = "error"
		if req.Context().Err() != nil {
			call.Outcome = "canceled"
		}
		call.Duration = time.Since(start)
		RecordObjectStoreHTTP(req.Context(), call)
		return nil, err
	}

	call.Outcome = statusOutcome(resp.StatusCode)
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		start:      start,
		call:       call,
	}
	return resp, nil
}

// statusOutcome maps an object store response status onto an outcome label.
// A missing object is routine for HEAD requests, so it is not lumped in with
// other client errors.
func statusOutcome(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

type instrumentedBody struct {
	io.ReadCloser
	ctx   context.Context
	start time.Time
	call  ObjectStoreCall
	once  sync.Once
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.call.BytesReceived += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	b.once.Do(func() {
		b.call.Duration = time.Since(b.start)
		RecordObjectStoreHTTP(b.ctx, b.call)
	})
	return b.ReadCloser.Close()
}
