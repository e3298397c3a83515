// Package telemetry provides request tagging, metrics and tracing.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	// Endpoint is the route name, e.g. "rpm_available".
	Endpoint string
	// Op is the store operation the request performed, e.g. "set_available".
	Op string
	// Outcome is the store outcome label, see pkgdb.Outcome.
	Outcome string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, &RequestTags{}))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext is GetTags for code that only holds the context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint name for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetOp sets the store operation tag for metrics and logging.
func SetOp(r *http.Request, op string) {
	if tags := GetTags(r); tags != nil {
		tags.Op = op
	}
}

// SetOutcome sets the store outcome tag.
func SetOutcome(r *http.Request, outcome string) {
	if tags := GetTags(r); tags != nil {
		tags.Outcome = outcome
	}
}
