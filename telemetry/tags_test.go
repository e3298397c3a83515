package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Empty(t, tags.Op)
	require.Empty(t, tags.Endpoint)
	require.Empty(t, tags.Outcome)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
	require.Nil(t, TagsFromContext(r.Context()))
}

func TestSetters(t *testing.T) {
	r := newTaggedRequest()
	SetOp(r, "create")
	SetEndpoint(r, "rpms")
	SetOutcome(r, "duplicate")

	tags := TagsFromContext(r.Context())
	require.Equal(t, "create", tags.Op)
	require.Equal(t, "rpms", tags.Endpoint)
	require.Equal(t, "duplicate", tags.Outcome)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// Should not panic
	SetOp(r, "create")
	SetEndpoint(r, "rpms")
	SetOutcome(r, "success")
}

func TestTagsAreSharedWithDerivedRequests(t *testing.T) {
	r := newTaggedRequest()
	derived := r.WithContext(r.Context())
	SetOp(derived, "get")
	require.Equal(t, "get", GetTags(r).Op)
}
