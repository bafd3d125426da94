package tenantctx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromRequestHeaderPrecedence(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/stores", nil)
	r.Header.Set(HeaderTenantID, "acme")
	r.Header.Set(HeaderUserID, "user-1")
	require.Equal(t, "acme", FromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/stores", nil)
	r.Header.Set(HeaderUserID, "user-1")
	require.Equal(t, "user-1", FromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/stores", nil)
	require.Equal(t, DefaultTenant, FromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/stores", nil)
	r.Header.Set(HeaderTenantID, "   ")
	require.Equal(t, DefaultTenant, FromRequest(r))
}

func TestMiddlewareStoresTenantOnContext(t *testing.T) {
	t.Parallel()

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/stores", nil)
	r.Header.Set(HeaderTenantID, "t1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	require.Equal(t, "t1", seen)
}

func TestFromContextDefault(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/stores", nil)
	require.Equal(t, DefaultTenant, FromContext(r.Context()))
}
