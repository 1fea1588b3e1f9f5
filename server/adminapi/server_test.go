package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// restricted serves the full /api/v1 router with an allow list.
func restricted(t *testing.T, allowed ...string) http.Handler {
	t.Helper()
	f := newAPIFixture(t, nil)
	s, err := New(f.engine, ServerOptions{APIKey: testAPIKey, AllowedHosts: allowed})
	require.NoError(t, err)
	return s.setupRoutes()
}

func call(h http.Handler, remote string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func bearer(extra map[string]string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + testAPIKey}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func TestAllowedHostsCIDR(t *testing.T) {
	h := restricted(t, "10.20.0.0/16", "192.0.2.7", "2001:db8::/32")

	tests := []struct {
		remote string
		want   int
	}{
		{"10.20.3.4:51000", http.StatusOK},
		{"10.21.0.1:51000", http.StatusForbidden},
		{"192.0.2.7:443", http.StatusOK},
		{"192.0.2.8:443", http.StatusForbidden},
		{"[2001:db8::1]:8080", http.StatusOK},
		{"[2001:db9::1]:8080", http.StatusForbidden},
	}
	for _, tt := range tests {
		rr := call(h, tt.remote, bearer(nil))
		assert.Equal(t, tt.want, rr.Code, tt.remote)
	}
}

func TestAllowedHostsUseForwardedAddress(t *testing.T) {
	h := restricted(t, "10.20.0.0/16")

	// behind a proxy: the first X-Forwarded-For entry is the client
	rr := call(h, "127.0.0.1:1234", bearer(map[string]string{"X-Forwarded-For": "10.20.9.9, 127.0.0.1"}))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = call(h, "10.20.0.1:1234", bearer(map[string]string{"X-Forwarded-For": "203.0.113.5"}))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = call(h, "127.0.0.1:1234", bearer(map[string]string{"X-Real-IP": "10.20.1.1"}))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAllowedHostsIgnoresMalformedEntries(t *testing.T) {
	h := restricted(t, "not-a-cidr/99", "10.0.0.1")

	assert.Equal(t, http.StatusForbidden, call(h, "10.0.0.2:1", bearer(nil)).Code)
	assert.Equal(t, http.StatusOK, call(h, "10.0.0.1:1", bearer(nil)).Code)
}

func TestHostCheckRunsBeforeAuth(t *testing.T) {
	h := restricted(t, "10.0.0.1")

	rr := call(h, "10.0.0.2:1", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, map[string]any{"error": "Host not allowed"}, decode(t, rr))
}

func TestBearerAuth(t *testing.T) {
	h := restricted(t)

	tests := []struct {
		name   string
		header string
		want   int
		msg    string
	}{
		{"missing", "", http.StatusUnauthorized, "Authorization header required"},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'"},
		{"no token", "Bearer", http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'"},
		{"wrong key", "Bearer nope", http.StatusForbidden, "Invalid API key"},
		{"lowercase scheme", "bearer " + testAPIKey, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rr := call(h, "192.0.2.1:1", headers)
			require.Equal(t, tt.want, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			if tt.msg != "" {
				assert.Equal(t, tt.msg, decode(t, rr)["error"])
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	h := restricted(t)

	req := httptest.NewRequest("GET", "/api/v2/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
