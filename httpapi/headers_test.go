package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preflight(t *testing.T, env *testEnv, path, origin string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodOptions, path, nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: []string{"*"}})
	rec := preflight(t, env, "/api/containers", "https://ui.example.com")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, http.MethodPost, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCORSAllowList(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: []string{"https://ui.example.com"}})

	rec := preflight(t, env, "/api/login", "https://evil.example.net")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	got := httptest.NewRecorder()
	env.handler.ServeHTTP(got, req)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "https://ui.example.com", got.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Retry-After, X-Build-Id", got.Header().Get("Access-Control-Expose-Headers"))
}

func TestCORSUnderBasePath(t *testing.T) {
	env := newTestEnv(t, Config{BasePath: "/berth", CORSOrigins: []string{"*"}})
	rec := preflight(t, env, "/berth/api/build", "https://ui.example.com")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSDisabled(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := preflight(t, env, "/api/containers", "https://ui.example.com")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, path := range []string{"/healthz", "/api/containers", "/missing"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"), path)
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"), path)
		assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"), path)
		assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", rec.Header().Get("Content-Security-Policy"), path)
	}
}
