package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/berth/internal/metrics"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, requests int, window time.Duration) (*clientLimiter, *fakeClock) {
	t.Helper()
	limiter := newClientLimiter(RateLimit{Requests: requests, Window: window}, nil, nil)
	require.NotNil(t, limiter)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter.now = clock.Now
	return limiter, clock
}

func TestLimiterDisabled(t *testing.T) {
	assert.Nil(t, newClientLimiter(RateLimit{}, nil, nil))
	assert.Nil(t, newClientLimiter(RateLimit{Requests: 10}, nil, nil))

	var limiter *clientLimiter
	called := false
	handler := limiter.wrap(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLimiterBurstAndRefill(t *testing.T) {
	limiter, clock := newTestLimiter(t, 3, time.Minute)

	for i := range 3 {
		ok, _ := limiter.allow("10.0.0.1")
		require.True(t, ok, "request %d within burst", i)
	}
	ok, retry := limiter.allow("10.0.0.1")
	require.False(t, ok)
	assert.InDelta(t, float64(20*time.Second), float64(retry), float64(time.Millisecond))

	other, _ := limiter.allow("10.0.0.2")
	assert.True(t, other, "clients have separate buckets")

	clock.Advance(10 * time.Second)
	ok, retry = limiter.allow("10.0.0.1")
	require.False(t, ok)
	assert.InDelta(t, float64(10*time.Second), float64(retry), float64(time.Millisecond))

	clock.Advance(11 * time.Second)
	ok, _ = limiter.allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = limiter.allow("10.0.0.1")
	assert.False(t, ok)
}

func TestLimiterSweepsIdleClients(t *testing.T) {
	limiter, clock := newTestLimiter(t, 2, time.Minute)
	limiter.allow("10.0.0.1")
	limiter.allow("10.0.0.2")
	require.Equal(t, 2, limiter.size())

	clock.Advance(30 * time.Second)
	limiter.allow("10.0.0.2")
	clock.Advance(40 * time.Second)
	limiter.allow("10.0.0.3")
	assert.Equal(t, 2, limiter.size(), "only the idle client is dropped")
}

func TestLimiterMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, 10*time.Second)
	m := metrics.New()
	limiter.metrics = m
	handler := limiter.wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = "198.51.100.4:1234"
		rec := httptest.NewRecorder()
		handler(rec, req)
		return rec
	}
	require.Equal(t, http.StatusOK, send().Code)
	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 10)
	assert.LessOrEqual(t, retry, 11)
	assert.JSONEq(t, `{"error":"too many requests, please try again later"}`, rec.Body.String())
}

func TestRateLimitAppliesToAPIRoutes(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: RateLimit{Requests: 2, Window: time.Minute}})
	for range 2 {
		rec := env.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": "nobody", "password": "secret"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": "nobody", "password": "secret"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	health := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, health.Code, "health checks are not limited")
}

func TestForwardedForCannotDodgeLimiter(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, time.Minute)
	handler := limiter.wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	admitted := 0
	for i := range 50 {
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = "198.51.100.4:1234"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rec := httptest.NewRecorder()
		handler(rec, req)
		if rec.Code == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted, "rotating X-Forwarded-For must share the peer's bucket")
	assert.Equal(t, 1, limiter.size())
}

func TestTrustedProxyForwardsClient(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, time.Minute)
	limiter.trusted = []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}
	handler := limiter.wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/containers", nil)
		req.RemoteAddr = "10.1.2.3:4000"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send("203.0.113.1"))
	require.Equal(t, http.StatusOK, send("203.0.113.2"), "distinct clients behind the proxy get their own buckets")
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("6.6.6.6, 203.0.113.2"), "spoofed leftmost hops are ignored")
}

func TestLimitKey(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	}
	cases := []struct {
		name      string
		remote    string
		forwarded []string
		trusted   []netip.Prefix
		want      string
	}{
		{name: "no proxies trusted", remote: "198.51.100.4:1234", forwarded: []string{"192.0.2.7"}, want: "198.51.100.4"},
		{name: "untrusted peer", remote: "198.51.100.4:1234", forwarded: []string{"192.0.2.7"}, trusted: trusted, want: "198.51.100.4"},
		{name: "trusted peer", remote: "10.0.0.5:80", forwarded: []string{"192.0.2.7"}, trusted: trusted, want: "192.0.2.7"},
		{name: "proxy chain", remote: "10.0.0.5:80", forwarded: []string{"6.6.6.6, 192.0.2.7, 10.0.0.9"}, trusted: trusted, want: "192.0.2.7"},
		{name: "split headers", remote: "10.0.0.5:80", forwarded: []string{"6.6.6.6", "192.0.2.8"}, trusted: trusted, want: "192.0.2.8"},
		{name: "only proxies", remote: "10.0.0.5:80", forwarded: []string{"10.0.0.9"}, trusted: trusted, want: "10.0.0.5"},
		{name: "garbage hop", remote: "10.0.0.5:80", forwarded: []string{"not-an-ip"}, trusted: trusted, want: "10.0.0.5"},
		{name: "ipv6 loopback proxy", remote: "[::1]:80", forwarded: []string{"2001:db8::1"}, trusted: trusted, want: "2001:db8::1"},
		{name: "no port", remote: "198.51.100.4", want: "198.51.100.4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, value := range tc.forwarded {
				req.Header.Add("X-Forwarded-For", value)
			}
			assert.Equal(t, tc.want, limitKey(req, tc.trusted))
		})
	}
}
