package httpapi

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/internal/metrics"
)

// clientLimiter hands out one token bucket per client address. A client may
// spend its whole budget at once and then refills evenly across the window.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	trusted []netip.Prefix
	now     func() time.Time
	metrics *metrics.Metrics

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(cfg RateLimit, trusted []netip.Prefix, m *metrics.Metrics) *clientLimiter {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return nil
	}
	return &clientLimiter{
		limit:   rate.Every(cfg.Window / time.Duration(cfg.Requests)),
		burst:   cfg.Requests,
		idle:    cfg.Window,
		trusted: trusted,
		now:     time.Now,
		metrics: m,
		clients: make(map[string]*clientBucket),
	}
}

// allow reports whether the client may proceed and, when it may not, how long
// until its next request would be admitted.
func (l *clientLimiter) allow(client string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	bucket, ok := l.clients[client]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = bucket
	}
	bucket.lastSeen = now
	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep drops buckets idle for a whole window; they would be full again anyway.
func (l *clientLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	l.lastSweep = now
	for client, bucket := range l.clients {
		if now.Sub(bucket.lastSeen) >= l.idle {
			delete(l.clients, client)
		}
	}
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *clientLimiter) wrap(next http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := limitKey(r, l.trusted)
		ok, retry := l.allow(key)
		if !ok {
			l.metrics.Limited()
			logx.Ctx(r.Context()).Warn("http rate limited", "remote", clientIP(r), "limit_key", key, "retry_after_ms", retry.Milliseconds())
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many requests, please try again later"})
			return
		}
		next(w, r)
	}
}

// limitKey names the bucket a request is charged to: the connection peer, or,
// when the peer is a trusted proxy, the nearest untrusted X-Forwarded-For hop.
// Hops are walked right to left because only the rightmost entries were
// appended by proxies we trust.
func limitKey(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil || !isTrusted(addr, trusted) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		hopAddr, err := netip.ParseAddr(hop)
		if err != nil {
			return peer
		}
		if !isTrusted(hopAddr, trusted) {
			return hopAddr.Unmap().String()
		}
	}
	return peer
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	return slices.ContainsFunc(trusted, func(p netip.Prefix) bool {
		return p.Contains(addr)
	})
}
