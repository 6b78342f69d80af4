package httpapi

import (
	"net/netip"
	"time"
)

// Config defines HTTP API settings.
type Config struct {
	Addr      string
	BasePath  string
	RateLimit RateLimit
	// Metrics exposes GET /metrics when a registry is available.
	Metrics bool
	// TrustedProxies are peers allowed to name the client in
	// X-Forwarded-For. Everyone else is charged by connection address.
	TrustedProxies []netip.Prefix
	// CORSOrigins lists browser origins allowed to call the API. "*" allows
	// any origin; an empty list sends no CORS headers.
	CORSOrigins []string
}

// RateLimit caps requests per client address within a window. A zero value
// disables limiting.
type RateLimit struct {
	Requests int
	Window   time.Duration
}
