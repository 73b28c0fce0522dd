// Package handlers implements the HTTP endpoints. Handlers reach the
// store through its package-level functions; shared infrastructure
// (cache, hub, sign limiter) is injected once at startup via Init.
package handlers

import (
	"net/http"
	"time"

	"supportchat/pkg/cache"
	"supportchat/pkg/ratelimit"
	"supportchat/pkg/realtime"
)

// Deps carries the shared components handlers operate on.
type Deps struct {
	Cache        *cache.Cache
	Hub          *realtime.Hub
	Signins      *ratelimit.Limiter
	SignAttempts int
	SignWindow   time.Duration
	CacheTTL     time.Duration
}

var deps Deps

// Init installs the shared dependencies. Must be called before the
// router serves traffic.
func Init(d Deps) {
	if d.SignAttempts <= 0 {
		d.SignAttempts = 5
	}
	if d.SignWindow <= 0 {
		d.SignWindow = time.Minute
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = 30 * time.Second
	}
	deps = d
}

// viewerIsAdmin derives the reading side for unread/mark-read calls.
// The viewer query param wins; otherwise the caller role decides.
func viewerIsAdmin(r *http.Request) bool {
	switch r.URL.Query().Get("viewer") {
	case "admin":
		return true
	case "customer":
		return false
	}
	return r.Header.Get("X-Role-Name") == "admin"
}
