package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

// Fallback gateway throughput when security.rate_limit is not set.
const (
	defaultGatewayRPS   = 5
	defaultGatewayBurst = 10
)

// keyLimiters hands out one token bucket per gateway actor: the API key
// when the request carries one, the client IP otherwise. Buckets are
// created lazily and live for the process lifetime; the actor space is
// bounded by the configured key sets plus probing IPs.
type keyLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

func newKeyLimiters(cfg SecConfig) *keyLimiters {
	rps := rate.Limit(cfg.RPS)
	if rps <= 0 {
		rps = defaultGatewayRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultGatewayBurst
	}
	return &keyLimiters{
		buckets: make(map[string]*rate.Limiter),
		rps:     rps,
		burst:   burst,
	}
}

// Allow reports whether the actor may proceed, consuming one token.
func (p *keyLimiters) Allow(actor string) bool {
	p.mu.Lock()
	b, ok := p.buckets[actor]
	if !ok {
		b = rate.NewLimiter(p.rps, p.burst)
		p.buckets[actor] = b
	}
	p.mu.Unlock()
	return b.Allow()
}
