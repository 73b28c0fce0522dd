package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func testSecConfig() SecConfig {
	return SecConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		RPS:            1000,
		Burst:          1000,
		BackendKeys:    map[string]struct{}{"bk": {}},
		FrontendKeys:   map[string]struct{}{"fk": {}},
		AdminKeys:      map[string]struct{}{"ak": {}},
	}
}

func gatewayHandler(cfg SecConfig) (http.Handler, *string) {
	var role string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role = r.Header.Get("X-Role-Name")
	})
	return AuthenticateRequestMiddleware(cfg)(next), &role
}

func doGateway(h http.Handler, method, path, key string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestGatewayRoles(t *testing.T) {
	h, role := gatewayHandler(testSecConfig())

	cases := []struct {
		key  string
		want string
	}{
		{"bk", "backend"},
		{"ak", "admin"},
		{"fk", "frontend"},
	}
	for _, tc := range cases {
		rec := doGateway(h, http.MethodGet, "/v1/conversations/u1/messages", tc.key)
		if rec.Code != http.StatusOK {
			t.Fatalf("key %s rejected: %d", tc.key, rec.Code)
		}
		if *role != tc.want {
			t.Fatalf("key %s resolved role %q, want %q", tc.key, *role, tc.want)
		}
	}

	if rec := doGateway(h, http.MethodGet, "/v1/conversations/u1/messages", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key expected 401, got %d", rec.Code)
	}
	if rec := doGateway(h, http.MethodGet, "/v1/conversations/u1/messages", "nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key expected 401, got %d", rec.Code)
	}
}

func TestGatewayFrontendScope(t *testing.T) {
	h, _ := gatewayHandler(testSecConfig())

	allowed := []string{
		"/v1/conversations/u1/messages",
		"/v1/conversations/u1/read",
		"/v1/conversations/u1/stream",
		"/v1/profiles/u1",
	}
	for _, p := range allowed {
		if rec := doGateway(h, http.MethodGet, p, "fk"); rec.Code != http.StatusOK {
			t.Fatalf("frontend blocked from %s: %d", p, rec.Code)
		}
	}

	denied := []string{
		"/v1/conversations",
		"/v1/stream",
		"/v1/messages/m1",
		"/v1/_sign",
	}
	for _, p := range denied {
		if rec := doGateway(h, http.MethodGet, p, "fk"); rec.Code != http.StatusForbidden {
			t.Fatalf("frontend allowed on %s: %d", p, rec.Code)
		}
		// admin surfaces stay reachable for admin keys
		if rec := doGateway(h, http.MethodGet, p, "ak"); rec.Code != http.StatusOK {
			t.Fatalf("admin blocked from %s: %d", p, rec.Code)
		}
	}
}

func TestGatewayHealthBypass(t *testing.T) {
	h, _ := gatewayHandler(testSecConfig())
	for _, p := range []string{"/healthz", "/readyz"} {
		if rec := doGateway(h, http.MethodGet, p, ""); rec.Code != http.StatusOK {
			t.Fatalf("probe %s blocked: %d", p, rec.Code)
		}
	}
}

func TestGatewayCORSPreflight(t *testing.T) {
	h, _ := gatewayHandler(testSecConfig())

	r := httptest.NewRequest(http.MethodOptions, "/v1/conversations/u1/messages", nil)
	r.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("missing allow-origin header")
	}

	// unknown origins get no CORS headers
	r = httptest.NewRequest(http.MethodOptions, "/v1/conversations/u1/messages", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected allow-origin for unknown origin")
	}
}

func TestGatewayRateLimit(t *testing.T) {
	cfg := testSecConfig()
	cfg.RPS = 1
	cfg.Burst = 2
	h, _ := gatewayHandler(cfg)

	ok, limited := 0, 0
	for i := 0; i < 5; i++ {
		rec := doGateway(h, http.MethodGet, "/v1/conversations/u1/messages", "bk")
		switch rec.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	if ok == 0 || limited == 0 {
		t.Fatalf("expected both allowed and limited requests, ok=%d limited=%d", ok, limited)
	}
}

func TestKeyLimiterDefaults(t *testing.T) {
	// zero config falls back to the documented defaults
	l := newKeyLimiters(SecConfig{})
	allowed := 0
	for i := 0; i < 30; i++ {
		if l.Allow("bk") {
			allowed++
		}
	}
	if allowed < defaultGatewayBurst || allowed >= 30 {
		t.Fatalf("expected roughly one burst of %d allowed, got %d", defaultGatewayBurst, allowed)
	}
	// a different actor gets its own bucket
	if !l.Allow("other") {
		t.Fatalf("fresh actor should have a full bucket")
	}
}

func TestGatewayIPWhitelist(t *testing.T) {
	cfg := testSecConfig()
	cfg.IPWhitelist = []string{"10.1.2.3"}
	h, _ := gatewayHandler(cfg)

	// httptest requests originate from 192.0.2.1
	if rec := doGateway(h, http.MethodGet, "/v1/conversations/u1/messages", "bk"); rec.Code != http.StatusForbidden {
		t.Fatalf("non-whitelisted ip expected 403, got %d", rec.Code)
	}

	cfg.IPWhitelist = []string{"192.0.2.1"}
	h, _ = gatewayHandler(cfg)
	if rec := doGateway(h, http.MethodGet, "/v1/conversations/u1/messages", "bk"); rec.Code != http.StatusOK {
		t.Fatalf("whitelisted ip blocked: %d", rec.Code)
	}
}
