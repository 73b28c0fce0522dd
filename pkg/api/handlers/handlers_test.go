package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"supportchat/pkg/api"
	"supportchat/pkg/api/handlers"
	"supportchat/pkg/auth"
	"supportchat/pkg/cache"
	"supportchat/pkg/config"
	"supportchat/pkg/models"
	"supportchat/pkg/ratelimit"
	"supportchat/pkg/realtime"
	"supportchat/pkg/store"
)

const (
	backendKey  = "test-backend-key"
	frontendKey = "test-frontend-key"
	adminKey    = "test-admin-key"
)

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// setupServer wires the full stack the way the application does: the
// auth gateway in front of the versioned router, backed by a fresh
// store, cache and hub per test.
func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	config.SetRuntime(&config.RuntimeConfig{
		BackendKeys: keySet(backendKey),
		SigningKeys: keySet(backendKey),
	})
	t.Cleanup(func() { config.SetRuntime(nil) })

	c := cache.New(cache.DefaultMaxEntries, time.Minute)
	t.Cleanup(c.Close)
	hub := realtime.NewHub(5*time.Millisecond, 32)
	t.Cleanup(hub.Close)

	h := api.Handler(handlers.Deps{
		Cache:        c,
		Hub:          hub,
		Signins:      ratelimit.New(),
		SignAttempts: 5,
		SignWindow:   time.Minute,
		CacheTTL:     30 * time.Second,
	})
	gw := auth.AuthenticateRequestMiddleware(auth.SecConfig{
		RPS:          1000,
		Burst:        1000,
		BackendKeys:  keySet(backendKey),
		FrontendKeys: keySet(frontendKey),
		AdminKeys:    keySet(adminKey),
	})
	srv := httptest.NewServer(gw(h))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, apiKey string, body any, hdrs map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, raw
}

func signedHeaders(user string) map[string]string {
	return map[string]string{
		"X-User-ID":        user,
		"X-User-Signature": auth.SignUserID(backendKey, user),
	}
}

func TestCreateAndListMessages(t *testing.T) {
	srv := setupServer(t)

	res, raw := doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/messages", frontendKey,
		map[string]string{"body": "hello"}, signedHeaders("u1"))
	assert.Equal(t, http.StatusCreated, res.StatusCode, string(raw))

	var created models.Message
	assert.NoError(t, json.Unmarshal(raw, &created))
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.Pending())
	assert.False(t, created.Read, "customer message must start unread")
	assert.False(t, created.IsAdmin)

	res, raw = doJSON(t, srv, http.MethodGet, "/v1/conversations/u1/messages", frontendKey, nil, signedHeaders("u1"))
	assert.Equal(t, http.StatusOK, res.StatusCode, string(raw))

	var page struct {
		UserID   string           `json:"user_id"`
		Messages []models.Message `json:"messages"`
	}
	assert.NoError(t, json.Unmarshal(raw, &page))
	assert.Equal(t, "u1", page.UserID)
	assert.Len(t, page.Messages, 1)
	assert.Equal(t, created.ID, page.Messages[0].ID)
}

func TestCreateMessageValidation(t *testing.T) {
	srv := setupServer(t)

	res, _ := doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/messages", frontendKey,
		map[string]string{"body": "   "}, signedHeaders("u1"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	// admin sends need an acting admin identity
	res, _ = doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/messages", adminKey,
		map[string]string{"body": "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestFrontendCannotSpoofOtherUser(t *testing.T) {
	srv := setupServer(t)

	// signed as u1, posting into u2's conversation
	res, _ := doJSON(t, srv, http.MethodPost, "/v1/conversations/u2/messages", frontendKey,
		map[string]string{"body": "hi"}, signedHeaders("u1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	// unsigned frontend is rejected before any store access
	res, _ = doJSON(t, srv, http.MethodGet, "/v1/conversations/u1/messages", frontendKey, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAdminReplyAndDelete(t *testing.T) {
	srv := setupServer(t)

	_, raw := doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/messages", frontendKey,
		map[string]string{"body": "help"}, signedHeaders("u1"))
	var cust models.Message
	assert.NoError(t, json.Unmarshal(raw, &cust))

	res, raw := doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/messages", adminKey,
		map[string]string{"body": "on it"}, map[string]string{"X-Admin-ID": "a1"})
	assert.Equal(t, http.StatusCreated, res.StatusCode, string(raw))
	var reply models.Message
	assert.NoError(t, json.Unmarshal(raw, &reply))
	assert.True(t, reply.IsAdmin)
	assert.Equal(t, "a1", reply.AdminID)
	assert.True(t, reply.Read, "admin message is stored read")

	// deleting a customer message is refused even for admins
	res, _ = doJSON(t, srv, http.MethodDelete, "/v1/messages/"+cust.ID, adminKey, nil, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	// non-admin roles cannot delete at all
	res, _ = doJSON(t, srv, http.MethodDelete, "/v1/messages/"+reply.ID, backendKey, nil, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, srv, http.MethodDelete, "/v1/messages/"+reply.ID, adminKey, nil, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, _ = doJSON(t, srv, http.MethodGet, "/v1/messages/"+reply.ID, adminKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMarkReadIdempotent(t *testing.T) {
	srv := setupServer(t)

	for i := 0; i < 2; i++ {
		doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/messages", frontendKey,
			map[string]string{"body": fmt.Sprintf("msg %d", i)}, signedHeaders("u1"))
	}

	res, raw := doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/read", adminKey, nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var out map[string]int
	assert.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 2, out["changed"])

	_, raw = doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/read", adminKey, nil, nil)
	assert.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 0, out["changed"], "repeat mark-read must change nothing")
}

func TestUnreadCountInvalidatedOnWrite(t *testing.T) {
	srv := setupServer(t)

	unread := func() int {
		_, raw := doJSON(t, srv, http.MethodGet, "/v1/conversations/u1/unread?viewer=admin", adminKey, nil, nil)
		var out map[string]int
		assert.NoError(t, json.Unmarshal(raw, &out))
		return out["unread"]
	}

	assert.Equal(t, 0, unread())
	doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/messages", frontendKey,
		map[string]string{"body": "hello"}, signedHeaders("u1"))
	// the write invalidated the cached zero
	assert.Equal(t, 1, unread())
	doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/read", adminKey, nil, nil)
	assert.Equal(t, 0, unread())
}

func TestConversationListing(t *testing.T) {
	srv := setupServer(t)

	doJSON(t, srv, http.MethodPost, "/v1/conversations/u1/messages", frontendKey,
		map[string]string{"body": "hello"}, signedHeaders("u1"))

	res, raw := doJSON(t, srv, http.MethodGet, "/v1/conversations", adminKey, nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	assert.NoError(t, json.Unmarshal(raw, &out))
	assert.Len(t, out.Conversations, 1)
	assert.Equal(t, "u1", out.Conversations[0].UserID)
	assert.Equal(t, 1, out.Conversations[0].Unread)

	// the aggregate view is an admin/backend surface
	res, _ = doJSON(t, srv, http.MethodGet, "/v1/conversations", frontendKey, nil, signedHeaders("u1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestProfileRoundTrip(t *testing.T) {
	srv := setupServer(t)

	res, _ := doJSON(t, srv, http.MethodPut, "/v1/profiles/u1", frontendKey,
		models.Profile{Name: "Ada"}, signedHeaders("u1"))
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, raw := doJSON(t, srv, http.MethodGet, "/v1/profiles/u1", frontendKey, nil, signedHeaders("u1"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var p models.Profile
	assert.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "u1", p.ID)
	assert.Equal(t, "Ada", p.Name)

	// frontend keys may only write their own signed profile
	res, _ = doJSON(t, srv, http.MethodPut, "/v1/profiles/u2", frontendKey,
		models.Profile{Name: "Mallory"}, signedHeaders("u1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, srv, http.MethodGet, "/v1/profiles/nobody", adminKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSignEndpoint(t *testing.T) {
	srv := setupServer(t)

	res, raw := doJSON(t, srv, http.MethodPost, "/v1/_sign", backendKey,
		map[string]string{"userId": "u1"}, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(raw))
	var out map[string]string
	assert.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "u1", out["userId"])
	assert.Equal(t, auth.SignUserID(backendKey, "u1"), out["signature"])

	// only backend keys may mint signatures
	res, _ = doJSON(t, srv, http.MethodPost, "/v1/_sign", adminKey,
		map[string]string{"userId": "u1"}, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestSignEndpointRateLimited(t *testing.T) {
	srv := setupServer(t)

	// the fixed window admits 5 attempts per key+user pair
	for i := 0; i < 5; i++ {
		res, raw := doJSON(t, srv, http.MethodPost, "/v1/_sign", backendKey,
			map[string]string{"userId": "u1"}, nil)
		assert.Equal(t, http.StatusOK, res.StatusCode, string(raw))
	}
	res, _ := doJSON(t, srv, http.MethodPost, "/v1/_sign", backendKey,
		map[string]string{"userId": "u1"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)

	// a different user is a different window
	res, _ = doJSON(t, srv, http.MethodPost, "/v1/_sign", backendKey,
		map[string]string{"userId": "u2"}, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
