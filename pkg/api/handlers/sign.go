package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"supportchat/pkg/auth"
	"supportchat/pkg/logger"
	"supportchat/pkg/telemetry"
	"supportchat/pkg/utils"
)

// RegisterSigning registers the signing endpoint onto the provided router.
// The endpoint is protected by the gateway middleware (backend API keys)
// and uses the caller's API key value as the signing secret.
func RegisterSigning(r *mux.Router) {
	r.HandleFunc("/_sign", signHandler).Methods(http.MethodPost)
}

// signHandler issues an HMAC-SHA256 signature for a userId using the
// caller's API key as the secret. Only backend roles may sign, and each
// key+user pair is held to a fixed attempt window.
func signHandler(w http.ResponseWriter, r *http.Request) {
	role := r.Header.Get("X-Role-Name")
	if role != "backend" {
		logger.Warn("sign_forbidden", "role", role, "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	authz := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		key = strings.TrimSpace(authz[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		logger.Warn("sign_missing_api_key", "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusUnauthorized, "missing api key")
		return
	}

	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.UserID == "" {
		logger.Warn("sign_invalid_payload", "error", err, "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if !deps.Signins.Check(key+":"+payload.UserID, deps.SignAttempts, deps.SignWindow) {
		telemetry.RateLimitRejections.Inc()
		logger.Warn("sign_rate_limited", "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return
	}

	sig := auth.SignUserID(key, payload.UserID)
	if err := utils.JSONWrite(w, http.StatusOK, map[string]string{"userId": payload.UserID, "signature": sig}); err != nil {
		logger.Error("sign_response_failed", "error", err, "remote", r.RemoteAddr)
	}
}
