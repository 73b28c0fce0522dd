package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"supportchat/pkg/auth"
	"supportchat/pkg/logger"
	"supportchat/pkg/models"
	"supportchat/pkg/realtime"
	"supportchat/pkg/store"
	"supportchat/pkg/utils"
	"supportchat/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterMessages registers HTTP handlers for message endpoints.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/conversations/{userID}/messages", createMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{userID}/messages", listMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{userID}/read", markRead).Methods(http.MethodPost)

	r.HandleFunc("/messages/{id}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", deleteMessage).Methods(http.MethodDelete)
}

func msgsCacheKey(userID string, limit int, after string) string {
	return fmt.Sprintf("msgs:%s:%d:%s", userID, limit, after)
}

// invalidateConversation drops every cached view touched by a write to
// the given conversation. Keys are removed by exact key or structured
// prefix only.
func invalidateConversation(userID string) {
	deps.Cache.DeletePrefix("msgs:" + userID + ":")
	deps.Cache.DeletePrefix("unread:" + userID + ":")
	deps.Cache.Delete("convlist")
}

func createMessage(w http.ResponseWriter, r *http.Request) {
	userID, code, msg := auth.ResolveUserFromRequest(r, mux.Vars(r)["userID"])
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}

	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	m := models.Message{UserID: userID, Body: payload.Body}
	if r.Header.Get("X-Role-Name") == "admin" {
		m.IsAdmin = true
		m.AdminID = strings.TrimSpace(r.Header.Get("X-Admin-ID"))
	}
	if err := validation.ValidateMessage(m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := store.SaveMessage(&m); err != nil {
		logger.Error("message_save_failed", "user", userID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "save failed")
		return
	}
	invalidateConversation(userID)
	deps.Hub.Publish(realtime.Event{Type: realtime.EventInsert, Msg: m})
	logger.Info("message_created", "user", userID, "id", m.ID, "admin", m.IsAdmin)
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

func listMessages(w http.ResponseWriter, r *http.Request) {
	userID, code, msg := auth.ResolveUserFromRequest(r, mux.Vars(r)["userID"])
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}

	limit := 50
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if n, err := strconv.Atoi(limStr); err == nil && n > 0 {
			limit = n
		}
	}
	after := r.URL.Query().Get("after")

	key := msgsCacheKey(userID, limit, after)
	if v, ok := deps.Cache.Get(key); ok {
		if msgs, ok := v.([]models.Message); ok {
			writeMessagePage(w, userID, msgs)
			return
		}
	}

	msgs, err := store.ListMessages(userID, limit, after)
	if err != nil {
		logger.Error("messages_list_failed", "user", userID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "list failed")
		return
	}
	deps.Cache.Set(key, msgs, deps.CacheTTL)
	logger.Debug("messages_list", "user", userID, "count", len(msgs))
	writeMessagePage(w, userID, msgs)
}

func writeMessagePage(w http.ResponseWriter, userID string, msgs []models.Message) {
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		UserID   string           `json:"user_id"`
		Messages []models.Message `json:"messages"`
	}{UserID: userID, Messages: msgs})
}

func markRead(w http.ResponseWriter, r *http.Request) {
	userID, code, msg := auth.ResolveUserFromRequest(r, mux.Vars(r)["userID"])
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}

	// empty or absent ids means the whole conversation
	var payload struct {
		IDs []string `json:"ids"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	changed, err := store.MarkRead(userID, viewerIsAdmin(r), payload.IDs...)
	if err != nil {
		logger.Error("mark_read_failed", "user", userID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	invalidateConversation(userID)
	logger.Debug("marked_read", "user", userID, "changed", changed)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"changed": changed})
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := store.GetMessage(id)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func deleteMessage(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Role-Name") != "admin" {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	id := mux.Vars(r)["id"]
	m, err := store.GetMessage(id)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	// only admin-authored messages are deletable, enforced here rather
	// than trusting the calling UI
	if !m.IsAdmin {
		logger.Warn("delete_refused", "id", id, "reason", "not_admin_authored")
		utils.JSONError(w, http.StatusForbidden, "only admin messages can be deleted")
		return
	}
	if err := store.DeleteMessage(id); err != nil {
		logger.Error("message_delete_failed", "id", id, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	invalidateConversation(m.UserID)
	deps.Hub.Publish(realtime.Event{Type: realtime.EventDelete, Msg: m})
	logger.Info("message_deleted", "id", id, "user", m.UserID)
	w.WriteHeader(http.StatusNoContent)
}
