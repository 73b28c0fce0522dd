package handlers

import (
	"fmt"
	"net/http"

	"supportchat/pkg/auth"
	"supportchat/pkg/logger"
	"supportchat/pkg/models"
	"supportchat/pkg/store"
	"supportchat/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterConversations registers the aggregate listing endpoints.
func RegisterConversations(r *mux.Router) {
	r.HandleFunc("/conversations", listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{userID}/unread", unreadCount).Methods(http.MethodGet)
}

func listConversations(w http.ResponseWriter, r *http.Request) {
	role := r.Header.Get("X-Role-Name")
	if role != "admin" && role != "backend" {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	if v, ok := deps.Cache.Get("convlist"); ok {
		if convs, ok := v.([]models.Conversation); ok {
			writeConversations(w, convs)
			return
		}
	}

	convs, err := store.ListConversations()
	if err != nil {
		logger.Error("conversations_list_failed", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "list failed")
		return
	}
	deps.Cache.Set("convlist", convs, deps.CacheTTL)
	logger.Debug("conversations_list", "count", len(convs))
	writeConversations(w, convs)
}

func writeConversations(w http.ResponseWriter, convs []models.Conversation) {
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Conversations []models.Conversation `json:"conversations"`
	}{Conversations: convs})
}

func unreadCount(w http.ResponseWriter, r *http.Request) {
	userID, code, msg := auth.ResolveUserFromRequest(r, mux.Vars(r)["userID"])
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}

	admin := viewerIsAdmin(r)
	key := fmt.Sprintf("unread:%s:%t", userID, admin)
	if v, ok := deps.Cache.Get(key); ok {
		if n, ok := v.(int); ok {
			_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"unread": n})
			return
		}
	}

	n, err := store.CountUnread(userID, admin)
	if err != nil {
		logger.Error("unread_count_failed", "user", userID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "count failed")
		return
	}
	deps.Cache.Set(key, n, deps.CacheTTL)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"unread": n})
}
