package handlers

import (
	"encoding/json"
	"net/http"

	"supportchat/pkg/auth"
	"supportchat/pkg/logger"
	"supportchat/pkg/models"
	"supportchat/pkg/store"
	"supportchat/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterProfiles registers the profile endpoints.
func RegisterProfiles(r *mux.Router) {
	r.HandleFunc("/profiles/{id}", putProfile).Methods(http.MethodPut)
	r.HandleFunc("/profiles/{id}", getProfile).Methods(http.MethodGet)
}

func putProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// frontend callers may only write their own signed profile
	if r.Header.Get("X-Role-Name") == "frontend" {
		signed := auth.UserIDFromContext(r.Context())
		if signed == "" || signed != id {
			utils.JSONError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	var p models.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p.ID = id
	if err := store.SaveProfile(p); err != nil {
		logger.Error("profile_save_failed", "id", id, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "save failed")
		return
	}
	deps.Cache.Delete("profile:" + id)
	logger.Debug("profile_saved", "id", id)
	_ = utils.JSONWrite(w, http.StatusOK, p)
}

func getProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if v, ok := deps.Cache.Get("profile:" + id); ok {
		if p, ok := v.(models.Profile); ok {
			_ = utils.JSONWrite(w, http.StatusOK, p)
			return
		}
	}

	p, err := store.GetProfile(id)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, "profile not found")
		return
	}
	deps.Cache.Set("profile:"+id, p, deps.CacheTTL)
	_ = utils.JSONWrite(w, http.StatusOK, p)
}
