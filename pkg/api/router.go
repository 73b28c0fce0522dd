// Package api assembles the versioned HTTP router.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"supportchat/pkg/api/handlers"
	"supportchat/pkg/auth"
)

// Handler builds the /v1 router. Init must have installed the handler
// dependencies first; the auth gateway wraps the result at app level.
func Handler(d handlers.Deps) http.Handler {
	handlers.Init(d)

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	// signed-identity verification applies to every /v1 route; backend
	// and admin keys pass through without a signature
	v1.Use(auth.RequireSignedUser)

	handlers.RegisterMessages(v1)
	handlers.RegisterConversations(v1)
	handlers.RegisterProfiles(v1)
	handlers.RegisterStreams(v1)
	handlers.RegisterSigning(v1)

	return r
}
