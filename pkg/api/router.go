package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"chatsync/pkg/api/handlers"
	"chatsync/pkg/relay"
)

// NewRouter assembles the public HTTP surface: the v1 REST API, the
// websocket push endpoint and the relay health probe. Auth, CORS and
// rate limiting wrap this router at the app layer.
func NewRouter(relaySrv *relay.Server) *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterMessages(v1)
	handlers.RegisterReactions(v1)

	r.HandleFunc("/ws", relaySrv.HandleWS)
	r.HandleFunc("/health", relaySrv.HandleHealth).Methods(http.MethodGet)

	return r
}
