package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"chatsync/pkg/logger"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
)

// RegisterReactions registers the reaction endpoints on the v1 router.
func RegisterReactions(r *mux.Router) {
	r.HandleFunc("/messages/{id}/reactions", toggleReaction).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/reactions", getReactions).Methods(http.MethodGet)
	r.HandleFunc("/reactions/query", queryReactions).Methods(http.MethodPost)
}

// toggleReaction applies the exclusive per-user toggle: same emoji
// clears, different emoji replaces, none adds.
func toggleReaction(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	var body struct {
		UserID string `json:"user_id"`
		Emoji  string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.UserID == "" || body.Emoji == "" {
		utils.JSONError(w, http.StatusBadRequest, "user_id and emoji are required")
		return
	}
	action, oldEmoji, err := store.ToggleReaction(id, body.UserID, body.Emoji)
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "message not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Debug("reaction_toggled", "message", id, "user", body.UserID, "action", string(action))
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{
		"action":   string(action),
		"oldEmoji": oldEmoji,
	})
}

func getReactions(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	byMessage, err := store.GetMessagesReactions([]string{id})
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, byMessage[id])
}

// queryReactions resolves reaction lists for a batch of message ids,
// the shape the client seeds its aggregator from after a page load.
func queryReactions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	byMessage, err := store.GetMessagesReactions(body.MessageIDs)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, byMessage)
}
