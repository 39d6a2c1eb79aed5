package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"
)

// RegisterMessages registers the message endpoints on the v1 router.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/conversations/{conv}/messages", createMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{conv}/messages", listMessages).Methods(http.MethodGet)

	r.HandleFunc("/messages/{id}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{id}/status", updateStatus).Methods(http.MethodPut)
	r.HandleFunc("/messages/{id}/versions", listMessageVersions).Methods(http.MethodGet)
}

// pathVar unescapes a gorilla/mux path variable; mux does not do it
// automatically.
func pathVar(r *http.Request, name string) string {
	v := mux.Vars(r)[name]
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// createMessage persists a message (or reply, via reply_to) and
// returns the durable record. A provisional client id is discarded so
// the store always assigns the authoritative one.
func createMessage(w http.ResponseWriter, r *http.Request) {
	conv := pathVar(r, "conv")
	var m models.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m.ConversationID = conv
	if m.ID == "" || models.IsProvisional(m.ID) {
		m.ID = ""
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UTC().UnixNano()
	}
	if err := validation.ValidateMessage(m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := store.SaveMessage(m)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("message_created", "conversation", conv, "id", saved.ID, "reply_to", saved.ReplyTo)
	_ = utils.JSONWrite(w, http.StatusCreated, saved)
}

// listMessages returns one backward page ordered oldest first, with an
// opaque cursor for the next older page.
func listMessages(w http.ResponseWriter, r *http.Request) {
	conv := pathVar(r, "conv")
	before := r.URL.Query().Get("before")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	page, err := store.ListMessagesBefore(conv, before, limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Debug("messages_page", "conversation", conv, "count", len(page.Messages), "cursor", page.NextCursor)
	_ = utils.JSONWrite(w, http.StatusOK, page)
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	m, err := store.GetMessage(id)
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "message not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

// updateStatus applies a rank-gated status transition and reports
// whether anything changed; a false lets the caller skip its
// broadcast.
func updateStatus(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	status := models.Status(body.Status)
	if status.Rank() < 0 {
		utils.JSONError(w, http.StatusBadRequest, "invalid status")
		return
	}
	changed, err := store.UpdateStatus(id, status)
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "message not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"changed": changed})
}

func deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	if err := store.DeleteMessage(id); err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "message not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("message_deleted", "id", id)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func listMessageVersions(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	versions, err := store.ListMessageVersions(id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, versions)
}
