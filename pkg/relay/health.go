package relay

import (
	"net/http"
	"time"

	"chatsync/pkg/utils"
)

// HealthStatus is the relay's operational snapshot.
type HealthStatus struct {
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
	ActiveConnections int    `json:"activeConnections"`
	ActiveUsers       int    `json:"activeUsers"`
}

// HandleHealth reports liveness plus presence counts.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, HealthStatus{
		Status:            "ok",
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		ActiveConnections: s.registry.ActiveConnections(),
		ActiveUsers:       s.registry.ActiveUsers(),
	})
}
