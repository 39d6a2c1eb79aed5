package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/transport"
	"chatsync/pkg/utils"
)

// Server is the push-channel endpoint. Each accepted websocket gets a
// Conn held in the Registry, joins rooms via the Hub and exchanges the
// envelope protocol.
type Server struct {
	registry *Registry
	hub      *Hub
	cfg      config.RelayConfig
}

// NewServer builds the relay over an explicit registry and hub.
func NewServer(registry *Registry, hub *Hub, cfg config.RelayConfig) *Server {
	return &Server{registry: registry, hub: hub, cfg: cfg}
}

// Registry exposes the connection registry, used by the health surface.
func (s *Server) Registry() *Registry { return s.registry }

// Hub exposes the room hub, used by the retention sweeper.
func (s *Server) Hub() *Hub { return s.hub }

// HandleWS upgrades the request and runs the connection until it
// drops. The user id comes from the query string; auth ran in the
// middleware ahead of this handler.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		utils.JSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn("ws_accept_failed", "user", userID, "error", err)
		return
	}

	rps := s.cfg.EventRPS
	if rps <= 0 {
		rps = 25
	}
	burst := s.cfg.EventBurst
	if burst <= 0 {
		burst = 50
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	c := newConn(uuid.NewString(), userID, ws, s.cfg.SendBuffer, limiter)
	s.registry.Add(c)
	logger.Info("ws_connected", "conn", c.ID, "user", userID)

	ctx := r.Context()
	go c.writeLoop(ctx)
	s.readLoop(ctx, c)

	s.hub.LeaveAll(c)
	s.registry.Remove(c)
	c.close(websocket.StatusNormalClosure, "")
	logger.Info("ws_disconnected", "conn", c.ID, "user", userID, "dropped_frames", c.Dropped())
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if !c.allow() {
			rateLimited.Inc()
			logger.Debug("event_rate_limited", "conn", c.ID, "user", c.UserID)
			continue
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug("event_malformed", "conn", c.ID, "error", err)
			continue
		}
		eventsTotal.WithLabelValues(env.Event).Inc()
		s.handleEvent(c, env)
	}
}

func (s *Server) handleEvent(c *Conn, env transport.Envelope) {
	switch env.Event {
	case transport.EventJoinChat:
		var p transport.JoinChatPayload
		if json.Unmarshal(env.Data, &p) != nil || p.ChatID == "" {
			return
		}
		s.hub.Join(p.ChatID, c)

	case transport.EventLeaveChat:
		var p transport.LeaveChatPayload
		if json.Unmarshal(env.Data, &p) != nil || p.ChatID == "" {
			return
		}
		s.hub.Leave(p.ChatID, c)

	case transport.EventSendMessage:
		s.handleSendMessage(c, env.Data)

	case transport.EventTypingStatus:
		var p transport.TypingPayload
		if json.Unmarshal(env.Data, &p) != nil || p.ChatID == "" {
			return
		}
		out, err := transport.NewEnvelope(transport.EventTypingUpdate, p)
		if err != nil {
			return
		}
		s.hub.Broadcast(p.ChatID, out, c)

	case transport.EventMessageStatus:
		s.handleMessageStatus(c, env.Data)

	case transport.EventAddReaction:
		s.handleAddReaction(c, env.Data)

	default:
		logger.Debug("event_unknown", "conn", c.ID, "event", env.Event)
	}
}

// handleSendMessage relays the (possibly provisional) message to the
// conversation room. Persistence is the REST path's job; storing the
// provisional id here would double-store the message.
func (s *Server) handleSendMessage(c *Conn, data json.RawMessage) {
	var p transport.MessagePayload
	if json.Unmarshal(data, &p) != nil {
		return
	}
	if p.SenderID == "" {
		p.SenderID = c.UserID
	}
	if p.ConversationID == "" {
		if p.ReceiverID == "" {
			return
		}
		p.ConversationID = models.ConversationID(p.SenderID, p.ReceiverID)
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UTC().UnixNano()
	}
	out, err := transport.NewEnvelope(transport.EventNewMessage, p)
	if err != nil {
		return
	}
	s.hub.Broadcast(p.ConversationID, out, c)
}

// handleMessageStatus persists the transition and broadcasts only when
// the write changed something, so stale updates die here.
func (s *Server) handleMessageStatus(c *Conn, data json.RawMessage) {
	var p transport.StatusPayload
	if json.Unmarshal(data, &p) != nil || p.MessageID == "" {
		return
	}
	status := models.Status(p.Status)
	if status.Rank() < 0 {
		logger.Debug("status_invalid", "conn", c.ID, "status", p.Status)
		return
	}
	changed, err := store.UpdateStatus(p.MessageID, status)
	if err != nil {
		if err != store.ErrNotFound {
			logger.Warn("status_persist_failed", "id", p.MessageID, "error", err)
		}
		return
	}
	if !changed {
		return
	}
	m, err := store.GetMessage(p.MessageID)
	if err != nil {
		return
	}
	out, err := transport.NewEnvelope(transport.EventMessageStatusUpdate, transport.StatusUpdatePayload{
		MessageID:      p.MessageID,
		ConversationID: m.ConversationID,
		Status:         p.Status,
		IsRead:         status == models.StatusRead,
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(m.ConversationID, out, c)
}

// handleAddReaction applies the exclusive toggle durably and
// broadcasts the outcome, including what happened to any previous
// reaction from the same user.
func (s *Server) handleAddReaction(c *Conn, data json.RawMessage) {
	var p transport.ReactionPayload
	if json.Unmarshal(data, &p) != nil || p.MessageID == "" || p.Emoji == "" {
		return
	}
	if p.UserID == "" {
		p.UserID = c.UserID
	}
	action, oldEmoji, err := store.ToggleReaction(p.MessageID, p.UserID, p.Emoji)
	if err != nil {
		if err != store.ErrNotFound {
			logger.Warn("reaction_toggle_failed", "id", p.MessageID, "error", err)
		}
		return
	}
	m, err := store.GetMessage(p.MessageID)
	if err != nil {
		return
	}
	out, err := transport.NewEnvelope(transport.EventReactionUpdate, transport.ReactionUpdatePayload{
		MessageID:      p.MessageID,
		ConversationID: m.ConversationID,
		UserID:         p.UserID,
		Emoji:          p.Emoji,
		Action:         string(action),
		OldEmoji:       oldEmoji,
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(m.ConversationID, out, nil)
}
