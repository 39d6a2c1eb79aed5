package transport

import (
	"encoding/json"

	"chatsync/pkg/models"
)

// Envelope is the wire format for every push-channel frame, both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client-to-relay event names.
const (
	EventJoinChat      = "join_chat"
	EventLeaveChat     = "leave_chat"
	EventSendMessage   = "send_message"
	EventTypingStatus  = "typing_status"
	EventMessageStatus = "message_status"
	EventAddReaction   = "add_reaction"
)

// Relay-to-client broadcast event names.
const (
	EventNewMessage          = "new_message"
	EventTypingUpdate        = "typing_update"
	EventMessageStatusUpdate = "message_status_update"
	EventReactionUpdate      = "reaction_update"
)

// JoinChatPayload subscribes a user to a conversation room.
type JoinChatPayload struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}

// LeaveChatPayload unsubscribes from a conversation room.
type LeaveChatPayload struct {
	ChatID string `json:"chatId"`
}

// MessagePayload carries a message over the push channel. The id may be
// provisional; receivers reconcile it against the durable record when
// that arrives through another channel.
type MessagePayload struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at,omitempty"`
	MessageType    string `json:"message_type,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
	MediaRef       string `json:"media_ref,omitempty"`
	IsRead         bool   `json:"is_read"`
}

// TypingPayload signals typing start/stop inside a room.
type TypingPayload struct {
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// StatusPayload requests a delivery/read transition.
type StatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// StatusUpdatePayload is the broadcast form of a status transition.
// ConversationID scopes the update so multi-session consumers can
// route it without a lookup.
type StatusUpdatePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"chatId,omitempty"`
	Status         string `json:"status"`
	IsRead         bool   `json:"isRead"`
}

// ReactionPayload requests a reaction toggle.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// ReactionUpdatePayload is the broadcast outcome of a toggle.
type ReactionUpdatePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"chatId,omitempty"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
	Action         string `json:"action"`
	OldEmoji       string `json:"oldEmoji,omitempty"`
}

// NewEnvelope marshals data into a ready-to-send frame.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// MessageFromPayload converts a wire payload into the domain model.
func MessageFromPayload(p MessagePayload) models.Message {
	m := models.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
		Status:         models.StatusSent,
		Type:           models.MessageType(p.MessageType),
		ReplyTo:        p.ReplyTo,
		MediaRef:       p.MediaRef,
	}
	if m.ConversationID == "" && p.SenderID != "" && p.ReceiverID != "" {
		m.ConversationID = models.ConversationID(p.SenderID, p.ReceiverID)
	}
	if m.Type == "" {
		m.Type = models.TypeText
	}
	if p.IsRead {
		m.Status = models.StatusRead
	}
	return m
}

// PayloadFromMessage converts the domain model into its wire form.
func PayloadFromMessage(m models.Message) MessagePayload {
	return MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		MessageType:    string(m.Type),
		ReplyTo:        m.ReplyTo,
		MediaRef:       m.MediaRef,
		IsRead:         m.Status == models.StatusRead,
	}
}
