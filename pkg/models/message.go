package models

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Status is the delivery state of a message. Transitions are strictly
// ordered SENT -> DELIVERED -> READ; see Rank.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

// Rank returns the position of s in the delivery order, or -1 for an
// unknown status. Callers use it to reject regressing updates.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// MessageType distinguishes plain text from media and shared content.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeMedia      MessageType = "media"
	TypeSharedPost MessageType = "shared_post"
	TypeSharedReel MessageType = "shared_reel"
)

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	ReceiverID     string      `json:"receiver_id,omitempty"`
	Content        string      `json:"content,omitempty"`
	// CreatedAt is a UTC timestamp (ns)
	CreatedAt int64       `json:"created_at"`
	Status    Status      `json:"status,omitempty"`
	Type      MessageType `json:"type,omitempty"`
	// Optional reply-to message ID
	ReplyTo string `json:"reply_to,omitempty"`
	// Optional reference to uploaded media (opaque to this system)
	MediaRef string `json:"media_ref,omitempty"`
	// Deleted flag; soft-delete implemented as an appended tombstone version
	Deleted bool `json:"deleted,omitempty"`
}

// provisionalPrefix marks ids created locally before the durable store
// assigned one. Provisional and durable ids are never order-comparable.
const provisionalPrefix = "pending-"

var idSeq uint64

// GenID generates a durable message ID from the current UTC nanosecond
// timestamp and an atomic sequence number, format "msg-<ts>-<seq>".
func GenID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("msg-%d-%d", n, s)
}

// GenProvisionalID generates a provisional message ID embedding the
// creation timestamp and the sender, format "pending-<ts>-<sender>".
func GenProvisionalID(senderID string) string {
	n := time.Now().UTC().UnixNano()
	return fmt.Sprintf("%s%d-%s", provisionalPrefix, n, senderID)
}

// IsProvisional reports whether id was locally generated and is still
// awaiting its durable replacement.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// ConversationID derives the canonical conversation key for two
// participants. The result is independent of message direction.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}
