package relay

import (
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"chatsync/pkg/logger"
	"chatsync/pkg/transport"
)

// Hub maps conversation rooms to their member connections and fans
// broadcasts out to them. Sends to slow members never block.
type Hub struct {
	mu    stdsync.RWMutex
	rooms map[string]map[string]*Conn
	// lastActive tracks per-room activity for the idle sweep.
	lastActive map[string]time.Time
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[string]*Conn),
		lastActive: make(map[string]time.Time),
	}
}

// Join adds a connection to a room.
func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.ID] = c
	h.lastActive[room] = time.Now()
	h.mu.Unlock()
	c.joinRoom(room)
	logger.Debug("room_joined", "room", room, "conn", c.ID, "user", c.UserID)
}

// Leave removes a connection from a room; empty rooms are deleted.
func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	if members := h.rooms[room]; members != nil {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
			delete(h.lastActive, room)
		}
	}
	h.mu.Unlock()
	c.leaveRoom(room)
}

// LeaveAll drops a closing connection from every room it joined.
func (h *Hub) LeaveAll(c *Conn) {
	for _, room := range c.Rooms() {
		h.Leave(room, c)
	}
}

// Members returns the current member count of a room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast encodes the envelope once and queues it on every member of
// the room, skipping except when non-nil.
func (h *Hub) Broadcast(room string, env transport.Envelope, except *Conn) {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		if except != nil && c.ID == except.ID {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	h.mu.Lock()
	h.lastActive[room] = time.Now()
	h.mu.Unlock()

	if len(members) == 0 {
		return
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(env); err != nil {
		logger.Error("broadcast_encode_failed", "room", room, "event", env.Event, "error", err)
		return
	}
	// One shared copy; connections only read the frame.
	frame := append([]byte(nil), buf.B...)

	sent := 0
	for _, c := range members {
		if c.TrySend(frame) {
			sent++
		}
	}
	broadcastsTotal.WithLabelValues(env.Event).Inc()
	logger.Debug("room_broadcast", "room", room, "event", env.Event, "members", len(members), "sent", sent)
}

// SweepIdle removes rooms with no activity since the cutoff and no
// members. Returns how many were evicted.
func (h *Hub) SweepIdle(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for room, last := range h.lastActive {
		if last.After(cutoff) {
			continue
		}
		if len(h.rooms[room]) > 0 {
			continue
		}
		delete(h.rooms, room)
		delete(h.lastActive, room)
		evicted++
	}
	return evicted
}
