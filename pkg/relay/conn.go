package relay

import (
	"context"
	stdsync "sync"
	"sync/atomic"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"chatsync/pkg/logger"
)

// Conn is the per-connection context object: identity, room
// membership and the outbound frame queue. All presence state hangs
// off this object and the Registry holding it; there are no ambient
// connection maps.
type Conn struct {
	ID     string
	UserID string

	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu    stdsync.Mutex
	rooms map[string]struct{}

	dropped   atomic.Uint64
	closeOnce stdsync.Once
	done      chan struct{}
}

func newConn(id, userID string, ws *websocket.Conn, sendBuffer int, limiter *rate.Limiter) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Conn{
		ID:      id,
		UserID:  userID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: limiter,
		rooms:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// TrySend queues a frame without blocking. Slow consumers drop frames;
// the at-least-once contract lets clients recover through REST
// reconciliation.
func (c *Conn) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.dropped.Add(1)
		framesDropped.Inc()
		return false
	}
}

// Dropped returns the number of frames this connection shed.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// allow applies the per-connection inbound rate limit.
func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Conn) joinRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) leaveRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// Rooms snapshots the rooms this connection belongs to.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// writeLoop drains the send queue onto the socket. It exits when the
// connection closes or a write fails.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
				logger.Debug("conn_write_failed", "conn", c.ID, "user", c.UserID, "error", err)
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}
