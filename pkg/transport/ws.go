package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	stdsync "sync"
	"time"

	"nhooyr.io/websocket"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// State is the push-channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ErrNotConnected is returned by sends while the channel is down. The
// optimistic writer treats it as a dropped best-effort emit.
var ErrNotConnected = errors.New("push channel not connected")

// WSConfig tunes the websocket client.
type WSConfig struct {
	// URL is the relay base, e.g. "http://localhost:8080". The scheme
	// is rewritten to ws/wss for the dial.
	URL    string
	UserID string
	APIKey string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// reconnector computes exponential backoff with jitter. The attempt
// counter resets after a connection that held for over a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() { r.connectedAt = time.Now() }

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// WSClient is the websocket push-channel client with auto-reconnect.
// Room membership is remembered and re-issued after every reconnect.
// Delivery to callbacks is at-least-once; consumers must be idempotent.
type WSClient struct {
	cfg   WSConfig
	recon *reconnector

	mu               stdsync.Mutex
	conn             *websocket.Conn
	state            State
	intentionalClose bool
	cancelFn         context.CancelFunc
	rooms            map[string]string // chatID -> userID

	cb callbacks
}

type callbacks struct {
	mu             stdsync.RWMutex
	onNewMessage   []func(models.Message)
	onTypingUpdate []func(TypingPayload)
	onStatusUpdate []func(StatusUpdatePayload)
	onNewReaction  []func(ReactionUpdatePayload)
	onStateChange  []func(State)
}

// NewWSClient builds a client; call Connect to establish the channel.
func NewWSClient(cfg WSConfig) *WSClient {
	cfg.defaults()
	return &WSClient{
		cfg: cfg,
		recon: &reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		state: StateDisconnected,
		rooms: make(map[string]string),
	}
}

// OnNewMessage registers a handler for inbound messages.
func (ws *WSClient) OnNewMessage(h func(models.Message)) {
	ws.cb.mu.Lock()
	ws.cb.onNewMessage = append(ws.cb.onNewMessage, h)
	ws.cb.mu.Unlock()
}

// OnTypingUpdate registers a handler for typing indicators.
func (ws *WSClient) OnTypingUpdate(h func(TypingPayload)) {
	ws.cb.mu.Lock()
	ws.cb.onTypingUpdate = append(ws.cb.onTypingUpdate, h)
	ws.cb.mu.Unlock()
}

// OnMessageStatusUpdate registers a handler for status transitions.
func (ws *WSClient) OnMessageStatusUpdate(h func(StatusUpdatePayload)) {
	ws.cb.mu.Lock()
	ws.cb.onStatusUpdate = append(ws.cb.onStatusUpdate, h)
	ws.cb.mu.Unlock()
}

// OnNewReaction registers a handler for reaction updates.
func (ws *WSClient) OnNewReaction(h func(ReactionUpdatePayload)) {
	ws.cb.mu.Lock()
	ws.cb.onNewReaction = append(ws.cb.onNewReaction, h)
	ws.cb.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (ws *WSClient) OnStateChange(h func(State)) {
	ws.cb.mu.Lock()
	ws.cb.onStateChange = append(ws.cb.onStateChange, h)
	ws.cb.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSClient) State() State {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSClient) setState(s State) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if !changed {
		return
	}
	ws.cb.mu.RLock()
	handlers := append([]func(State){}, ws.cb.onStateChange...)
	ws.cb.mu.RUnlock()
	for _, h := range handlers {
		go h(s)
	}
}

// Connect dials the relay, rejoins remembered rooms and starts the
// read loop.
func (ws *WSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.mu.Unlock()
	ws.setState(StateConnecting)

	url := wsURL(ws.cfg.URL) + "/ws?user_id=" + ws.cfg.UserID
	if ws.cfg.APIKey != "" {
		url += "&api_key=" + ws.cfg.APIKey
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.cancelFn = cancel
	rooms := make(map[string]string, len(ws.rooms))
	for chat, user := range ws.rooms {
		rooms[chat] = user
	}
	ws.mu.Unlock()

	ws.recon.markConnected()
	ws.setState(StateConnected)
	logger.Info("push_connected", "user", ws.cfg.UserID)

	// Room membership does not survive the server side of a drop, so
	// rejoin everything we were in.
	for chat, user := range rooms {
		if err := ws.send(connCtx, EventJoinChat, JoinChatPayload{UserID: user, ChatID: chat}); err != nil {
			logger.Warn("room_rejoin_failed", "chat", chat, "error", err)
		}
	}

	go ws.readLoop(connCtx)
	return nil
}

// Disconnect closes the channel intentionally; no reconnect follows.
func (ws *WSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()
	ws.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinChat subscribes to a conversation room and remembers it for
// reconnects.
func (ws *WSClient) JoinChat(ctx context.Context, userID, chatID string) error {
	ws.mu.Lock()
	ws.rooms[chatID] = userID
	ws.mu.Unlock()
	return ws.send(ctx, EventJoinChat, JoinChatPayload{UserID: userID, ChatID: chatID})
}

// LeaveChat unsubscribes and forgets the room.
func (ws *WSClient) LeaveChat(ctx context.Context, chatID string) error {
	ws.mu.Lock()
	delete(ws.rooms, chatID)
	ws.mu.Unlock()
	return ws.send(ctx, EventLeaveChat, LeaveChatPayload{ChatID: chatID})
}

// EmitMessage pushes an optimistic message frame.
func (ws *WSClient) EmitMessage(m models.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ws.send(ctx, EventSendMessage, PayloadFromMessage(m))
}

// SendTyping pushes a typing indicator.
func (ws *WSClient) SendTyping(ctx context.Context, chatID string, typing bool) error {
	return ws.send(ctx, EventTypingStatus, TypingPayload{UserID: ws.cfg.UserID, ChatID: chatID, IsTyping: typing})
}

// SendStatus pushes a delivery/read transition request.
func (ws *WSClient) SendStatus(ctx context.Context, messageID string, status models.Status) error {
	return ws.send(ctx, EventMessageStatus, StatusPayload{MessageID: messageID, Status: string(status)})
}

// SendReaction pushes a reaction toggle request.
func (ws *WSClient) SendReaction(ctx context.Context, messageID, userID, emoji string) error {
	return ws.send(ctx, EventAddReaction, ReactionPayload{MessageID: messageID, UserID: userID, Emoji: emoji})
}

func (ws *WSClient) send(ctx context.Context, event string, data any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, raw)
}

func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.conn = nil
			ws.mu.Unlock()
			if intentional {
				return
			}
			ws.setState(StateDisconnected)
			logger.Warn("push_disconnected", "user", ws.cfg.UserID, "error", err)
			if ws.cfg.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatch(env)
	}
}

func (ws *WSClient) dispatch(env Envelope) {
	ws.cb.mu.RLock()
	defer ws.cb.mu.RUnlock()

	switch env.Event {
	case EventNewMessage:
		var p MessagePayload
		if json.Unmarshal(env.Data, &p) == nil {
			m := MessageFromPayload(p)
			for _, h := range ws.cb.onNewMessage {
				go h(m)
			}
		}
	case EventTypingUpdate:
		var p TypingPayload
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range ws.cb.onTypingUpdate {
				go h(p)
			}
		}
	case EventMessageStatusUpdate:
		var p StatusUpdatePayload
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range ws.cb.onStatusUpdate {
				go h(p)
			}
		}
	case EventReactionUpdate:
		var p ReactionUpdatePayload
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range ws.cb.onNewReaction {
				go h(p)
			}
		}
	}
}

func (ws *WSClient) scheduleReconnect() {
	delay := ws.recon.nextDelay()
	ws.setState(StateReconnecting)
	logger.Info("push_reconnecting", "attempt", ws.recon.attempt, "delay", delay.String())

	time.Sleep(delay)

	ws.mu.Lock()
	intentional := ws.intentionalClose
	ws.mu.Unlock()
	if intentional {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := ws.Connect(ctx)
	cancel()
	if err != nil {
		if ws.cfg.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect()
		} else {
			ws.setState(StateDisconnected)
		}
	}
}

func wsURL(base string) string {
	switch {
	case len(base) >= 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) >= 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	}
	return base
}
