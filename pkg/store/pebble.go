package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"chatsync/pkg/feed"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"

	"github.com/cockroachdb/pebble"
)

var db *pebble.DB

// changeFeed receives a notification after every successful mutation.
// May be nil (tests that only exercise storage).
var changeFeed *feed.Feed

// seq reduces key collisions when multiple messages share the same
// nanosecond timestamp.
var seq uint64

var ErrNotFound = pebble.ErrNotFound

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// SetFeed wires the change feed that mutations publish to.
func SetFeed(f *feed.Feed) { changeFeed = f }

func publish(c feed.Change) {
	if changeFeed != nil {
		changeFeed.Publish(c)
	}
}

// Key layout:
//   conv:<convID>:msg:<%020d ts>-<%06d seq>  message row, ordered scan
//   idx:msg:<msgID>                          -> conversation row key
//   latest:msg:<msgID>                       latest message version
//   version:msg:<msgID>:<%020d ts>-<%06d>    version history
//   reaction:<msgID>:<userID>                active reaction row

func convKey(convID string, ts int64, s uint64) string {
	return fmt.Sprintf("conv:%s:msg:%020d-%06d", convID, ts, s)
}

func idxKey(msgID string) []byte { return []byte("idx:msg:" + msgID) }

func latestKey(msgID string) []byte { return []byte("latest:msg:" + msgID) }

func versionKey(msgID string, ts int64, s uint64) []byte {
	return []byte(fmt.Sprintf("version:msg:%s:%020d-%06d", msgID, ts, s))
}

func reactionKey(msgID, userID string) []byte {
	return []byte("reaction:" + msgID + ":" + userID)
}

// SaveMessage persists m, assigning a durable id and created_at when the
// caller omitted them, and returns the stored message. Every save appends
// a version and announces a message_upsert on the change feed.
func SaveMessage(m models.Message) (models.Message, error) {
	if db == nil {
		return m, fmt.Errorf("pebble not opened; call store.Open first")
	}
	if m.ConversationID == "" {
		return m, fmt.Errorf("missing conversation id")
	}
	if m.ID == "" {
		m.ID = models.GenID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UTC().UnixNano()
	}
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	if m.Type == "" {
		m.Type = models.TypeText
	}
	s := atomic.AddUint64(&seq, 1)
	data, err := json.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("failed to marshal message: %w", err)
	}

	// Re-saving an existing id (status update, tombstone) rewrites the
	// original conversation row so ordered scans keep one entry per id.
	rowKey := []byte(convKey(m.ConversationID, m.CreatedAt, s))
	if prev, err := getRaw(idxKey(m.ID)); err == nil {
		rowKey = prev
	}

	wb := db.NewBatch()
	_ = wb.Set(rowKey, data, nil)
	_ = wb.Set(idxKey(m.ID), rowKey, nil)
	_ = wb.Set(latestKey(m.ID), data, nil)
	_ = wb.Set(versionKey(m.ID, time.Now().UTC().UnixNano(), s), data, nil)
	if err := wb.Commit(pebble.Sync); err != nil {
		logger.Error("save_message_failed", "conversation", m.ConversationID, "id", m.ID, "error", err)
		return m, err
	}
	messagesSaved.Inc()
	logger.Info("message_saved", "conversation", m.ConversationID, "id", m.ID)

	kind := feed.MessageUpsert
	if m.Deleted {
		kind = feed.MessageDelete
	}
	publish(feed.Change{Kind: kind, ConversationID: m.ConversationID, MessageID: m.ID, Payload: data})
	return m, nil
}

// GetMessage returns the latest version of a message by id.
func GetMessage(msgID string) (models.Message, error) {
	var m models.Message
	v, err := getRaw(latestKey(msgID))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid stored message: %w", err)
	}
	return m, nil
}

// Page is one backward pagination batch.
type Page struct {
	Messages []models.Message `json:"messages"`
	// NextCursor positions the following backward load; empty when the
	// oldest message has been reached.
	NextCursor string `json:"next_cursor,omitempty"`
}

// ListMessagesBefore returns up to limit messages older than cursor, in
// ascending created_at order. An empty cursor starts from the newest
// message.
func ListMessagesBefore(convID, cursor string, limit int) (Page, error) {
	var page Page
	if db == nil {
		return page, fmt.Errorf("pebble not opened; call store.Open first")
	}
	if limit <= 0 {
		limit = 50
	}
	prefix := []byte("conv:" + convID + ":msg:")
	upper := append(append([]byte(nil), prefix...), 0xff)
	if cursor != "" {
		// cursor is the <ts>-<seq> suffix of the oldest row already held
		upper = append(append([]byte(nil), prefix...), []byte(cursor)...)
	}
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return page, err
	}
	defer iter.Close()

	// walk newest-to-oldest, then reverse
	collected := make([]models.Message, 0, limit)
	var oldestSuffix string
	for ok := iter.Last(); ok && len(collected) < limit; ok = iter.Prev() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("list_invalid_message_row", "key", string(iter.Key()), "error", err)
			continue
		}
		collected = append(collected, m)
		oldestSuffix = string(iter.Key()[len(prefix):])
	}
	if err := iter.Error(); err != nil {
		return page, err
	}
	// reverse into ascending order
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	page.Messages = collected
	if len(collected) == limit {
		page.NextCursor = oldestSuffix
	}
	return page, nil
}

// UpdateStatus applies a delivery-status transition to a message. The
// write is gated on the status rank: a target rank at or below the
// current one is a no-op and returns changed=false so callers can skip
// the broadcast.
func UpdateStatus(msgID string, status models.Status) (bool, error) {
	if db == nil {
		return false, fmt.Errorf("pebble not opened; call store.Open first")
	}
	if status.Rank() < 0 {
		return false, fmt.Errorf("unknown status %q", status)
	}
	m, err := GetMessage(msgID)
	if err != nil {
		return false, err
	}
	if m.Status.Rank() >= status.Rank() {
		logger.Debug("status_update_stale", "id", msgID, "current", string(m.Status), "target", string(status))
		return false, nil
	}
	m.Status = status
	if _, err := SaveMessage(m); err != nil {
		return false, err
	}
	statusUpdates.Inc()
	publish(feed.Change{Kind: feed.StatusUpdate, ConversationID: m.ConversationID, MessageID: msgID, Payload: json.RawMessage(`"` + string(status) + `"`)})
	return true, nil
}

// ToggleReaction applies the exclusive-reaction rule for one user on one
// message: same emoji clears, different emoji replaces, none adds. The
// returned action and oldEmoji describe what happened for broadcasting.
func ToggleReaction(msgID, userID, emoji string) (models.ReactionAction, string, error) {
	if db == nil {
		return "", "", fmt.Errorf("pebble not opened; call store.Open first")
	}
	m, err := GetMessage(msgID)
	if err != nil {
		return "", "", err
	}
	key := reactionKey(msgID, userID)
	var existing models.Reaction
	old := ""
	if v, err := getRaw(key); err == nil {
		if json.Unmarshal(v, &existing) == nil {
			old = existing.Emoji
		}
	}

	if old == emoji {
		if err := db.Delete(key, pebble.Sync); err != nil {
			return "", "", err
		}
		reactionsToggled.Inc()
		publish(feed.Change{Kind: feed.ReactionDelete, ConversationID: m.ConversationID, MessageID: msgID,
			Payload: mustJSON(models.Reaction{MessageID: msgID, UserID: userID, Emoji: emoji})})
		return models.ReactionRemoved, old, nil
	}

	r := models.Reaction{MessageID: msgID, UserID: userID, Emoji: emoji, CreatedAt: time.Now().UTC().UnixNano()}
	data := mustJSON(r)
	if err := db.Set(key, data, pebble.Sync); err != nil {
		return "", "", err
	}
	reactionsToggled.Inc()
	publish(feed.Change{Kind: feed.ReactionPut, ConversationID: m.ConversationID, MessageID: msgID, Payload: data})
	if old != "" {
		return models.ReactionChanged, old, nil
	}
	return models.ReactionAdded, "", nil
}

// GetMessagesReactions returns the active reactions for each requested
// message id. Missing ids map to empty slices.
func GetMessagesReactions(msgIDs []string) (map[string][]models.Reaction, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	out := make(map[string][]models.Reaction, len(msgIDs))
	for _, id := range msgIDs {
		out[id] = []models.Reaction{}
		prefix := []byte("reaction:" + id + ":")
		iter, err := db.NewIter(&pebble.IterOptions{})
		if err != nil {
			return nil, err
		}
		for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
			if !bytes.HasPrefix(iter.Key(), prefix) {
				break
			}
			var r models.Reaction
			if json.Unmarshal(iter.Value(), &r) == nil {
				out[id] = append(out[id], r)
			}
		}
		err = iter.Error()
		_ = iter.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteMessage soft-deletes a message by appending a tombstone version.
func DeleteMessage(msgID string) error {
	m, err := GetMessage(msgID)
	if err != nil {
		return err
	}
	m.Deleted = true
	m.Content = ""
	if _, err := SaveMessage(m); err != nil {
		return err
	}
	logger.Info("message_deleted", "conversation", m.ConversationID, "id", msgID)
	return nil
}

// ListMessageVersions returns all stored versions for a message id in
// chronological order.
func ListMessageVersions(msgID string) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("version:msg:" + msgID + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message version: %w", err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// PruneVersions deletes all but the newest keep versions of a message.
// Returns how many rows were removed.
func PruneVersions(msgID string, keep int) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	if keep < 1 {
		keep = 1
	}
	prefix := []byte("version:msg:" + msgID + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	err = iter.Error()
	_ = iter.Close()
	if err != nil {
		return 0, err
	}
	if len(keys) <= keep {
		return 0, nil
	}
	wb := db.NewBatch()
	for _, k := range keys[:len(keys)-keep] {
		_ = wb.Delete(k, nil)
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return len(keys) - keep, nil
}

// ListKeys returns all keys (as strings) that start with the given prefix.
// If prefix is empty it returns all keys in the DB.
func ListKeys(prefix string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	pfx := []byte(prefix)
	if prefix == "" {
		for iter.First(); iter.Valid(); iter.Next() {
			out = append(out, string(append([]byte(nil), iter.Key()...)))
		}
		return out, iter.Error()
	}
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}

func getRaw(key []byte) ([]byte, error) {
	v, closer, err := db.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
