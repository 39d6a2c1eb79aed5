package sync

import (
	"chatsync/pkg/models"
)

// ConversationCache is the ordered, deduplicated per-conversation
// message list. Entries are kept sorted by CreatedAt ascending with
// ties resolved by insertion order; provisional and durable ids are
// never order-compared. The cache is not synchronized: all mutation
// happens on the owning conversation's dispatch goroutine.
type ConversationCache struct {
	conversationID string
	entries        []models.Message
	pos            map[string]int
	// stashed holds status updates that arrived before their message,
	// or against a provisional id awaiting replacement. Replace and
	// Upsert drain it so racing updates are not lost.
	stashed map[string]models.Status
}

// NewCache creates an empty cache for one conversation.
func NewCache(conversationID string) *ConversationCache {
	return &ConversationCache{
		conversationID: conversationID,
		pos:            make(map[string]int),
		stashed:        make(map[string]models.Status),
	}
}

// Len returns the number of cached messages.
func (c *ConversationCache) Len() int { return len(c.entries) }

// Get returns the cached message with the given id.
func (c *ConversationCache) Get(id string) (models.Message, bool) {
	i, ok := c.pos[id]
	if !ok {
		return models.Message{}, false
	}
	return c.entries[i], true
}

// Snapshot returns a copy of the ordered message list.
func (c *ConversationCache) Snapshot() []models.Message {
	out := make([]models.Message, len(c.entries))
	copy(out, c.entries)
	return out
}

// LastPage returns up to n of the newest cached messages, oldest first.
func (c *ConversationCache) LastPage(n int) []models.Message {
	if n <= 0 || n > len(c.entries) {
		n = len(c.entries)
	}
	out := make([]models.Message, n)
	copy(out, c.entries[len(c.entries)-n:])
	return out
}

// Upsert inserts m in timestamp order, or merges it onto the existing
// entry with the same id. Merging overwrites fields last-write-wins
// except status, which only advances in rank. Applying an identical
// message twice is a no-op. Reports whether the cache changed.
func (c *ConversationCache) Upsert(m models.Message) bool {
	if i, ok := c.pos[m.ID]; ok {
		return c.mergeAt(i, m)
	}
	if st, ok := c.stashed[m.ID]; ok {
		delete(c.stashed, m.ID)
		if st.Rank() > m.Status.Rank() {
			m.Status = st
		}
	}
	c.insertSorted(m)
	return true
}

// UpsertMany merges a batch, typically a backward page. Entries already
// present are field-merged in place so their relative order is
// untouched; new entries are inserted at their timestamp position.
// Returns the number of entries that changed the cache.
func (c *ConversationCache) UpsertMany(msgs []models.Message) int {
	changed := 0
	for _, m := range msgs {
		if c.Upsert(m) {
			changed++
		}
	}
	return changed
}

// Remove deletes the entry with the given id.
func (c *ConversationCache) Remove(id string) bool {
	i, ok := c.pos[id]
	if !ok {
		delete(c.stashed, id)
		return false
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	delete(c.pos, id)
	c.reindex(i)
	return true
}

// Replace swaps the entry at oldID for m, preserving list position, and
// migrates any status update stashed against either id. If m.ID is
// already present elsewhere the two entries have converged through
// different channels: the old entry is dropped and m merges into the
// survivor instead.
func (c *ConversationCache) Replace(oldID string, m models.Message) bool {
	i, ok := c.pos[oldID]
	if !ok {
		// Replacement raced behind removal or never-inserted push. Keep
		// the stash keyed to the durable id so a later upsert sees it.
		if st, ok := c.stashed[oldID]; ok {
			delete(c.stashed, oldID)
			if st.Rank() > c.stashRank(m.ID) {
				c.stashed[m.ID] = st
			}
		}
		return false
	}
	if j, dup := c.pos[m.ID]; dup && j != i {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
		delete(c.pos, oldID)
		if j > i {
			j--
		}
		c.reindex(i)
		c.mergeAt(j, m)
		c.migrateStash(oldID, m.ID, j)
		return true
	}
	old := c.entries[i]
	if m.Status.Rank() < old.Status.Rank() {
		m.Status = old.Status
	}
	c.entries[i] = m
	delete(c.pos, oldID)
	c.pos[m.ID] = i
	c.migrateStash(oldID, m.ID, i)
	return true
}

// ApplyStatus advances the status of id if target outranks the current
// value. An update for an unknown id is stashed rather than dropped so
// it survives a pending provisional replacement. Returns (applied,
// found).
func (c *ConversationCache) ApplyStatus(id string, target models.Status) (bool, bool) {
	i, ok := c.pos[id]
	if !ok {
		if target.Rank() > c.stashRank(id) {
			c.stashed[id] = target
		}
		return false, false
	}
	if target.Rank() <= c.entries[i].Status.Rank() {
		return false, true
	}
	c.entries[i].Status = target
	return true, true
}

// Dedup removes any same-id duplicates, keeping the earliest entry and
// folding the later one's status forward. The index map normally makes
// this a no-op; it guards the heuristic replacement path.
func (c *ConversationCache) Dedup() int {
	seen := make(map[string]int, len(c.entries))
	removed := 0
	for i := 0; i < len(c.entries); i++ {
		id := c.entries[i].ID
		if first, dup := seen[id]; dup {
			if c.entries[i].Status.Rank() > c.entries[first].Status.Rank() {
				c.entries[first].Status = c.entries[i].Status
			}
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			removed++
			i--
			continue
		}
		seen[id] = i
	}
	if removed > 0 {
		c.pos = make(map[string]int, len(c.entries))
		for i, e := range c.entries {
			c.pos[e.ID] = i
		}
	}
	return removed
}

func (c *ConversationCache) mergeAt(i int, m models.Message) bool {
	cur := c.entries[i]
	if m.Status.Rank() < cur.Status.Rank() {
		m.Status = cur.Status
	}
	if m == cur {
		return false
	}
	c.entries[i] = m
	return true
}

// insertSorted places m after every entry with CreatedAt <= m.CreatedAt,
// giving stable insertion order on timestamp ties.
func (c *ConversationCache) insertSorted(m models.Message) {
	i := len(c.entries)
	for i > 0 && c.entries[i-1].CreatedAt > m.CreatedAt {
		i--
	}
	c.entries = append(c.entries, models.Message{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = m
	c.pos[m.ID] = i
	c.reindex(i + 1)
}

func (c *ConversationCache) reindex(from int) {
	for i := from; i < len(c.entries); i++ {
		c.pos[c.entries[i].ID] = i
	}
}

func (c *ConversationCache) stashRank(id string) int {
	if st, ok := c.stashed[id]; ok {
		return st.Rank()
	}
	return -1
}

func (c *ConversationCache) migrateStash(oldID, newID string, at int) {
	for _, id := range []string{oldID, newID} {
		if st, ok := c.stashed[id]; ok {
			delete(c.stashed, id)
			if st.Rank() > c.entries[at].Status.Rank() {
				c.entries[at].Status = st
			}
		}
	}
}
