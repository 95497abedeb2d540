package whatsapp

import (
	"sort"
	"strings"
	"sync"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
)

// history is the local index of chats and recent messages, fed by history
// sync batches, live messages and our own sends. whatsmeow keeps no message
// store, so chat listing and message fetching are served from here.
type history struct {
	mu     sync.RWMutex
	limit  int
	chats  map[string]*chatEntry
	raw    map[string]*waE2E.Message
	synced bool
}

type chatEntry struct {
	id      string
	name    string
	isGroup bool
	unread  int
	msgs    []adapter.Message
}

const previewRunes = 120

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 500
	}
	return &history{
		limit: limit,
		chats: make(map[string]*chatEntry),
		raw:   make(map[string]*waE2E.Message),
	}
}

func (h *history) chat(id string) *chatEntry {
	c, ok := h.chats[id]
	if !ok {
		c = &chatEntry{id: id, isGroup: strings.HasSuffix(id, "@g.us")}
		h.chats[id] = c
	}
	return c
}

// setChat records chat metadata from a history sync conversation.
func (h *history) setChat(id, name string, unread int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.chat(id)
	if name != "" {
		c.name = name
	}
	c.unread = unread
}

// setName fills a chat name when none is known yet.
func (h *history) setName(id, name string) {
	if name == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.chats[id]; ok && c.name == "" {
		c.name = name
	}
}

// add indexes a message, keeping each chat sorted by timestamp and bounded
// by the per-chat limit. Duplicates are ignored. raw is kept for media
// download and may be nil.
func (h *history) add(m adapter.Message, raw *waE2E.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.raw[m.ID]; dup {
		return false
	}
	c := h.chat(m.ChatID)
	if m.IsGroup {
		c.isGroup = true
	}
	if !m.FromMe && m.FromName != "" && c.name == "" && !c.isGroup {
		c.name = m.FromName
	}

	c.msgs = append(c.msgs, m)
	if n := len(c.msgs); n > 1 && c.msgs[n-1].Timestamp.Before(c.msgs[n-2].Timestamp) {
		sort.SliceStable(c.msgs, func(i, j int) bool {
			return c.msgs[i].Timestamp.Before(c.msgs[j].Timestamp)
		})
	}
	if over := len(c.msgs) - h.limit; over > 0 {
		for _, old := range c.msgs[:over] {
			delete(h.raw, old.ID)
		}
		c.msgs = append([]adapter.Message(nil), c.msgs[over:]...)
	}
	h.raw[m.ID] = raw
	return true
}

// markUnread bumps the unread counter for an incoming message.
func (h *history) markUnread(chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chat(chatID).unread++
}

func (h *history) markSynced() {
	h.mu.Lock()
	h.synced = true
	h.mu.Unlock()
}

func (h *history) isSynced() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.synced
}

// summaries returns one ChatSummary per known chat. names supplies display
// names for chats the index has no name for.
func (h *history) summaries(names map[string]string) []adapter.ChatSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]adapter.ChatSummary, 0, len(h.chats))
	for _, c := range h.chats {
		s := adapter.ChatSummary{
			ChatID:      c.id,
			DisplayName: c.name,
			IsGroup:     c.isGroup,
			UnreadCount: c.unread,
		}
		if s.DisplayName == "" {
			s.DisplayName = names[c.id]
		}
		if s.DisplayName == "" {
			s.DisplayName = userPart(c.id)
		}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1]
			s.LastMessagePreview = preview(last)
			s.LastMessageTimestamp = last.Timestamp
		}
		out = append(out, s)
	}
	return out
}

// messages returns up to limit of the newest messages of a chat, oldest
// first.
func (h *history) messages(chatID string, limit int) []adapter.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.chats[chatID]
	if !ok {
		return []adapter.Message{}
	}
	msgs := c.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]adapter.Message, len(msgs))
	copy(out, msgs)
	return out
}

// media returns the raw message behind id.
func (h *history) media(id string) (*waE2E.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	raw, ok := h.raw[id]
	return raw, ok && raw != nil
}

func (h *history) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chats)
}

func preview(m adapter.Message) string {
	body := m.Body
	if body == "" && m.Type != adapter.MessageText {
		body = "[" + string(m.Type) + "]"
	}
	if r := []rune(body); len(r) > previewRunes {
		body = string(r[:previewRunes]) + "..."
	}
	return body
}

func userPart(jid string) string {
	if i := strings.IndexByte(jid, '@'); i > 0 {
		return jid[:i]
	}
	return jid
}
