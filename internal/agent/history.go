package agent

import (
	"sync"

	"github.com/cloudwego/eino/schema"
)

// History keeps the recent turns of each conversation in memory.
type History struct {
	limit int

	mu       sync.RWMutex
	sessions map[string][]*schema.Message
}

// NewHistory keeps at most limit messages per session. A non-positive
// limit disables history.
func NewHistory(limit int) *History {
	return &History{limit: limit, sessions: make(map[string][]*schema.Message)}
}

// Get returns a copy of the stored messages of key.
func (h *History) Get(key string) []*schema.Message {
	if h == nil || key == "" || h.limit <= 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.sessions[key]
	out := make([]*schema.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append adds one exchange and trims the oldest messages.
func (h *History) Append(key, query, answer string) {
	if h == nil || key == "" || h.limit <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.sessions[key], schema.UserMessage(query), schema.AssistantMessage(answer, nil))
	if len(msgs) > h.limit {
		msgs = append([]*schema.Message(nil), msgs[len(msgs)-h.limit:]...)
	}
	h.sessions[key] = msgs
}

// Reset forgets key.
func (h *History) Reset(key string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.sessions, key)
	h.mu.Unlock()
}
