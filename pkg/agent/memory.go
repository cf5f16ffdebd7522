package agent

import (
	"sync"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/session"
)

const DefaultMaxMessages = 100

// Memory is the ordered message history of one session. Every mutation is
// written through to the store before it returns.
type Memory struct {
	sessionID   string
	store       session.Store
	maxMessages int

	mu       sync.RWMutex
	messages []providers.Message
}

// NewMemory loads the stored history for sessionID. An unreadable record is
// logged and treated as an empty history.
func NewMemory(sessionID string, store session.Store, maxMessages int) *Memory {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	m := &Memory{
		sessionID:   sessionID,
		store:       store,
		maxMessages: maxMessages,
	}
	m.load()
	return m
}

func (m *Memory) load() {
	if m.store == nil {
		return
	}
	msgs, err := m.store.Load(m.sessionID)
	if err != nil {
		logger.ErrorCF("memory", "Failed to load memory", map[string]interface{}{
			"session_id": m.sessionID,
			"error":      err.Error(),
		})
		return
	}
	m.messages = msgs
	if len(msgs) > 0 {
		logger.DebugCF("memory", "Memory loaded", map[string]interface{}{
			"session_id": m.sessionID,
			"count":      len(msgs),
		})
	}
}

// persist must be called with mu held.
func (m *Memory) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.sessionID, m.messages); err != nil {
		logger.ErrorCF("memory", "Failed to save memory", map[string]interface{}{
			"session_id": m.sessionID,
			"error":      err.Error(),
		})
	}
}

func (m *Memory) SessionID() string {
	return m.sessionID
}

// AddMessage appends msg. Past the cap, system messages are all kept and only
// the newest maxMessages others survive, in their original order.
func (m *Memory) AddMessage(msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, cloneMessage(msg))
	if len(m.messages) > m.maxMessages {
		m.messages = trimMessages(m.messages, m.maxMessages)
	}
	m.persist()
}

func trimMessages(msgs []providers.Message, max int) []providers.Message {
	nonSystem := 0
	for _, msg := range msgs {
		if msg.Role != providers.RoleSystem {
			nonSystem++
		}
	}
	drop := nonSystem - max
	if drop <= 0 {
		return msgs
	}

	out := make([]providers.Message, 0, len(msgs)-drop)
	for _, msg := range msgs {
		if msg.Role != providers.RoleSystem && drop > 0 {
			drop--
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (m *Memory) GetMessages() []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.messages) == 0 {
		return []providers.Message{}
	}
	return providers.CloneMessages(m.messages)
}

// GetRecentMessages returns the last n messages, or all of them when fewer
// are stored.
func (m *Memory) GetRecentMessages(n int) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 {
		return []providers.Message{}
	}
	start := len(m.messages) - n
	if start < 0 {
		start = 0
	}
	return providers.CloneMessages(m.messages[start:])
}

// UpdateLastMessage rewrites the content of the newest message. No-op when
// the history is empty.
func (m *Memory) UpdateLastMessage(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return
	}
	m.messages[len(m.messages)-1].Content = content
	m.persist()
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = []providers.Message{}
	m.persist()
}

func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func cloneMessage(msg providers.Message) providers.Message {
	return providers.CloneMessages([]providers.Message{msg})[0]
}
