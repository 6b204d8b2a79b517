// Package memory stores per-conversation message history for multi-turn
// answering. History is kept in process and expires after inactivity.
package memory

import (
	"strings"
	"sync"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

type conversation struct {
	messages  []Message
	updatedAt time.Time
}

// Store keeps a bounded ring of recent messages per conversation and evicts
// conversations idle longer than the TTL.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	maxMessages   int
	ttl           time.Duration
	stop          chan struct{}
	stopOnce      sync.Once

	now func() time.Time
}

// NewStore creates a conversation store. The cleanup loop runs until Close.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &Store{
		conversations: make(map[string]*conversation),
		maxMessages:   maxMessages,
		ttl:           ttl,
		stop:          make(chan struct{}),
		now:           time.Now,
	}
	go s.cleanupLoop()
	return s
}

// Close stops the background cleanup loop.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// AddUserMessage appends a user turn.
func (s *Store) AddUserMessage(conversationID, content string) {
	s.add(conversationID, RoleUser, content)
}

// AddAssistantMessage appends an assistant turn.
func (s *Store) AddAssistantMessage(conversationID, content string) {
	s.add(conversationID, RoleAssistant, content)
}

func (s *Store) add(conversationID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{}
		s.conversations[conversationID] = conv
	}

	conv.messages = append(conv.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	})
	conv.updatedAt = s.now()

	// Keep only the most recent turns.
	if len(conv.messages) > s.maxMessages {
		conv.messages = conv.messages[len(conv.messages)-s.maxMessages:]
	}
}

// History returns a copy of all retained messages for a conversation.
func (s *Store) History(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Recent returns at most n of the latest messages.
func (s *Store) Recent(conversationID string, n int) []Message {
	history := s.History(conversationID)
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// Clear removes a conversation.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, conv := range s.conversations {
		if now.Sub(conv.updatedAt) > s.ttl {
			delete(s.conversations, id)
		}
	}
}

// FormatForPrompt renders messages as alternating User/Assistant lines for
// inclusion in a generation prompt.
func FormatForPrompt(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			sb.WriteString("User: " + msg.Content + "\n")
		case RoleAssistant:
			sb.WriteString("Assistant: " + msg.Content + "\n")
		}
	}
	return sb.String()
}
