package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/wrenbyte/llm-stream-ui/internal/models"
)

// MemoryStore is an in-memory Store. It is the default for embedding the
// engine without persistence and for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]models.Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]models.Message)}
}

// Messages returns a deep copy of the conversation's messages in order.
func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, nil
}

// Message returns a deep copy of a single message, or ErrNotFound.
func (s *MemoryStore) Message(_ context.Context, conversationID, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == messageID })
	if idx == -1 {
		return models.Message{}, ErrNotFound
	}
	return msgs[idx].Clone(), nil
}

// AddMessage appends a message to the conversation.
func (s *MemoryStore) AddMessage(_ context.Context, conversationID string, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[conversationID] = append(s.messages[conversationID], message.Clone())
	return nil
}

// UpdateMessage replaces an existing message in place, or returns ErrNotFound.
func (s *MemoryStore) UpdateMessage(_ context.Context, conversationID string, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == message.ID })
	if idx == -1 {
		return ErrNotFound
	}
	msgs[idx] = message.Clone()
	return nil
}

// RemoveMessage deletes a message. Removing an absent message is a no-op.
func (s *MemoryStore) RemoveMessage(_ context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == messageID })
	if idx == -1 {
		return nil
	}
	s.messages[conversationID] = slices.Delete(msgs, idx, idx+1)
	return nil
}
