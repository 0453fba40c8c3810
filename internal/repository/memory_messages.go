package repository

import (
	"context"
	"maps"
	"sync"
	"time"

	"friendhub/internal/domain"
)

// MemoryMessageStore is the process-local fallback MessageStore. It is safe
// for concurrent use and loses everything when the process exits.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	metas    map[string]domain.ConversationMeta
	messages map[string][]domain.Message
	now      func() time.Time
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		metas:    make(map[string]domain.ConversationMeta),
		messages: make(map[string][]domain.Message),
		now:      time.Now,
	}
}

func (s *MemoryMessageStore) SaveMessage(_ context.Context, conversationID string, payload map[string]any) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := domain.Message{
		ID:             newID(),
		ConversationID: conversationID,
		Payload:        maps.Clone(payload),
		CreatedAt:      s.now().UTC(),
	}
	// Appending under the lock keeps each history in creation order.
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return copyMessage(msg), nil
}

func (s *MemoryMessageStore) GetMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, errInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[conversationID]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]domain.Message, 0, len(history))
	for _, m := range history {
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *MemoryMessageStore) SaveConversationMetadata(_ context.Context, conversationID string, metadata map[string]any) error {
	if err := checkMetadataKeys(metadata); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.metas[conversationID]
	if !ok {
		meta = domain.ConversationMeta{ConversationID: conversationID, Metadata: map[string]any{}}
	}
	maps.Copy(meta.Metadata, metadata)
	meta.UpdatedAt = s.now().UTC()
	s.metas[conversationID] = meta
	return nil
}

func (s *MemoryMessageStore) GetConversationMetadata(_ context.Context, conversationID string) (domain.ConversationMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metas[conversationID]
	if !ok {
		return domain.ConversationMeta{}, ErrNotFound
	}
	meta.Metadata = maps.Clone(meta.Metadata)
	return meta, nil
}

func (s *MemoryMessageStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.metas, conversationID)
	delete(s.messages, conversationID)
	return nil
}

func (s *MemoryMessageStore) ArchiveOldMessages(_ context.Context, conversationID string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.messages[conversationID]
	if !ok {
		return 0, nil
	}
	kept := history[:0]
	for _, m := range history {
		if !m.CreatedAt.Before(olderThan) {
			kept = append(kept, m)
		}
	}
	removed := len(history) - len(kept)
	clear(history[len(kept):])
	s.messages[conversationID] = kept
	return removed, nil
}

func copyMessage(m domain.Message) domain.Message {
	m.Payload = maps.Clone(m.Payload)
	return m
}
