package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"friendhub/internal/domain"
	"friendhub/internal/repository"
)

const (
	defaultMessageLimit  = 50
	maxMessageLimit      = 200
	defaultArchiveDays   = 30
	maxConversationIDLen = 128
)

// MessageStore is the conversation storage consumed by MessagingService.
type MessageStore interface {
	SaveMessage(ctx context.Context, conversationID string, payload map[string]any) (domain.Message, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	SaveConversationMetadata(ctx context.Context, conversationID string, metadata map[string]any) error
	GetConversationMetadata(ctx context.Context, conversationID string) (domain.ConversationMeta, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	ArchiveOldMessages(ctx context.Context, conversationID string, olderThan time.Time) (int, error)
}

type MessagingService struct {
	store MessageStore
	now   func() time.Time
}

func NewMessagingService(store MessageStore) (*MessagingService, error) {
	if store == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	return &MessagingService{store: store, now: time.Now}, nil
}

func (s *MessagingService) SendMessage(ctx context.Context, conversationID string, payload map[string]any) (domain.Message, error) {
	convID, err := cleanConversationID(conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if len(payload) == 0 {
		return domain.Message{}, newError(ErrorInvalidInput, "empty_payload", nil)
	}
	msg, err := s.store.SaveMessage(ctx, convID, payload)
	if err != nil {
		return domain.Message{}, newError(ErrorInternal, "message_write_error", err)
	}
	return msg, nil
}

// Messages returns the most recent messages of a conversation, oldest first.
// A non-positive limit selects the default of 50.
func (s *MessagingService) Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	convID, err := cleanConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	msgs, err := s.store.GetMessages(ctx, convID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "message_read_error", err)
	}
	return msgs, nil
}

func (s *MessagingService) UpdateConversation(ctx context.Context, conversationID string, metadata map[string]any) error {
	convID, err := cleanConversationID(conversationID)
	if err != nil {
		return err
	}
	err = s.store.SaveConversationMetadata(ctx, convID, metadata)
	if errors.Is(err, repository.ErrReservedKey) {
		return newError(ErrorInvalidInput, "reserved_metadata_key", err)
	}
	if err != nil {
		return newError(ErrorInternal, "metadata_write_error", err)
	}
	return nil
}

func (s *MessagingService) Conversation(ctx context.Context, conversationID string) (domain.ConversationMeta, error) {
	convID, err := cleanConversationID(conversationID)
	if err != nil {
		return domain.ConversationMeta{}, err
	}
	meta, err := s.store.GetConversationMetadata(ctx, convID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ConversationMeta{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if err != nil {
		return domain.ConversationMeta{}, newError(ErrorInternal, "metadata_read_error", err)
	}
	return meta, nil
}

func (s *MessagingService) DeleteConversation(ctx context.Context, conversationID string) error {
	convID, err := cleanConversationID(conversationID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, convID); err != nil {
		return newError(ErrorInternal, "conversation_delete_error", err)
	}
	return nil
}

// ArchiveOldMessages deletes messages older than daysOld days (default 30)
// and returns how many were removed.
func (s *MessagingService) ArchiveOldMessages(ctx context.Context, conversationID string, daysOld int) (int, error) {
	convID, err := cleanConversationID(conversationID)
	if err != nil {
		return 0, err
	}
	if daysOld <= 0 {
		daysOld = defaultArchiveDays
	}
	cutoff := s.now().UTC().Add(-time.Duration(daysOld) * 24 * time.Hour)
	n, err := s.store.ArchiveOldMessages(ctx, convID, cutoff)
	if err != nil {
		return 0, newError(ErrorInternal, "message_archive_error", err)
	}
	return n, nil
}

func cleanConversationID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	if len(id) > maxConversationIDLen {
		return "", newError(ErrorInvalidInput, "conversation_id_too_long", nil)
	}
	return id, nil
}
