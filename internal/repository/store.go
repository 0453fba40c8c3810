package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"friendhub/internal/domain"
)

// ErrNotFound is returned when a conversation's metadata or a story does not exist.
var ErrNotFound = errors.New("repository: not found")

// ErrReservedKey is returned when conversation metadata uses a key the stores
// keep for themselves.
var ErrReservedKey = errors.New("repository: reserved metadata key")

var errInvalidLimit = errors.New("repository: GetMessages: limit must be positive")

// checkMetadataKeys rejects reserved keys, reporting the first in sorted order.
func checkMetadataKeys(metadata map[string]any) error {
	var bad []string
	for k := range metadata {
		if reservedMetaAttrs[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("repository: SaveConversationMetadata: key %q: %w", bad[0], ErrReservedKey)
}

// Backend names a storage variant. It is resolved once at startup.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendDynamoDB Backend = "dynamodb"
	BackendPostgres Backend = "postgres"
)

// MessageStore is the conversation storage contract shared by the durable and
// in-memory variants. Messages are always returned oldest first.
type MessageStore interface {
	SaveMessage(ctx context.Context, conversationID string, payload map[string]any) (domain.Message, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	SaveConversationMetadata(ctx context.Context, conversationID string, metadata map[string]any) error
	GetConversationMetadata(ctx context.Context, conversationID string) (domain.ConversationMeta, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	ArchiveOldMessages(ctx context.Context, conversationID string, olderThan time.Time) (int, error)
}

// StoryStore holds expiring stories together with their comments and reactions.
type StoryStore interface {
	CreateStory(ctx context.Context, story domain.Story) (domain.Story, error)
	GetStory(ctx context.Context, id string) (domain.Story, error)
	ListStoriesByOwner(ctx context.Context, ownerID string) ([]domain.Story, error)
	IncrementViews(ctx context.Context, id string) error
	AddComment(ctx context.Context, comment domain.Comment) (domain.Comment, error)
	ListComments(ctx context.Context, storyID string) ([]domain.Comment, error)
	UpsertReaction(ctx context.Context, reaction domain.Reaction) (domain.Reaction, error)
	ListReactions(ctx context.Context, storyID string) ([]domain.Reaction, error)
	// PurgeExpired deletes every story with ExpiresAt <= now, with its
	// comments and reactions, and returns the number of stories removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// NewMessageStore returns the MessageStore variant selected by backend.
// api and tableName are only used by the DynamoDB variant.
func NewMessageStore(backend Backend, api dynamodbAPI, tableName string, logger *slog.Logger) (MessageStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend {
	case BackendDynamoDB:
		s, err := NewDynamoMessageStore(api, tableName)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		logger.Warn("durable message backend not configured, using in-memory store; data is lost on restart")
		return NewMemoryMessageStore(), nil
	default:
		return nil, fmt.Errorf("repository: unknown message backend %q", backend)
	}
}

// NewStoryStore returns the StoryStore variant selected by backend.
// db is only used by the Postgres variant.
func NewStoryStore(backend Backend, db *gorm.DB, logger *slog.Logger) (StoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend {
	case BackendPostgres:
		s, err := NewPostgresStoryStore(db)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		logger.Warn("durable story backend not configured, using in-memory store; data is lost on restart")
		return NewMemoryStoryStore(), nil
	default:
		return nil, fmt.Errorf("repository: unknown story backend %q", backend)
	}
}

var newID = func() string {
	return uuid.NewString()
}
