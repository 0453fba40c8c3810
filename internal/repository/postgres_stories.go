package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"friendhub/internal/domain"
)

type storyRow struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	OwnerID   string    `gorm:"index;type:varchar(128);not null"`
	MediaURL  string    `gorm:"type:text;not null"`
	MediaType string    `gorm:"type:varchar(16);not null"`
	Caption   *string   `gorm:"type:text"`
	Privacy   string    `gorm:"type:varchar(16);not null"`
	Views     int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

func (storyRow) TableName() string { return "stories" }

type commentRow struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	StoryID   string    `gorm:"index;type:varchar(36);not null"`
	UserID    string    `gorm:"type:varchar(128);not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (commentRow) TableName() string { return "story_comments" }

type reactionRow struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	StoryID   string    `gorm:"uniqueIndex:idx_story_reactions_story_user;type:varchar(36);not null"`
	UserID    string    `gorm:"uniqueIndex:idx_story_reactions_story_user;type:varchar(128);not null"`
	Emoji     string    `gorm:"type:varchar(20);not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (reactionRow) TableName() string { return "story_reactions" }

// OpenPostgres opens a gorm connection for the story tables.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	return db, nil
}

// MigrateStories creates or updates the story, comment and reaction tables.
func MigrateStories(db *gorm.DB) error {
	if err := db.AutoMigrate(&storyRow{}, &commentRow{}, &reactionRow{}); err != nil {
		return fmt.Errorf("repository: migrate stories: %w", err)
	}
	return nil
}

// PostgresStoryStore is the durable StoryStore.
type PostgresStoryStore struct {
	db *gorm.DB
}

func NewPostgresStoryStore(db *gorm.DB) (*PostgresStoryStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresStoryStore{db: db}, nil
}

func (s *PostgresStoryStore) CreateStory(ctx context.Context, story domain.Story) (domain.Story, error) {
	if story.ID == "" {
		story.ID = newID()
	}
	row := toStoryRow(story)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Story{}, fmt.Errorf("repository: CreateStory: %w", err)
	}
	return story, nil
}

func (s *PostgresStoryStore) GetStory(ctx context.Context, id string) (domain.Story, error) {
	var row storyRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Story{}, ErrNotFound
	}
	if err != nil {
		return domain.Story{}, fmt.Errorf("repository: GetStory: %w", err)
	}
	return row.toDomain(), nil
}

func (s *PostgresStoryStore) ListStoriesByOwner(ctx context.Context, ownerID string) ([]domain.Story, error) {
	var rows []storyRow
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repository: ListStoriesByOwner: %w", err)
	}
	out := make([]domain.Story, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *PostgresStoryStore) IncrementViews(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&storyRow{}).Where("id = ?", id).
		UpdateColumn("views", gorm.Expr("views + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("repository: IncrementViews: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddComment locks the parent story row so the comment cannot be inserted
// after a concurrent purge has already collected its dependents.
func (s *PostgresStoryStore) AddComment(ctx context.Context, comment domain.Comment) (domain.Comment, error) {
	if comment.ID == "" {
		comment.ID = newID()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockStory(tx, comment.StoryID); err != nil {
			return err
		}
		row := commentRow(comment)
		return tx.Create(&row).Error
	})
	if errors.Is(err, ErrNotFound) {
		return domain.Comment{}, ErrNotFound
	}
	if err != nil {
		return domain.Comment{}, fmt.Errorf("repository: AddComment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStoryStore) ListComments(ctx context.Context, storyID string) ([]domain.Comment, error) {
	var rows []commentRow
	if err := s.db.WithContext(ctx).Where("story_id = ?", storyID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repository: ListComments: %w", err)
	}
	out := make([]domain.Comment, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Comment(r))
	}
	return out, nil
}

// UpsertReaction stores the user's reaction, replacing the emoji of an
// existing one.
func (s *PostgresStoryStore) UpsertReaction(ctx context.Context, reaction domain.Reaction) (domain.Reaction, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockStory(tx, reaction.StoryID); err != nil {
			return err
		}
		var existing reactionRow
		err := tx.Where("story_id = ? AND user_id = ?", reaction.StoryID, reaction.UserID).Take(&existing).Error
		switch {
		case err == nil:
			reaction.ID = existing.ID
			return tx.Model(&existing).Updates(map[string]any{
				"emoji":      reaction.Emoji,
				"created_at": reaction.CreatedAt,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if reaction.ID == "" {
				reaction.ID = newID()
			}
			row := reactionRow(reaction)
			return tx.Create(&row).Error
		default:
			return err
		}
	})
	if errors.Is(err, ErrNotFound) {
		return domain.Reaction{}, ErrNotFound
	}
	if err != nil {
		return domain.Reaction{}, fmt.Errorf("repository: UpsertReaction: %w", err)
	}
	return reaction, nil
}

func (s *PostgresStoryStore) ListReactions(ctx context.Context, storyID string) ([]domain.Reaction, error) {
	var rows []reactionRow
	if err := s.db.WithContext(ctx).Where("story_id = ?", storyID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repository: ListReactions: %w", err)
	}
	out := make([]domain.Reaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Reaction(r))
	}
	return out, nil
}

// PurgeExpired locks the expired stories, then removes their comments,
// reactions and the stories themselves in one transaction. Every statement
// selects by the cutoff, so the bind count does not grow with the backlog. A
// concurrent purge blocks on the row locks and finds nothing left to delete.
func (s *PostgresStoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(lockExpiredSQL, now).Error; err != nil {
			return fmt.Errorf("lock expired: %w", err)
		}
		if err := tx.Where("story_id IN (?)", expiredIDs(tx, now)).Delete(&commentRow{}).Error; err != nil {
			return fmt.Errorf("delete comments: %w", err)
		}
		if err := tx.Where("story_id IN (?)", expiredIDs(tx, now)).Delete(&reactionRow{}).Error; err != nil {
			return fmt.Errorf("delete reactions: %w", err)
		}
		res := tx.Where("expires_at <= ?", now).Delete(&storyRow{})
		if res.Error != nil {
			return fmt.Errorf("delete stories: %w", res.Error)
		}
		purged = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("repository: PurgeExpired: %w", err)
	}
	return purged, nil
}

const lockExpiredSQL = `SELECT id FROM stories WHERE expires_at <= ? FOR UPDATE`

// expiredIDs is the subquery selecting the ids of stories expired at now.
func expiredIDs(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Session(&gorm.Session{NewDB: true}).Model(&storyRow{}).Select("id").Where("expires_at <= ?", now)
}

func lockStory(tx *gorm.DB, id string) error {
	var row storyRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func toStoryRow(s domain.Story) storyRow {
	return storyRow{
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		MediaURL:  s.MediaURL,
		MediaType: s.MediaType,
		Caption:   s.Caption,
		Privacy:   s.Privacy,
		Views:     s.Views,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

func (r storyRow) toDomain() domain.Story {
	return domain.Story{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		MediaURL:  r.MediaURL,
		MediaType: r.MediaType,
		Caption:   r.Caption,
		Privacy:   r.Privacy,
		Views:     r.Views,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}
