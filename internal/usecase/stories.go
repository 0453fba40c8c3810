package usecase

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"friendhub/internal/domain"
	"friendhub/internal/repository"
)

const (
	// DefaultStoryTTL is how long a story stays visible after it is posted.
	DefaultStoryTTL = 24 * time.Hour

	maxCaptionLen = 2200
	maxCommentLen = 1000
	maxEmojiBytes = 20
)

// StoryStore is the story storage consumed by StoryService.
type StoryStore interface {
	CreateStory(ctx context.Context, story domain.Story) (domain.Story, error)
	GetStory(ctx context.Context, id string) (domain.Story, error)
	ListStoriesByOwner(ctx context.Context, ownerID string) ([]domain.Story, error)
	IncrementViews(ctx context.Context, id string) error
	AddComment(ctx context.Context, comment domain.Comment) (domain.Comment, error)
	ListComments(ctx context.Context, storyID string) ([]domain.Comment, error)
	UpsertReaction(ctx context.Context, reaction domain.Reaction) (domain.Reaction, error)
	ListReactions(ctx context.Context, storyID string) ([]domain.Reaction, error)
}

type StoryService struct {
	store StoryStore
	ttl   time.Duration
	now   func() time.Time
}

type PostStoryInput struct {
	OwnerID   string
	MediaURL  string
	MediaType string
	Caption   *string
	Privacy   string
}

type CommentInput struct {
	StoryID string
	UserID  string
	Content string
}

type ReactInput struct {
	StoryID string
	UserID  string
	Emoji   string
}

// StoryView is a visible story together with its comments and reactions.
type StoryView struct {
	Story     domain.Story      `json:"story"`
	Comments  []domain.Comment  `json:"comments"`
	Reactions []domain.Reaction `json:"reactions"`
}

// NewStoryService creates a StoryService. A non-positive ttl selects
// DefaultStoryTTL.
func NewStoryService(store StoryStore, ttl time.Duration) (*StoryService, error) {
	if store == nil {
		return nil, errors.New("usecase: story store must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultStoryTTL
	}
	return &StoryService{store: store, ttl: ttl, now: time.Now}, nil
}

// PostStory stores a new story whose expiry is fixed at creation time.
func (s *StoryService) PostStory(ctx context.Context, in PostStoryInput) (domain.Story, error) {
	owner := strings.TrimSpace(in.OwnerID)
	if owner == "" {
		return domain.Story{}, newError(ErrorInvalidInput, "empty_owner", nil)
	}
	if !validMediaURL(in.MediaURL) {
		return domain.Story{}, newError(ErrorInvalidInput, "invalid_media_url", nil)
	}
	if in.MediaType != domain.MediaImage && in.MediaType != domain.MediaVideo {
		return domain.Story{}, newError(ErrorInvalidInput, "invalid_media_type", nil)
	}
	if in.Caption != nil && utf8.RuneCountInString(*in.Caption) > maxCaptionLen {
		return domain.Story{}, newError(ErrorInvalidInput, "caption_too_long", nil)
	}
	privacy := in.Privacy
	switch privacy {
	case "":
		privacy = domain.PrivacyPublic
	case domain.PrivacyPublic, domain.PrivacyFriends, domain.PrivacyPrivate:
	default:
		return domain.Story{}, newError(ErrorInvalidInput, "invalid_privacy", nil)
	}

	now := s.now().UTC()
	story, err := s.store.CreateStory(ctx, domain.Story{
		OwnerID:   owner,
		MediaURL:  strings.TrimSpace(in.MediaURL),
		MediaType: in.MediaType,
		Caption:   in.Caption,
		Privacy:   privacy,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	})
	if err != nil {
		return domain.Story{}, newError(ErrorInternal, "story_write_error", err)
	}
	return story, nil
}

// ViewStory returns a story visible to viewerID and counts the view.
func (s *StoryService) ViewStory(ctx context.Context, viewerID, storyID string) (StoryView, error) {
	story, err := s.visibleStory(ctx, viewerID, storyID)
	if err != nil {
		return StoryView{}, err
	}
	if err := s.store.IncrementViews(ctx, story.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return StoryView{}, newError(ErrorNotFound, "story_not_found", nil)
		}
		return StoryView{}, newError(ErrorInternal, "story_view_error", err)
	}
	story.Views++

	comments, err := s.store.ListComments(ctx, story.ID)
	if err != nil {
		return StoryView{}, newError(ErrorInternal, "comment_read_error", err)
	}
	reactions, err := s.store.ListReactions(ctx, story.ID)
	if err != nil {
		return StoryView{}, newError(ErrorInternal, "reaction_read_error", err)
	}
	return StoryView{Story: story, Comments: comments, Reactions: reactions}, nil
}

// OwnerStories lists the owner's unexpired stories that viewerID may see.
func (s *StoryService) OwnerStories(ctx context.Context, viewerID, ownerID string) ([]domain.Story, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, newError(ErrorInvalidInput, "empty_owner", nil)
	}
	stories, err := s.store.ListStoriesByOwner(ctx, ownerID)
	if err != nil {
		return nil, newError(ErrorInternal, "story_read_error", err)
	}
	now := s.now()
	out := make([]domain.Story, 0, len(stories))
	for _, st := range stories {
		if st.Expired(now) || !canSee(viewerID, st) {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *StoryService) Comment(ctx context.Context, in CommentInput) (domain.Comment, error) {
	user := strings.TrimSpace(in.UserID)
	if user == "" {
		return domain.Comment{}, newError(ErrorInvalidInput, "empty_user", nil)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return domain.Comment{}, newError(ErrorInvalidInput, "empty_comment", nil)
	}
	if utf8.RuneCountInString(content) > maxCommentLen {
		return domain.Comment{}, newError(ErrorInvalidInput, "comment_too_long", nil)
	}
	story, err := s.visibleStory(ctx, user, in.StoryID)
	if err != nil {
		return domain.Comment{}, err
	}

	c, err := s.store.AddComment(ctx, domain.Comment{
		StoryID:   story.ID,
		UserID:    user,
		Content:   content,
		CreatedAt: s.now().UTC(),
	})
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Comment{}, newError(ErrorNotFound, "story_not_found", nil)
	}
	if err != nil {
		return domain.Comment{}, newError(ErrorInternal, "comment_write_error", err)
	}
	return c, nil
}

func (s *StoryService) React(ctx context.Context, in ReactInput) (domain.Reaction, error) {
	user := strings.TrimSpace(in.UserID)
	if user == "" {
		return domain.Reaction{}, newError(ErrorInvalidInput, "empty_user", nil)
	}
	emoji := strings.TrimSpace(in.Emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return domain.Reaction{}, newError(ErrorInvalidInput, "invalid_emoji", nil)
	}
	story, err := s.visibleStory(ctx, user, in.StoryID)
	if err != nil {
		return domain.Reaction{}, err
	}

	r, err := s.store.UpsertReaction(ctx, domain.Reaction{
		StoryID:   story.ID,
		UserID:    user,
		Emoji:     emoji,
		CreatedAt: s.now().UTC(),
	})
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Reaction{}, newError(ErrorNotFound, "story_not_found", nil)
	}
	if err != nil {
		return domain.Reaction{}, newError(ErrorInternal, "reaction_write_error", err)
	}
	return r, nil
}

// visibleStory loads a story and hides it once expired, even if the purge
// has not removed it yet.
func (s *StoryService) visibleStory(ctx context.Context, viewerID, storyID string) (domain.Story, error) {
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return domain.Story{}, newError(ErrorInvalidInput, "empty_story_id", nil)
	}
	story, err := s.store.GetStory(ctx, storyID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Story{}, newError(ErrorNotFound, "story_not_found", nil)
	}
	if err != nil {
		return domain.Story{}, newError(ErrorInternal, "story_read_error", err)
	}
	if story.Expired(s.now()) {
		return domain.Story{}, newError(ErrorNotFound, "story_expired", nil)
	}
	if !canSee(viewerID, story) {
		return domain.Story{}, newError(ErrorForbidden, "story_not_public", nil)
	}
	return story, nil
}

// canSee reports whether viewerID may see story. Friendship is resolved
// outside this service, so only the owner sees non-public stories.
func canSee(viewerID string, story domain.Story) bool {
	return story.Privacy == domain.PrivacyPublic || story.OwnerID == viewerID
}

func validMediaURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
