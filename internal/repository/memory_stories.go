package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"friendhub/internal/domain"
)

// MemoryStoryStore is the process-local fallback StoryStore.
type MemoryStoryStore struct {
	mu        sync.RWMutex
	stories   map[string]domain.Story
	comments  map[string][]domain.Comment
	reactions map[string]map[string]domain.Reaction // story id -> user id
}

func NewMemoryStoryStore() *MemoryStoryStore {
	return &MemoryStoryStore{
		stories:   make(map[string]domain.Story),
		comments:  make(map[string][]domain.Comment),
		reactions: make(map[string]map[string]domain.Reaction),
	}
}

func (s *MemoryStoryStore) CreateStory(_ context.Context, story domain.Story) (domain.Story, error) {
	if story.ID == "" {
		story.ID = newID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stories[story.ID] = story
	return story, nil
}

func (s *MemoryStoryStore) GetStory(_ context.Context, id string) (domain.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.stories[id]
	if !ok {
		return domain.Story{}, ErrNotFound
	}
	return story, nil
}

func (s *MemoryStoryStore) ListStoriesByOwner(_ context.Context, ownerID string) ([]domain.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Story, 0)
	for _, story := range s.stories {
		if story.OwnerID == ownerID {
			out = append(out, story)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStoryStore) IncrementViews(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[id]
	if !ok {
		return ErrNotFound
	}
	story.Views++
	s.stories[id] = story
	return nil
}

func (s *MemoryStoryStore) AddComment(_ context.Context, comment domain.Comment) (domain.Comment, error) {
	if comment.ID == "" {
		comment.ID = newID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[comment.StoryID]; !ok {
		return domain.Comment{}, ErrNotFound
	}
	s.comments[comment.StoryID] = append(s.comments[comment.StoryID], comment)
	return comment, nil
}

func (s *MemoryStoryStore) ListComments(_ context.Context, storyID string) ([]domain.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Comment{}, s.comments[storyID]...), nil
}

func (s *MemoryStoryStore) UpsertReaction(_ context.Context, reaction domain.Reaction) (domain.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[reaction.StoryID]; !ok {
		return domain.Reaction{}, ErrNotFound
	}
	byUser, ok := s.reactions[reaction.StoryID]
	if !ok {
		byUser = make(map[string]domain.Reaction)
		s.reactions[reaction.StoryID] = byUser
	}
	if existing, ok := byUser[reaction.UserID]; ok {
		reaction.ID = existing.ID
	} else if reaction.ID == "" {
		reaction.ID = newID()
	}
	byUser[reaction.UserID] = reaction
	return reaction, nil
}

func (s *MemoryStoryStore) ListReactions(_ context.Context, storyID string) ([]domain.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Reaction, 0, len(s.reactions[storyID]))
	for _, r := range s.reactions[storyID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PurgeExpired removes expired stories and their dependents in one critical
// section.
func (s *MemoryStoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, story := range s.stories {
		if story.Expired(now) {
			delete(s.stories, id)
			delete(s.comments, id)
			delete(s.reactions, id)
			purged++
		}
	}
	return purged, nil
}
