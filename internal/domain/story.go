package domain

import "time"

const (
	MediaImage = "image"
	MediaVideo = "video"
)

const (
	PrivacyPublic  = "public"
	PrivacyFriends = "friends"
	PrivacyPrivate = "private"
)

// Story is an ephemeral media post. ExpiresAt is fixed when the story is
// created and never changes afterwards.
type Story struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	MediaURL  string    `json:"mediaUrl"`
	MediaType string    `json:"mediaType"`
	Caption   *string   `json:"caption,omitempty"`
	Privacy   string    `json:"privacy"`
	Views     int64     `json:"views"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the story is no longer visible at now.
func (s Story) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Comment belongs to exactly one story and is purged with it.
type Comment struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"storyId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reaction is a user's emoji on a story. A user holds at most one reaction
// per story.
type Reaction struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"storyId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}
