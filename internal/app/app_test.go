package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"friendhub/internal/cleanup"
	"friendhub/internal/config"
	"friendhub/internal/domain"
	"friendhub/internal/repository"
)

func TestNewLogger_WritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Info("hidden")
	require.Zero(t, buf.Len())

	logger.Warn("shown", "key", "value")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, "value", line["key"])
}

func TestOpenStoryStore_Memory(t *testing.T) {
	store, db, err := OpenStoryStore(context.Background(), config.Config{StoryBackend: repository.BackendMemory}, nil, true, nil)
	require.NoError(t, err)
	require.Nil(t, db)
	require.IsType(t, &repository.MemoryStoryStore{}, store)
}

type failingParams struct{}

func (failingParams) GetParameter(context.Context, string) (string, error) {
	return "", errors.New("throttled")
}

func TestOpenStoryStore_PostgresDSNFailure(t *testing.T) {
	cfg := config.Config{StoryBackend: repository.BackendPostgres, DatabaseDSNParam: "/friendhub/dsn"}
	require.True(t, NeedsParamStore(cfg))

	_, _, err := OpenStoryStore(context.Background(), cfg, failingParams{}, false, nil)
	require.ErrorContains(t, err, "throttled")
}

func TestNeedsParamStore(t *testing.T) {
	require.False(t, NeedsParamStore(config.Config{StoryBackend: repository.BackendMemory, DatabaseDSNParam: "/p"}))
	require.False(t, NeedsParamStore(config.Config{StoryBackend: repository.BackendPostgres, DatabaseDSN: "postgres://x", DatabaseDSNParam: "/p"}))
}

func TestCheckJanitor(t *testing.T) {
	require.Error(t, CheckJanitor(config.Config{StoryBackend: repository.BackendMemory}))
	require.NoError(t, CheckJanitor(config.Config{StoryBackend: repository.BackendPostgres}))
}

func TestSweepBefore_PurgesMemoryStoreAheadOfRequests(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStoryStore()
	expired, err := store.CreateStory(ctx, domain.Story{OwnerID: "u1", ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	purger, err := cleanup.NewPurger(store, 0, nil)
	require.NoError(t, err)
	sweeper, err := cleanup.NewSweeper(purger, time.Hour, nil)
	require.NoError(t, err)

	var seen []string
	handle := SweepBefore(sweeper.Sweep, func(ctx context.Context, id string) (bool, error) {
		seen = append(seen, id)
		_, err := store.GetStory(ctx, id)
		return errors.Is(err, repository.ErrNotFound), nil
	})

	gone, err := handle(ctx, expired.ID)
	require.NoError(t, err)
	require.True(t, gone)
	require.Equal(t, []string{expired.ID}, seen)
}
