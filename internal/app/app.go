// Package app holds the startup wiring shared by the api and janitor binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gorm.io/gorm"

	"friendhub/internal/config"
	"friendhub/internal/integrations/paramstore"
	"friendhub/internal/repository"
)

// NewLogger returns a JSON slog logger writing to w at level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// OpenStoryStore builds the story store selected by cfg. For the postgres
// backend it resolves the DSN, opens the connection and, when migrate is set,
// creates the tables. The returned *gorm.DB is nil for the memory backend.
// params is only consulted when the DSN lives in Parameter Store.
func OpenStoryStore(ctx context.Context, cfg config.Config, params paramstore.Getter, migrate bool, logger *slog.Logger) (repository.StoryStore, *gorm.DB, error) {
	if cfg.StoryBackend != repository.BackendPostgres {
		store, err := repository.NewStoryStore(cfg.StoryBackend, nil, logger)
		return store, nil, err
	}

	dsn, err := cfg.ResolveDSN(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	db, err := repository.OpenPostgres(dsn)
	if err != nil {
		return nil, nil, err
	}
	if migrate {
		if err := repository.MigrateStories(db); err != nil {
			closeDB(db)
			return nil, nil, err
		}
	}
	store, err := repository.NewStoryStore(repository.BackendPostgres, db, logger)
	if err != nil {
		closeDB(db)
		return nil, nil, fmt.Errorf("app: story store: %w", err)
	}
	return store, db, nil
}

// NeedsParamStore reports whether cfg can only be completed from Parameter Store.
func NeedsParamStore(cfg config.Config) bool {
	return cfg.StoryBackend == repository.BackendPostgres && cfg.DatabaseDSN == "" && cfg.DatabaseDSNParam != ""
}

// CheckJanitor rejects configurations where a separate janitor process would
// purge a store no other process can see.
func CheckJanitor(cfg config.Config) error {
	if cfg.StoryBackend != repository.BackendPostgres {
		return errors.New("app: janitor requires STORY_BACKEND=postgres; the memory story store is purged by the api process")
	}
	return nil
}

// SweepBefore runs sweep ahead of every call to handle. The api uses it to
// purge its own memory story store.
func SweepBefore[E, R any](sweep func(context.Context) bool, handle func(context.Context, E) (R, error)) func(context.Context, E) (R, error) {
	return func(ctx context.Context, event E) (R, error) {
		sweep(ctx)
		return handle(ctx, event)
	}
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// CloseDB releases the pool behind db. A nil db is ignored.
func CloseDB(db *gorm.DB) {
	if db != nil {
		closeDB(db)
	}
}
