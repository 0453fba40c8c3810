// Package config reads process configuration from the environment once at
// startup. Nothing else in the module reads environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"friendhub/internal/integrations/paramstore"
	"friendhub/internal/repository"
)

const (
	defaultStoryTTL      = 24 * time.Hour
	defaultPurgeInterval = time.Hour
)

type Config struct {
	LogLevel slog.Level

	MessageBackend repository.Backend
	MessagesTable  string

	StoryBackend     repository.Backend
	DatabaseDSN      string
	DatabaseDSNParam string

	StoryTTL      time.Duration
	PurgeInterval time.Duration
	PurgeTimeout  time.Duration
}

// Load seeds the environment from a .env file when one exists and then reads
// the configuration from it. Variables already set in the environment win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (Config, error) {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := Config{
		MessagesTable:    env("MESSAGES_TABLE"),
		DatabaseDSN:      env("DATABASE_DSN"),
		DatabaseDSNParam: env("DATABASE_DSN_PARAM"),
	}

	level, err := parseLevel(env("LOG_LEVEL"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	cfg.MessageBackend = repository.Backend(strings.ToLower(env("MESSAGE_BACKEND")))
	switch cfg.MessageBackend {
	case "":
		cfg.MessageBackend = repository.BackendMemory
		if cfg.MessagesTable != "" {
			cfg.MessageBackend = repository.BackendDynamoDB
		}
	case repository.BackendDynamoDB:
		if cfg.MessagesTable == "" {
			return Config{}, errors.New("config: MESSAGES_TABLE is required for the dynamodb message backend")
		}
	case repository.BackendMemory:
	default:
		return Config{}, fmt.Errorf("config: unsupported MESSAGE_BACKEND %q", cfg.MessageBackend)
	}

	hasDSN := cfg.DatabaseDSN != "" || cfg.DatabaseDSNParam != ""
	cfg.StoryBackend = repository.Backend(strings.ToLower(env("STORY_BACKEND")))
	switch cfg.StoryBackend {
	case "":
		cfg.StoryBackend = repository.BackendMemory
		if hasDSN {
			cfg.StoryBackend = repository.BackendPostgres
		}
	case repository.BackendPostgres:
		if !hasDSN {
			return Config{}, errors.New("config: DATABASE_DSN or DATABASE_DSN_PARAM is required for the postgres story backend")
		}
	case repository.BackendMemory:
	default:
		return Config{}, fmt.Errorf("config: unsupported STORY_BACKEND %q", cfg.StoryBackend)
	}

	if cfg.StoryTTL, err = envDuration(env, "STORY_TTL", defaultStoryTTL); err != nil {
		return Config{}, err
	}
	if cfg.PurgeInterval, err = envDuration(env, "PURGE_INTERVAL", defaultPurgeInterval); err != nil {
		return Config{}, err
	}
	if cfg.PurgeTimeout, err = envDuration(env, "PURGE_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.StoryTTL <= 0 || cfg.PurgeInterval <= 0 {
		return Config{}, errors.New("config: STORY_TTL and PURGE_INTERVAL must be positive")
	}
	return cfg, nil
}

// ResolveDSN returns the Postgres DSN, reading it from Parameter Store when
// only DATABASE_DSN_PARAM is configured.
func (c Config) ResolveDSN(ctx context.Context, params paramstore.Getter) (string, error) {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN, nil
	}
	if c.DatabaseDSNParam == "" {
		return "", errors.New("config: no database dsn configured")
	}
	if params == nil {
		return "", errors.New("config: parameter store client is required to resolve DATABASE_DSN_PARAM")
	}
	dsn, err := params.GetParameter(ctx, c.DatabaseDSNParam)
	if err != nil {
		return "", fmt.Errorf("config: resolve dsn: %w", err)
	}
	return strings.TrimSpace(dsn), nil
}

func parseLevel(v string) (slog.Level, error) {
	if v == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q: %w", v, err)
	}
	return level, nil
}

func envDuration(env func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return d, nil
}
