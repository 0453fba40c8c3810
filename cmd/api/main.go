package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"friendhub/handler"
	"friendhub/internal/app"
	"friendhub/internal/cleanup"
	"friendhub/internal/config"
	"friendhub/internal/integrations/paramstore"
	"friendhub/internal/repository"
	"friendhub/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Stores ----
	var params paramstore.Getter
	if app.NeedsParamStore(cfg) {
		params, err = paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
	}

	messageStore, err := repository.NewMessageStore(cfg.MessageBackend, awsdynamodb.NewFromConfig(awsCfg), cfg.MessagesTable, logger)
	if err != nil {
		logger.Error("failed to create message store", "err", err)
		os.Exit(1)
	}
	storyStore, _, err := app.OpenStoryStore(ctx, cfg, params, false, logger)
	if err != nil {
		logger.Error("failed to create story store", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	messaging, err := usecase.NewMessagingService(messageStore)
	if err != nil {
		logger.Error("failed to create messaging service", "err", err)
		os.Exit(1)
	}
	stories, err := usecase.NewStoryService(storyStore, cfg.StoryTTL)
	if err != nil {
		logger.Error("failed to create story service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(messaging, stories, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	handle := h.Handle
	if cfg.StoryBackend == repository.BackendMemory {
		// Only this process can see the memory store, so it purges it too.
		purger, err := cleanup.NewPurger(storyStore, cfg.PurgeTimeout, logger)
		if err != nil {
			logger.Error("failed to create purger", "err", err)
			os.Exit(1)
		}
		sweeper, err := cleanup.NewSweeper(purger, cfg.PurgeInterval, logger)
		if err != nil {
			logger.Error("failed to create sweeper", "err", err)
			os.Exit(1)
		}
		handle = app.SweepBefore(sweeper.Sweep, h.Handle)
	}

	logger.Info("api starting", "message_backend", cfg.MessageBackend, "story_backend", cfg.StoryBackend)
	lambda.Start(handle)
}
