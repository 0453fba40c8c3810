package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"friendhub/internal/app"
	"friendhub/internal/cleanup"
	"friendhub/internal/config"
	"friendhub/internal/integrations/paramstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	if err := app.CheckJanitor(cfg); err != nil {
		logger.Error("invalid janitor configuration", "err", err)
		os.Exit(1)
	}

	var params paramstore.Getter
	if app.NeedsParamStore(cfg) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		params, err = paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
	}

	// The janitor owns the story schema.
	store, db, err := app.OpenStoryStore(ctx, cfg, params, true, logger)
	if err != nil {
		logger.Error("failed to create story store", "err", err)
		os.Exit(1)
	}
	defer app.CloseDB(db)

	purger, err := cleanup.NewPurger(store, cfg.PurgeTimeout, logger)
	if err != nil {
		logger.Error("failed to create purger", "err", err)
		os.Exit(1)
	}
	scheduler, err := cleanup.NewScheduler(purger, cfg.PurgeInterval, logger)
	if err != nil {
		logger.Error("failed to create scheduler", "err", err)
		os.Exit(1)
	}

	scheduler.Run(ctx)
}
