package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"chatsync/internal/app"
	"chatsync/internal/retention"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
)

// build metadata, set via ldflags during release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	flags := config.ParseConfigFlags()

	eff, err := config.LoadEffective(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.InitWithLevel(eff.Config.Logging.Level)

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		log.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopRetention, err := retention.Start(ctx, eff, a.Hub())
	if err != nil {
		log.Fatalf("failed to start retention scheduler: %v", err)
	}
	defer stopRetention()

	if err := a.Run(ctx); err != nil {
		logger.Error("server_exit", "error", err)
		log.Fatalf("server exit: %v", err)
	}
}
