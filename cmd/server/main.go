package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"scenecollab/server/internal/app"
	"scenecollab/server/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("SCENE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Server: cfg, Log: &logger, Version: version}); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
