package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/app"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/models"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Logger.Color)
	defer logger.Sync()

	logger.Info("Main", "Vision dashboard starting...")
	logger.Info("Main", "  HTTP server: %s", cfg.Server.Addr)
	logger.Info("Main", "  Model backend: %s (available: %v)", cfg.Models.Backend, models.Backends())
	logger.Info("Main", "  Camera source: %s", cfg.Camera.Source)
	logger.Info("Main", "  Refresh rate: %.0f Hz, inference timeout %v", cfg.Loop.RefreshRate, cfg.Loop.InferenceTimeout)
	logger.Info("Main", "  Log level: %s", level)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := a.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Stopped")
}
