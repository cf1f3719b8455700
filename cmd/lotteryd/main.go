// Package main runs the lottery engine service.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/lottery_engine/internal/app"
	"github.com/R3E-Network/lottery_engine/internal/config"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	// Environment variable overrides
	if v := os.Getenv("LOTTERYD_CONFIG"); v != "" && *configPath == "" {
		*configPath = v
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		log.Fatalf("lotteryd exited with error: %v", err)
	}
}
