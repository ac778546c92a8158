// Command archivist is the CLI entry point for the Telegram archival agent.
// It loads configuration, sets up logging and the readline console, and
// hands control to the application for the rest of the process lifetime.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tgarchivist/internal/app"
	"tgarchivist/internal/infra/concurrency"
	"tgarchivist/internal/infra/config"
	"tgarchivist/internal/infra/logger"
	"tgarchivist/internal/infra/pr"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))
	if err := pr.Init(); err != nil {
		log.Fatalf("failed to assign stdout and stderr: %v", err)
	}

	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if err := logger.EnableFileLogging(config.Env().DataDir); err != nil {
		logger.Warnf("file logging disabled: %v", err)
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := concurrency.StartTimeoutTimer(ctx, config.Env().RunTimeoutSecs, stop); err != nil {
		log.Fatalf("failed to start run-timeout timer: %v", err)
	}

	a := app.NewApp()
	if err := a.Init(ctx, stop); err != nil {
		stop()
		log.Fatalf("app init failed: %v", err)
	}

	if err := a.Run(); err != nil {
		stop()
		log.Fatalf("app run failed: %v", err)
	}
	stop()
	log.Println("graceful shutdown complete")
}
