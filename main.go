package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quenby/porter/internal/app"
	"github.com/quenby/porter/internal/env"
	"github.com/quenby/porter/internal/logger"
	"github.com/quenby/porter/internal/version"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	lcfg := buildLoggerConfig()
	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	application, err := app.New(styledLogger)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to create application", "error", err)
	}

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "Failed to start application", "error", err)
	}

	<-ctx.Done()

	if err := application.Stop(context.Background()); err != nil {
		styledLogger.Error("Error during shutdown", "error", err)
	}

	styledLogger.Info("Porter has shutdown", "uptime", time.Since(startTime).Round(time.Second).String())
}

// buildLoggerConfig creates logger config from environment variables with defaults
func buildLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      env.GetEnvOrDefault("PORTER_LOG_LEVEL", "info"),
		Format:     env.GetEnvOrDefault("PORTER_LOG_FORMAT", logger.FormatJSON),
		FileOutput: env.GetEnvBoolOrDefault("PORTER_FILE_OUTPUT", true),
		LogDir:     env.GetEnvOrDefault("PORTER_LOG_DIR", "./logs"),
		MaxSize:    env.GetEnvIntOrDefault("PORTER_MAX_SIZE", 100),
		MaxBackups: env.GetEnvIntOrDefault("PORTER_MAX_BACKUPS", 5),
		MaxAge:     env.GetEnvIntOrDefault("PORTER_MAX_AGE", 30),
		Theme:      env.GetEnvOrDefault("PORTER_THEME", "default"),
	}
}
