// Package main is the entry point for the LLM gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmgateway/config"
	"llmgateway/internal/app"
	"llmgateway/internal/logging"
	"llmgateway/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	configPath := flag.String("config", "", "Path to a YAML config file")
	ask := flag.String("ask", "", "Stream one answer from the chat model to stdout and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// -ask writes the answer to stdout, so logs go to stderr.
	logOut := os.Stdout
	if *ask != "" {
		logOut = os.Stderr
	}
	logger, err := logging.New(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level}, logOut)
	if err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting llmgateway",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, app.Config{AppConfig: cfg, Logger: logger})
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	if *ask != "" {
		err := application.Ask(ctx, *ask, os.Stdout)
		if shutdownErr := application.Shutdown(context.Background()); shutdownErr != nil {
			logger.Error("shutdown error", "error", shutdownErr)
		}
		if err != nil {
			logger.Error("ask failed", "error", err)
			os.Exit(1)
		}
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Shutdown(shutdownCtx); err != nil {
			logger.Error("application shutdown error", "error", err)
		}
	}()

	if err := application.Start(":" + cfg.Server.Port); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
