package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/callscribe/pkg/callscribe"
	"github.com/harunnryd/callscribe/pkg/config"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "dotenv file with secrets, ignored when missing")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("dotenv_load_failed", slog.String("path", *envFile), slog.String("error", err.Error()))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config_load_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	providers := callscribe.NewProviderRegistry()
	registerProviders(providers)

	engine, err := callscribe.NewEngine(callscribe.EngineOptions{
		Config:    cfg,
		Providers: providers,
	})
	if err != nil {
		slog.Error("engine_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := engine.Run(ctx); err != nil {
		slog.Error("engine_stopped_with_error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
