package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/jeongseonghan/pilotrx/internal/config"
	"github.com/jeongseonghan/pilotrx/internal/server"
	"github.com/jeongseonghan/pilotrx/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML configuration file")
	addr := pflag.String("addr", "", "Server address (overrides the config file)")
	db := pflag.String("db", "", "SQLite database for reports (overrides the config file)")
	staticDir := pflag.String("static-dir", "", "Directory of static files served at /")
	logLevel := pflag.String("log-level", "", "Log level: debug, info, warn, error")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", "err", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *db != "" {
		cfg.Store = config.StoreConfig{Kind: "sqlite", Path: *db}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal("log level", "err", err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          "pilotrx-server",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Store.Kind, cfg.Store.Path, logger)
	if err != nil {
		logger.Fatal("open store", "err", err)
	}
	defer storage.Close(store)

	handlers := server.NewHandlers(store, cfg.Simulation, logger)
	srv := server.NewServer(cfg.Server.Addr, handlers, *staticDir, logger)

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "err", err)
		return
	}
	logger.Info("shut down")
}
