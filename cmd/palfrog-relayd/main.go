package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/app"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to relayd.yaml (optional)")
	listen := flag.String("listen", "", "Listen multiaddr override, e.g. /ip4/0.0.0.0/tcp/8443")
	flag.Parse()
	if *showVersion {
		fmt.Printf("palfrog-relayd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *listen != "" {
		_ = os.Setenv("PALFROG_LISTEN", *listen)
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "palfrog-relayd failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	svc, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("palfrog-relayd failed to initialize", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := svc.Run(ctx); err != nil {
		logger.Error("palfrog-relayd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
