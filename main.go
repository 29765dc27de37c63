package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/makadata/bankdwh/dwh/run"
	"github.com/makadata/bankdwh/lib/config"
	"github.com/makadata/bankdwh/lib/db"
	"github.com/makadata/bankdwh/lib/environ"
	"github.com/makadata/bankdwh/lib/logger"
)

const (
	exitPartialFailure = 1
	exitFatal          = 2
)

func buildDSN() string {
	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(os.Getenv("DWH_DB_USER"), os.Getenv("DWH_DB_PASS")),
		Host:   os.Getenv("DWH_DB_HOST") + ":" + os.Getenv("DWH_DB_PORT"),
		Path:   os.Getenv("DWH_DB_NAME"),
	}
	return dsn.String()
}

func main() {
	settings, err := config.LoadSettings(os.Args[1:], true)
	if err != nil {
		slog.Error("Failed to load settings", slog.Any("err", err))
		os.Exit(exitFatal)
	}

	_logger, usingSentry := logger.NewLogger(settings)
	slog.SetDefault(_logger)
	if usingSentry {
		defer sentry.Flush(2 * time.Second)
		slog.Info("Sentry logger enabled")
	}

	if err = environ.MustGetEnv("DWH_DB_HOST", "DWH_DB_PORT", "DWH_DB_USER", "DWH_DB_PASS", "DWH_DB_NAME"); err != nil {
		slog.Error("Missing database credentials", slog.Any("err", err))
		os.Exit(exitFatal)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, "pgx", buildDSN())
	if err != nil {
		slog.Error("Failed to connect to the warehouse", slog.Any("err", err))
		os.Exit(exitFatal)
	}

	coordinator, err := run.NewCoordinator(store, settings)
	if err != nil {
		slog.Error("Failed to resolve the mapping configuration", slog.Any("err", err))
		os.Exit(exitFatal)
	}

	slog.Info("Starting load run", slog.String("mode", string(settings.Mode)))
	summary, err := coordinator.Run(ctx)
	if err != nil {
		slog.Error("Run aborted", slog.Any("err", err))
		os.Exit(exitFatal)
	}

	summary.Log(slog.Default())
	os.Exit(summary.ExitCode())
}
