// Package main applies the embedded database schema.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/ops/migrate
//	go run ./cmd/ops/migrate --database-url=postgres://... --timeout=1m
//
// The schema is idempotent, so the tool is safe to run on every deploy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"repurpose/internal/db"
)

type options struct {
	databaseURL string
	timeout     time.Duration
}

func main() {
	_ = godotenv.Load()

	opts, err := parseFlags(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("migration failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string, getenv func(string) string) (options, error) {
	var o options
	fs.StringVar(&o.databaseURL, "database-url", "", "PostgreSQL URL (default: $DATABASE_URL)")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "Overall migration timeout")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.databaseURL == "" {
		o.databaseURL = getenv("DATABASE_URL")
	}
	if o.databaseURL == "" {
		return o, errors.New("--database-url or DATABASE_URL is required")
	}
	if o.timeout <= 0 {
		return o, fmt.Errorf("--timeout must be positive, got %s", o.timeout)
	}
	return o, nil
}

func run(ctx context.Context, o options, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, o.databaseURL)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	start := time.Now()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("schema applied", "duration", time.Since(start))
	return nil
}
