// Package main implements the replay CLI for webhook events that failed
// reconciliation.
//
// Failed events keep their archived payload in the ledger. Once the cause is
// fixed (a missing price mapping, a user created late) an operator replays
// them:
//
//	go run ./cmd/ops/replay --event=evt_1NXe...
//	go run ./cmd/ops/replay --all --limit=50
//
// Configuration is read the same way as the API (env, .env, SSM).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"repurpose/internal/billing"
	"repurpose/internal/config"
	"repurpose/internal/external"
)

const defaultLimit = 100

// replayer is the subset of *billing.Processor the tool drives.
type replayer interface {
	Replay(ctx context.Context, eventID string) (*billing.Result, error)
	ReplayFailed(ctx context.Context, limit int, onError func(eventID string, err error)) ([]*billing.Result, error)
}

type options struct {
	eventID string
	all     bool
	limit   int
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	proc, closeFn, err := newProcessor(ctx, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		return 1
	}
	defer closeFn()

	failed, err := run(ctx, proc, opts, os.Stdout)
	if err != nil {
		logger.Error("replay failed", "error", err)
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.eventID, "event", "", "Stripe event id to replay")
	fs.BoolVar(&o.all, "all", false, "Replay every failed event, oldest first")
	fs.IntVar(&o.limit, "limit", defaultLimit, "Maximum events to replay with --all")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	switch {
	case o.eventID == "" && !o.all:
		return o, errors.New("one of --event or --all is required")
	case o.eventID != "" && o.all:
		return o, errors.New("--event and --all are mutually exclusive")
	case o.limit <= 0:
		return o, fmt.Errorf("--limit must be positive, got %d", o.limit)
	}
	return o, nil
}

// run replays the selected events and prints one line per event. It
// returns the number of events that are still failed or could not be
// replayed.
func run(ctx context.Context, proc replayer, o options, out io.Writer) (int, error) {
	if o.eventID != "" {
		res, err := proc.Replay(ctx, o.eventID)
		if err != nil {
			return 0, fmt.Errorf("replay %s: %w", o.eventID, err)
		}
		printResult(out, res)
		if res.Status == billing.ResultFailed {
			return 1, nil
		}
		return 0, nil
	}

	failed := 0
	results, err := proc.ReplayFailed(ctx, o.limit, func(eventID string, err error) {
		failed++
		fmt.Fprintf(out, "%s\terror\t%v\n", eventID, err)
	})
	for _, res := range results {
		printResult(out, res)
		if res.Status == billing.ResultFailed {
			failed++
		}
	}
	if err != nil {
		return failed, err
	}
	fmt.Fprintf(out, "replayed %d events, %d still failing\n", len(results), failed)
	return failed, nil
}

func printResult(out io.Writer, res *billing.Result) {
	line := fmt.Sprintf("%s\t%s\t%s", res.EventID, res.EventType, res.Status)
	if res.Err != nil {
		line += "\t" + res.Err.Error()
	}
	fmt.Fprintln(out, line)
}

// newProcessor wires the processor against PostgreSQL and Stripe. Failure
// notices are not published; the tool reports on stdout.
func newProcessor(ctx context.Context, logger *slog.Logger) (*billing.Processor, func(), error) {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return nil, nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	prices, err := billing.NewPriceTable(cfg.Billing.PriceTable(), cfg.Billing.UnknownPricePolicy)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	archiver, err := billing.NewArchiver(cfg.Webhook.ArchivePayloads)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	stripeClient := external.NewStripeClient(&http.Client{Timeout: 15 * time.Second}, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.StripeBaseURL,
		Logger:    logger,
	})

	proc := billing.NewProcessor(billing.ProcessorConfig{
		Store:      billing.NewPgStore(pool, logger),
		Reconciler: billing.NewReconciler(stripeClient, prices, logger),
		Archiver:   archiver,
		Logger:     logger,
	})
	return proc, pool.Close, nil
}
