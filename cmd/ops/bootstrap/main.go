// Package main implements the bootstrap CLI for the billing service.
//
// It walks an operator through the secrets and settings the service reads
// from SSM Parameter Store (database URL, Stripe keys, the price catalog and
// the token verification key), validates each value and writes it under
// /{env}/repurpose/. On success it prints the *_SSM_PARAM pointer variables
// that config.LoadConfig resolves at startup.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=prod --profile=billing-prod >> deploy.env
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// BootstrapContext holds the session established before any step runs.
type BootstrapContext struct {
	Environment string
	AWSProfile  string
	AWSRegion   string

	// AccountID and CallerARN come from STS GetCallerIdentity.
	AccountID string
	CallerARN string

	AWSConfig aws.Config
	Logger    *slog.Logger
}

type options struct {
	env          string
	profile      string
	region       string
	skipOptional bool
	offline      bool
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var opts options
	fs.StringVar(&opts.env, "env", "", "Target environment (dev/staging/prod) [required]")
	fs.StringVar(&opts.profile, "profile", "", "AWS CLI profile (default: default credential chain)")
	fs.StringVar(&opts.region, "region", "us-east-1", "AWS region")
	fs.BoolVar(&opts.skipOptional, "skip-optional", false, "Skip optional parameters (prices, token verification)")
	fs.BoolVar(&opts.offline, "offline", false, "Validate formats only; do not contact the database or Stripe")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.env == "" {
		return opts, fmt.Errorf("--env is required")
	}
	if !validEnvironments[opts.env] {
		return opts, fmt.Errorf("invalid environment %q (must be dev, staging, or prod)", opts.env)
	}
	return opts, nil
}

func main() {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Billing Bootstrap Tool\n\n")
		fmt.Fprintf(os.Stderr, "Writes the billing service's SSM parameters and prints their pointers.\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  bootstrap --env=dev [--profile=NAME] [--region=REGION] [--skip-optional] [--offline]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	opts, err := parseFlags(fs, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bctx, err := initializeSession(ctx, opts, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	stdin := bufio.NewReader(os.Stdin)
	if bctx.Environment == "prod" && !confirmProduction(bctx, stdin, os.Stderr) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		os.Exit(0)
	}

	printBanner(bctx, os.Stderr)

	runner := NewBootstrapRunner(bctx, !opts.offline)
	runner.Stdin = stdin
	runner.SkipOptional = opts.skipOptional
	if err := runner.Run(ctx); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	logger.Info("bootstrap completed",
		"env", bctx.Environment,
		"account", bctx.AccountID,
		"region", bctx.AWSRegion,
	)
}

// initializeSession loads the AWS config and confirms the active identity
// before anything is written.
func initializeSession(ctx context.Context, opts options, logger *slog.Logger) (*BootstrapContext, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.region))
	}
	if opts.profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	identityCtx, identityCancel := context.WithTimeout(ctx, 10*time.Second)
	defer identityCancel()

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (STS GetCallerIdentity): %w\n"+
			"  Profile: %q, Region: %q", err, opts.profile, opts.region)
	}

	bctx := &BootstrapContext{
		Environment: opts.env,
		AWSProfile:  opts.profile,
		AWSRegion:   opts.region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
		Logger:      logger,
	}
	logger.Info("AWS identity verified", "account_id", bctx.AccountID, "arn", bctx.CallerARN, "region", opts.region)
	return bctx, nil
}

// confirmProduction returns true only if the operator types "yes".
func confirmProduction(bctx *BootstrapContext, in *bufio.Reader, out io.Writer) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintf(out, "  Account: %s\n", bctx.AccountID)
	fmt.Fprintf(out, "  Region:  %s\n", bctx.AWSRegion)
	fmt.Fprintf(out, "  ARN:     %s\n", bctx.CallerARN)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprint(out, "\nType 'yes' to continue: ")

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}

func printBanner(bctx *BootstrapContext, out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out, "  Billing Bootstrap")
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintf(out, "  Environment:  %s\n", bctx.Environment)
	fmt.Fprintf(out, "  AWS Account:  %s\n", bctx.AccountID)
	fmt.Fprintf(out, "  AWS Region:   %s\n", bctx.AWSRegion)
	fmt.Fprintf(out, "  Identity:     %s\n", bctx.CallerARN)
	if bctx.AWSProfile != "" {
		fmt.Fprintf(out, "  Profile:      %s\n", bctx.AWSProfile)
	}
	fmt.Fprintf(out, "  SSM Prefix:   /%s/repurpose/\n", bctx.Environment)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out)
}
