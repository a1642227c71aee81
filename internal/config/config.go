// Package config defines the configuration of the billing service.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
package config

import (
	"strings"
	"time"

	"repurpose/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types just to read a secret.
type SecretString = types.SecretString

// Unknown price policies. See BillingConfig.UnknownPricePolicy.
const (
	PolicyFailClosed = "fail_closed"
	PolicyFailOpen   = "fail_open"
)

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"repurpose-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Billing  BillingConfig
	Webhook  WebhookConfig
	Auth     AuthConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS regional settings and resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// OpsQueueURL receives a notice for every event that failed
	// reconciliation. Empty disables the notices.
	OpsQueueURL string `envconfig:"OPS_QUEUE_URL" validate:"omitempty,url"`

	MetricsEnabled   bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"Repurpose/Billing"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials and the price catalog.
type BillingConfig struct {
	StripeSecretKey SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	// Not required at startup: the webhook route answers 500 while it is
	// missing so Stripe keeps retrying, and the rest of the API stays up.
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeBaseURL       string       `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`

	PriceBasic   string `envconfig:"STRIPE_PRICE_BASIC"`
	PricePro     string `envconfig:"STRIPE_PRICE_PRO"`
	PricePremium string `envconfig:"STRIPE_PRICE_PREMIUM"`

	UnknownPricePolicy string `envconfig:"BILLING_UNKNOWN_PRICE_POLICY" default:"fail_closed" validate:"oneof=fail_closed fail_open"`

	SuccessURL string `envconfig:"BILLING_SUCCESS_URL" default:"http://localhost:3000/dashboard?checkout=success" validate:"url"`
	CancelURL  string `envconfig:"BILLING_CANCEL_URL" default:"http://localhost:3000/pricing?checkout=canceled" validate:"url"`
}

// PriceTable returns the configured Stripe price id to tier name mapping.
// Blank price ids are skipped.
func (b BillingConfig) PriceTable() map[string]string {
	table := make(map[string]string, 3)
	for priceID, tier := range map[string]string{
		b.PriceBasic:   types.TierBasic,
		b.PricePro:     types.TierPro,
		b.PricePremium: types.TierPremium,
	} {
		if id := strings.TrimSpace(priceID); id != "" {
			table[id] = tier
		}
	}
	return table
}

// WebhookConfig tunes inbound webhook handling.
type WebhookConfig struct {
	MaxBodyBytes      int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"65536" validate:"gt=0"`
	ProcessingTimeout time.Duration `envconfig:"WEBHOOK_PROCESSING_TIMEOUT" default:"10s" validate:"gt=0"`
	ArchivePayloads   bool          `envconfig:"WEBHOOK_ARCHIVE_PAYLOADS" default:"true"`
}

// AuthConfig holds the identity provider's token verification settings.
// An empty public key disables the user-facing /v1 routes.
type AuthConfig struct {
	JWTPublicKey string        `envconfig:"AUTH_JWT_PUBLIC_KEY"`
	JWTIssuer    string        `envconfig:"AUTH_JWT_ISSUER"`
	Leeway       time.Duration `envconfig:"AUTH_JWT_LEEWAY" default:"30s"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
