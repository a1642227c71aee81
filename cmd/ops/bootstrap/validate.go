package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
)

// ValidationResult is the outcome of one input check, with a message for
// the operator.
type ValidationResult struct {
	Valid   bool
	Message string
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Message: fmt.Sprintf(format, args...)}
}

// HTTPClient is the interface used by validators that make outbound HTTP calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector abstracts the connectivity check for testing.
type DatabaseConnector interface {
	// Connect opens and closes one connection to dsn.
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector checks the database with pgx.Connect.
type PgxConnector struct{}

func (PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// validateTimeout bounds one live check, including DNS and TLS.
const validateTimeout = 15 * time.Second

var (
	stripeKeyPattern     = regexp.MustCompile(`^(sk|rk)_(test|live)_[0-9A-Za-z]{16,}$`)
	webhookSecretPattern = regexp.MustCompile(`^whsec_[0-9A-Za-z+/=]{16,}$`)
	priceIDPattern       = regexp.MustCompile(`^price_[0-9A-Za-z]{8,}$`)
)

// Validator checks operator input. Live checks (database connect, Stripe
// account lookup) run only when Online is set.
type Validator struct {
	env        string
	httpClient HTTPClient
	dbConn     DatabaseConnector
	stripeBase string
	Online     bool
}

// NewValidator creates a Validator with production dependencies.
func NewValidator(env string, online bool) *Validator {
	return &Validator{
		env:        env,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dbConn:     PgxConnector{},
		stripeBase: "https://api.stripe.com",
		Online:     online,
	}
}

// ValidateDatabaseURL checks a postgres:// URL and, when online, connects.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, raw string) ValidationResult {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("not a valid URL: %v", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return invalid("scheme must be postgres:// or postgresql://, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return invalid("database host is missing")
	}
	if u.User == nil || u.User.Username() == "" {
		return invalid("database user is missing")
	}
	if !v.Online {
		return ValidationResult{Valid: true, Message: "format OK (offline)"}
	}

	pctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.dbConn.Connect(pctx, raw); err != nil {
		return invalid("could not connect to %s: %v", u.Hostname(), err)
	}
	return ValidationResult{Valid: true, Message: "connected to " + u.Hostname()}
}

// ValidateStripeKey checks the key format and mode, and when online asks
// Stripe for the account the key belongs to. Production requires live keys;
// every other environment requires test keys.
func (v *Validator) ValidateStripeKey(ctx context.Context, key string) ValidationResult {
	if !stripeKeyPattern.MatchString(key) {
		return invalid("expected sk_test_..., sk_live_..., rk_test_... or rk_live_...")
	}
	live := strings.Contains(key, "_live_")
	if v.env == "prod" && !live {
		return invalid("production requires a live mode key")
	}
	if v.env != "prod" && live {
		return invalid("live mode keys are only accepted for prod")
	}
	if !v.Online {
		return ValidationResult{Valid: true, Message: "format OK (offline)"}
	}

	pctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, v.stripeBase+"/v1/account", nil)
	if err != nil {
		return invalid("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return invalid("Stripe unreachable: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return invalid("Stripe rejected the key")
	default:
		return invalid("unexpected Stripe response: HTTP %d", resp.StatusCode)
	}

	var account struct {
		ID       string `json:"id"`
		Settings struct {
			Dashboard struct {
				DisplayName string `json:"display_name"`
			} `json:"dashboard"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return ValidationResult{Valid: true, Message: "Stripe accepted the key"}
	}
	name := account.Settings.Dashboard.DisplayName
	if name == "" {
		name = account.ID
	}
	return ValidationResult{Valid: true, Message: "Stripe account verified: " + name}
}

// ValidateWebhookSecret checks the endpoint signing secret format.
func (v *Validator) ValidateWebhookSecret(_ context.Context, secret string) ValidationResult {
	if !webhookSecretPattern.MatchString(secret) {
		return invalid("expected the endpoint signing secret (whsec_...)")
	}
	return ValidationResult{Valid: true, Message: "format OK"}
}

// ValidatePriceID checks a Stripe price id.
func (v *Validator) ValidatePriceID(_ context.Context, id string) ValidationResult {
	if !priceIDPattern.MatchString(id) {
		return invalid("expected a price id (price_...)")
	}
	return ValidationResult{Valid: true, Message: "format OK"}
}

// ValidatePublicKey parses an RSA public key in PEM form. Newlines may be
// given as literal \n escapes, which is how the key is pasted on one line.
func (v *Validator) ValidatePublicKey(_ context.Context, pemText string) ValidationResult {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(strings.ReplaceAll(pemText, `\n`, "\n")))
	if err != nil {
		return invalid("not an RSA public key in PEM form: %v", err)
	}
	if bits := key.N.BitLen(); bits < 2048 {
		return invalid("RSA key is %d bits, at least 2048 required", bits)
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("RSA-%d public key", key.N.BitLen())}
}

// ValidateIssuer checks that the token issuer is an https URL.
func (v *Validator) ValidateIssuer(_ context.Context, raw string) ValidationResult {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return invalid("issuer must be an absolute URL")
	}
	if u.Scheme != "https" {
		return invalid("issuer must use https")
	}
	return ValidationResult{Valid: true, Message: "format OK"}
}
