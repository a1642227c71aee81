package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v82/webhook"

	"repurpose/internal/config"
	"repurpose/internal/core"
)

const testWebhookSecret = "whsec_test_main"

// setTestEnv sets the minimal environment variables required by config.LoadConfig
// for a local environment backed by the in-memory store.
func setTestEnv(t *testing.T) {
	t.Helper()

	t.Setenv("APP_ENV", "local")
	t.Setenv("PORT", "8080")
	t.Setenv("DATABASE_URL", "memory://local")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_dummy")
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	t.Setenv("STRIPE_PRICE_PRO", "price_pro")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("OPS_QUEUE_URL", "")
	t.Setenv("AUTH_JWT_PUBLIC_KEY", "")
}

// buildTestServer loads config from the test environment and wires the
// server exactly as production does.
func buildTestServer(t *testing.T) *core.Server {
	t.Helper()

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := buildServer(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	return srv
}

func serve(srv *core.Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// TestHealthEndpoint verifies that the fully wired server responds with 200
// on GET /health.
func TestHealthEndpoint(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health: got status %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if status, ok := resp["status"]; !ok || status != "healthy" {
		t.Errorf("GET /health: got status=%v, want 'healthy'", status)
	}
}

func TestPlansArePublic(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/v1/plans", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/plans: got status %d; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"name":"pro"`) {
		t.Errorf("configured pro tier missing from catalog: %s", rec.Body.String())
	}
}

// TestAccountRoutesDisabledWithoutKey verifies that the authenticated
// routes are not mounted when no token verification key is configured.
func TestAccountRoutesDisabledWithoutKey(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /v1/me: got status %d, want 404", rec.Code)
	}
}

func TestAccountRoutesRequireToken(t *testing.T) {
	setTestEnv(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTH_JWT_PUBLIC_KEY", string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})))
	srv := buildTestServer(t)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("GET /v1/me without token: got status %d, want 401", rec.Code)
	}
}

func TestBuildServer_RejectsBadJWTKey(t *testing.T) {
	setTestEnv(t)
	t.Setenv("AUTH_JWT_PUBLIC_KEY", "not a pem key")

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := buildServer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for malformed public key")
	}
}

// TestWebhookRoute exercises the signed webhook path through the wired
// server with an event type the reconciler does not act on.
func TestWebhookRoute(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	body := `{"id":"evt_main_1","object":"event","type":"charge.succeeded","created":1700000000,"livemode":false,"api_version":"2024-06-20","data":{"object":{"id":"ch_1","object":"charge"}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(body),
		Secret:  testWebhookSecret,
	})

	send := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
		req.Header.Set("Stripe-Signature", header)
		return serve(srv, req)
	}

	rec := send(signed.Header)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed delivery: got status %d; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"ignored"`) {
		t.Errorf("unhandled event should be ignored: %s", rec.Body.String())
	}

	rec = send(signed.Header)
	if !strings.Contains(rec.Body.String(), `"idempotent":true`) {
		t.Errorf("redelivery should be idempotent: %s", rec.Body.String())
	}

	rec = send("t=1,v1=deadbeef")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad signature: got status %d, want 400", rec.Code)
	}
}

// TestIsLambdaEnvironment verifies Lambda environment detection logic.
func TestIsLambdaEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	t.Setenv("_LAMBDA_SERVER_PORT", "")
	os.Unsetenv("AWS_LAMBDA_RUNTIME_API")
	os.Unsetenv("_LAMBDA_SERVER_PORT")

	if isLambdaEnvironment() {
		t.Error("isLambdaEnvironment: expected false when no Lambda env vars are set")
	}

	t.Setenv("AWS_LAMBDA_RUNTIME_API", "localhost:8080")
	if !isLambdaEnvironment() {
		t.Error("isLambdaEnvironment: expected true when AWS_LAMBDA_RUNTIME_API is set")
	}
}

// TestNewLogger verifies that the logger factory handles various log levels.
func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		t.Run(level, func(t *testing.T) {
			if newLogger(level) == nil {
				t.Fatalf("newLogger(%q) returned nil", level)
			}
		})
	}
}
