package core

import (
	"context"
	"time"

	"repurpose/internal/types"
)

// Authenticator decouples the HTTP layer from the identity provider so tests
// can inject fixed actors.
type Authenticator interface {
	// ResolveToken verifies a bearer token and returns its Actor.
	// Errors carry ErrCodeAuthTokenExpired for expired tokens and
	// ErrCodeAuthTokenInvalid for everything else.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	// RecordRequest records latency and count for one request.
	RecordRequest(method, endpoint, status string, duration time.Duration)
	// RecordWebhook records one webhook delivery by event type and outcome.
	RecordWebhook(eventType, outcome string, duration time.Duration)
}
