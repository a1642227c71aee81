package external

import (
	"encoding/json"
	"errors"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"repurpose/internal/types"
)

// ErrWebhookSecretMissing is returned when no signing secret is configured.
var ErrWebhookSecretMissing = errors.New("stripe webhook signing secret is not configured")

// StripeVerifier authenticates webhook deliveries with stripe-go's
// HMAC-SHA256 check over "<timestamp>.<payload>".
type StripeVerifier struct {
	tolerance time.Duration
}

// NewStripeVerifier returns a verifier using stripe-go's default timestamp
// tolerance (five minutes).
func NewStripeVerifier() *StripeVerifier {
	return &StripeVerifier{tolerance: webhook.DefaultTolerance}
}

// ConstructEvent verifies the Stripe-Signature header against payload and
// returns the parsed event. payload must be the exact bytes received.
//
// The event's API version is not compared with the client library's, so
// events from an older account version are accepted; object fields are read
// leniently downstream.
func (v *StripeVerifier) ConstructEvent(payload []byte, header string, secret types.SecretString) (*types.WebhookEvent, error) {
	if secret.IsEmpty() {
		return nil, types.NewAppError(types.ErrCodeInternalMisconfigured,
			"webhook signing secret is not configured", ErrWebhookSecretMissing)
	}
	if header == "" {
		return nil, types.NewAppError(types.ErrCodeValidationSignatureMissing,
			"missing Stripe-Signature header", webhook.ErrNotSigned)
	}

	// Check the signature first so a tampered body is never reported as
	// malformed JSON.
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret.Unmask(), v.tolerance); err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed", err,
			map[string]any{"reason": signatureFailureReason(err)})
	}

	ev, err := webhook.ConstructEventWithOptions(payload, header, secret.Unmask(), webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "webhook body is not a valid event", err)
	}
	return EventFromStripe(&ev)
}

// ParseUnverifiedEvent parses an event body without signature checks. It is
// only for payloads that were verified when first received, such as
// archived ledger payloads being replayed.
func ParseUnverifiedEvent(payload []byte) (*types.WebhookEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "payload is not a valid event", err)
	}
	return EventFromStripe(&ev)
}

// EventFromStripe converts a stripe-go event into the service's event type.
func EventFromStripe(ev *stripe.Event) (*types.WebhookEvent, error) {
	if ev.ID == "" || ev.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "event is missing id or type", nil)
	}
	out := &types.WebhookEvent{
		ID:         ev.ID,
		Type:       string(ev.Type),
		Livemode:   ev.Livemode,
		APIVersion: ev.APIVersion,
	}
	if ev.Created > 0 {
		out.Created = time.Unix(ev.Created, 0).UTC()
	}
	if ev.Data != nil {
		out.Object = []byte(ev.Data.Raw)
	}
	return out, nil
}

func signatureFailureReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return "not_signed"
	case errors.Is(err, webhook.ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, webhook.ErrTooOld):
		return "timestamp_outside_tolerance"
	case errors.Is(err, webhook.ErrNoValidSignature):
		return "no_valid_signature"
	default:
		return "unknown"
	}
}
