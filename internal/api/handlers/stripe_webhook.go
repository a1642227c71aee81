// Package handlers contains the HTTP handlers of the billing service.
//
// The Stripe webhook handler is not behind auth middleware: Stripe calls it
// directly and every delivery is authenticated by its Stripe-Signature header.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"repurpose/internal/billing"
	"repurpose/internal/core"
	"repurpose/internal/types"
)

const (
	signatureHeader = "Stripe-Signature"

	defaultMaxWebhookBody    = 64 * 1024
	defaultProcessingTimeout = 10 * time.Second
)

// Webhook outcomes reported as metrics. The first four mirror
// billing.ResultStatus.
const (
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// EventVerifier authenticates a delivery and parses it.
type EventVerifier interface {
	ConstructEvent(payload []byte, header string, secret types.SecretString) (*types.WebhookEvent, error)
}

// EventProcessor runs a verified event through idempotency and
// reconciliation.
type EventProcessor interface {
	Process(ctx context.Context, ev *types.WebhookEvent, raw []byte) (*billing.Result, error)
}

// WebhookOptions tunes the handler. Zero values fall back to defaults.
type WebhookOptions struct {
	MaxBodyBytes      int64
	ProcessingTimeout time.Duration
}

// WebhookResponse is the acknowledgment body returned to Stripe.
type WebhookResponse struct {
	Received   bool   `json:"received"`
	EventID    string `json:"eventId"`
	Type       string `json:"type"`
	Idempotent bool   `json:"idempotent"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// StripeWebhookHandler handles POST /webhooks/stripe.
type StripeWebhookHandler struct {
	verifier  EventVerifier
	processor EventProcessor
	secret    types.SecretString
	metrics   core.MetricsCollector
	opts      WebhookOptions
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates the handler. A nil metrics collector
// disables webhook metrics.
func NewStripeWebhookHandler(
	verifier EventVerifier,
	processor EventProcessor,
	secret types.SecretString,
	metrics core.MetricsCollector,
	opts WebhookOptions,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = core.NoopMetrics{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxWebhookBody
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = defaultProcessingTimeout
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		secret:    secret,
		metrics:   metrics,
		opts:      opts,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook on the root router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies, deduplicates and reconciles one delivery.
//
// Anything that fails before the ledger row commits answers non-2xx so
// Stripe retries. Once the row is committed the delivery is acknowledged
// with 200, including events recorded as failed.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	// The body is read once; the same bytes are verified and archived.
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.logger.WarnContext(ctx, "webhook body too large", "limit", h.opts.MaxBodyBytes)
			h.reject(w, r, start, types.NewAppErrorWithDetails(types.ErrCodeValidationPayloadTooLarge,
				"webhook body exceeds size limit", err, map[string]any{"limit": h.opts.MaxBodyBytes}))
			return
		}
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		h.reject(w, r, start, types.NewAppError(types.ErrCodeValidationInvalidBody, "failed to read request body", err))
		return
	}

	header := lookupSignature(r.Header)
	ev, err := h.verifier.ConstructEvent(payload, header, h.secret)
	if err != nil {
		h.logVerificationFailure(ctx, err, len(payload), header != "")
		h.reject(w, r, start, withRequestShape(err, len(payload), header != ""))
		return
	}

	log := h.logger.With("event_id", ev.ID, "event_type", ev.Type)
	log.InfoContext(ctx, "stripe webhook received", "livemode", ev.Livemode)

	// A client disconnect must not abort a transaction that is already applying the event.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.ProcessingTimeout)
	defer cancel()

	res, err := h.processor.Process(pctx, ev, payload)
	if err != nil {
		log.ErrorContext(ctx, "webhook event not recorded", "error", err)
		h.metrics.RecordWebhook(ev.Type, outcomeError, time.Since(start))
		core.Error(w, r, err)
		return
	}

	h.metrics.RecordWebhook(ev.Type, string(res.Status), time.Since(start))
	log.InfoContext(ctx, "stripe webhook handled",
		"status", res.Status,
		"idempotent", res.Idempotent,
		"duration", time.Since(start),
	)
	core.JSON(w, r, http.StatusOK, WebhookResponse{
		Received:   true,
		EventID:    res.EventID,
		Type:       res.EventType,
		Idempotent: res.Idempotent,
		Status:     string(res.Status),
		Error:      res.ErrorText(),
	})
}

func (h *StripeWebhookHandler) reject(w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	h.metrics.RecordWebhook("", outcomeRejected, time.Since(start))
	core.Error(w, r, err)
}

func (h *StripeWebhookHandler) logVerificationFailure(ctx context.Context, err error, bodyLen int, sigPresent bool) {
	attrs := []any{
		"body_length", bodyLen,
		"signature_present", sigPresent,
		"error", err,
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeInternalMisconfigured {
		h.logger.ErrorContext(ctx, "stripe webhook secret is not configured", attrs...)
		return
	}
	h.logger.WarnContext(ctx, "stripe webhook verification failed", attrs...)
}

// withRequestShape adds the body length and header presence to a
// signature failure so operators can tell proxies that rewrite bodies from
// bad secrets.
func withRequestShape(err error, bodyLen int, sigPresent bool) error {
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeAuthSignatureInvalid {
		return err
	}
	return appErr.WithDetails(map[string]any{
		"body_length":       bodyLen,
		"signature_present": sigPresent,
	})
}

// lookupSignature finds the Stripe-Signature header. Proxies and the Lambda
// adapter do not always canonicalize header names, so raw keys and a
// case-insensitive scan are tried after the canonical lookup.
func lookupSignature(hdr http.Header) string {
	if v := hdr.Get(signatureHeader); v != "" {
		return v
	}
	for _, key := range []string{signatureHeader, strings.ToLower(signatureHeader)} {
		if vals := hdr[key]; len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	for key, vals := range hdr {
		if strings.EqualFold(key, signatureHeader) && len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return ""
}
