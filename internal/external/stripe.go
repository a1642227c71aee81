package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"

	"repurpose/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// CheckoutParams describes a subscription checkout for one user.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	UserID     string
	TierName   string
	SuccessURL string
	CancelURL  string
}

// StripeClient calls the Stripe REST API directly through BaseClient so that
// every request shares the breaker, retries and error mapping.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the default retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "Repurpose-Billing/1.0")
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// GetCustomer retrieves a customer. A deleted customer is reported as
// upstream_resource_not_found.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*types.ProviderCustomer, error) {
	const op = "GetCustomer"
	var c stripeCustomer
	if err := s.get(ctx, op, "/v1/customers/"+url.PathEscape(customerID), nil, &c); err != nil {
		return nil, err
	}
	if c.Deleted {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamNotFound,
			op+": customer has been deleted", nil, map[string]any{"customer_id": customerID})
	}
	return &types.ProviderCustomer{ID: c.ID, Email: c.Email, Metadata: c.Metadata}, nil
}

// GetSubscription retrieves a subscription with its first item's price.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	var sub stripeSubscription
	if err := s.get(ctx, "GetSubscription", "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return sub.toProvider(), nil
}

// CreateCustomer creates a customer tagged with the local user id. The
// idempotency key is derived from the user id so a double submit within
// Stripe's key retention window cannot create two customers.
func (s *StripeClient) CreateCustomer(ctx context.Context, userID, email string) (*types.ProviderCustomer, error) {
	params := url.Values{}
	if email != "" {
		params.Set("email", email)
	}
	params.Set("metadata[userId]", userID)

	var c stripeCustomer
	if err := s.post(ctx, "CreateCustomer", "/v1/customers", params, "customer-"+userID, &c); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "stripe customer created",
		slog.String("user_id", userID),
		slog.String("customer_id", c.ID),
	)
	return &types.ProviderCustomer{ID: c.ID, Email: c.Email, Metadata: c.Metadata}, nil
}

// CreateCheckoutSession starts a subscription checkout. The user id is set as
// client_reference_id and in metadata so the completion webhook can resolve
// the user without a customer mapping.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (checkoutURL, sessionID string, err error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("customer", p.CustomerID)
	params.Set("client_reference_id", p.UserID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("metadata[userId]", p.UserID)
	params.Set("metadata[tier]", p.TierName)
	params.Set("subscription_data[metadata][userId]", p.UserID)

	var session stripeCheckoutSession
	if err := s.post(ctx, "CreateCheckoutSession", "/v1/checkout/sessions", params, uuid.NewString(), &session); err != nil {
		return "", "", err
	}
	return session.URL, session.ID, nil
}

// SetCancelAtPeriodEnd schedules or withdraws cancellation at the end of
// the current period.
func (s *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("cancel_at_period_end", strconv.FormatBool(cancel))

	var sub stripeSubscription
	if err := s.post(ctx, "SetCancelAtPeriodEnd", "/v1/subscriptions/"+url.PathEscape(subscriptionID),
		params, uuid.NewString(), &sub); err != nil {
		return nil, err
	}
	return sub.toProvider(), nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) get(ctx context.Context, op, path string, params url.Values, out any) error {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to build request", err)
	}
	s.setAuthHeaders(req)
	return s.do(req, op, out)
}

func (s *StripeClient) post(ctx context.Context, op, path string, params url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	s.setAuthHeaders(req)
	return s.do(req, op, out)
}

func (s *StripeClient) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	s.logger.DebugContext(req.Context(), "stripe call",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, op+": failed to decode Stripe response", err)
	}
	return nil
}

// setAuthHeaders pins the API version to the one stripe-go was built
// against so response shapes match the structs below.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, op string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", op, resp.StatusCode),
			readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", op, resp.StatusCode),
			jsonErr)
	}
	return mapStripeError(op, resp.StatusCode, &stripeErr.Error)
}

func mapStripeError(op string, statusCode int, e *stripeErrorBody) error {
	details := map[string]any{"stripe_type": e.Type}
	if e.Code != "" {
		details["stripe_code"] = e.Code
	}
	if e.Param != "" {
		details["param"] = e.Param
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited,
			op+": Stripe rate limit exceeded", nil, details)
	case statusCode >= 500:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", op, e.Message), nil, details)
	case statusCode == http.StatusNotFound || e.Code == "resource_missing":
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamNotFound,
			fmt.Sprintf("%s: Stripe resource not found: %s", op, e.Message), nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", op, statusCode, e.Message), nil, details)
	}
}

// wrapStripeError passes BaseClient AppErrors through and wraps anything else.
func (s *StripeClient) wrapStripeError(op string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed", op), err)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ExpandableID accepts either a bare id string or an expanded object with
// an "id" field.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	if string(b) == "null" {
		*e = ""
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          ExpandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// DecodeSubscription parses a subscription object as it appears in API
// responses and in webhook event data.
func DecodeSubscription(raw []byte) (*types.ProviderSubscription, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return sub.toProvider(), nil
}

func (sub *stripeSubscription) toProvider() *types.ProviderSubscription {
	out := &types.ProviderSubscription{
		ID:                sub.ID,
		CustomerID:        string(sub.Customer),
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	periodEnd := sub.CurrentPeriodEnd
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.PriceID = item.Price.ID
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return out
}
