package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"repurpose/internal/billing"
	"repurpose/internal/core"
	"repurpose/internal/types"
)

// AccountService is the user-facing billing surface. Implemented by
// *billing.Accounts.
type AccountService interface {
	Profile(ctx context.Context, actor types.Actor) (*billing.Profile, error)
	SubscriptionStatus(ctx context.Context, actor types.Actor) (*billing.SubscriptionView, error)
	SetCancellation(ctx context.Context, actor types.Actor, cancel bool) (*billing.SubscriptionView, error)
	StartCheckout(ctx context.Context, actor types.Actor, tier string) (string, error)
	Plans(ctx context.Context) ([]types.SubscriptionTier, error)
	RecordGeneration(ctx context.Context, actor types.Actor) (*billing.UsageView, error)
	UsageHistory(ctx context.Context, actor types.Actor, days int) (*billing.UsageReport, error)
}

// defaultUsageDays is the window GET /v1/usage reports without ?days.
const defaultUsageDays = 7

// --- Request/Response Models ---

// CheckoutRequest is the body of POST /v1/billing/checkout.
type CheckoutRequest struct {
	Tier string `json:"tier" validate:"required,tier_name"`
}

// CheckoutResponse carries the hosted checkout page URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// SubscriptionActionRequest is the body of POST /v1/subscription.
type SubscriptionActionRequest struct {
	Action string `json:"action" validate:"required,subscription_action"`
}

// SubscriptionResponse is the body of both /v1/subscription routes.
type SubscriptionResponse struct {
	IsActive          bool       `json:"isActive"`
	Tier              string     `json:"tier"`
	Status            string     `json:"status,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
}

// TierLimits are the usage limits of a tier.
type TierLimits struct {
	DailyGenerations  int `json:"dailyGenerations"`
	Platforms         int `json:"platforms"`
	MaxCharacterCount int `json:"maxCharacterCount"`
}

// PlanResponse is one entry of the tier catalog.
type PlanResponse struct {
	Name         string     `json:"name"`
	PriceMonthly float64    `json:"priceMonthly"`
	PriceYearly  float64    `json:"priceYearly"`
	IsDefault    bool       `json:"isDefault"`
	Limits       TierLimits `json:"limits"`
}

// UsageResponse is one UTC day of generations against the daily limit.
// dailyLimit 0 means unlimited.
type UsageResponse struct {
	Date             string `json:"date"`
	GenerationsToday int    `json:"generationsToday"`
	DailyLimit       int    `json:"dailyLimit"`
	Remaining        int    `json:"remaining"`
	PercentUsed      int    `json:"percentUsed"`
	IsOverLimit      bool   `json:"isOverLimit"`
}

// DailyUsageResponse is one row of the usage history.
type DailyUsageResponse struct {
	Date        string `json:"date"`
	Generations int    `json:"generations"`
}

// UsageHistoryResponse is the body of GET /v1/usage.
type UsageHistoryResponse struct {
	Tier  string               `json:"tier"`
	Today UsageResponse        `json:"today"`
	Days  []DailyUsageResponse `json:"days"`
}

// MeResponse is the body of GET /v1/me.
type MeResponse struct {
	ID               string                `json:"id"`
	Email            string                `json:"email,omitempty"`
	SubscriptionTier string                `json:"subscriptionTier"`
	HasCustomer      bool                  `json:"hasBillingAccount"`
	Limits           TierLimits            `json:"limits"`
	Usage            UsageResponse         `json:"usage"`
	Subscription     *SubscriptionResponse `json:"subscription,omitempty"`
}

// AccountHandler serves the authenticated account routes and the public
// plan catalog.
type AccountHandler struct {
	accounts  AccountService
	validator *core.Validator
	logger    *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountService, validator *core.Validator, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator(logger)
	}
	return &AccountHandler{accounts: accounts, validator: validator, logger: logger}
}

// RegisterRoutes mounts the routes that require a bearer token.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Get("/me", h.Me)
	r.Get("/subscription", h.GetSubscription)
	r.Post("/subscription", h.UpdateSubscription)
	r.Post("/billing/checkout", h.Checkout)
	r.Get("/usage", h.GetUsage)
	r.Post("/usage/generations", h.RecordGeneration)
}

// RegisterPublicRoutes mounts the routes served without authentication.
func (h *AccountHandler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/plans", h.ListPlans)
}

// Me handles GET /v1/me. The user is provisioned on first access.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	p, err := h.accounts.Profile(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "load profile", err)
		return
	}

	resp := MeResponse{
		ID:               p.User.ID,
		Email:            p.User.Email,
		SubscriptionTier: p.User.SubscriptionTier,
		HasCustomer:      p.User.StripeCustomerID != "",
		Limits:           limitsOf(p.Tier),
		Usage:            usageResponse(p.Usage),
	}
	if p.Subscription != nil {
		resp.Subscription = &SubscriptionResponse{
			IsActive:          p.Subscription.Status == types.SubscriptionActive,
			Tier:              p.User.SubscriptionTier,
			Status:            string(p.Subscription.Status),
			CurrentPeriodEnd:  timePtr(p.Subscription.CurrentPeriodEnd),
			CancelAtPeriodEnd: p.Subscription.CancelAtPeriodEnd,
		}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// GetSubscription handles GET /v1/subscription.
func (h *AccountHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	view, err := h.accounts.SubscriptionStatus(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "load subscription", err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(view)})
}

// UpdateSubscription handles POST /v1/subscription with
// {"action":"cancel"|"reactivate"}.
func (h *AccountHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req SubscriptionActionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	view, err := h.accounts.SetCancellation(r.Context(), actor, req.Action == "cancel")
	if err != nil {
		h.fail(w, r, "update subscription", err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(view)})
}

// Checkout handles POST /v1/billing/checkout.
func (h *AccountHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := h.accounts.StartCheckout(r.Context(), actor, req.Tier)
	if err != nil {
		h.fail(w, r, "start checkout", err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CheckoutResponse{URL: url}})
}

// RecordGeneration handles POST /v1/usage/generations: it counts one
// generation against today's quota and answers 429 once the quota is used.
func (h *AccountHandler) RecordGeneration(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	view, err := h.accounts.RecordGeneration(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "record generation", err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: usageResponse(*view)})
}

// GetUsage handles GET /v1/usage?days=N (default 7, at most 31).
func (h *AccountHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	days := defaultUsageDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > billing.MaxUsageHistoryDays {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParameter,
				"days must be an integer between 1 and 31", err, map[string]any{"days": raw}))
			return
		}
		days = n
	}

	report, err := h.accounts.UsageHistory(r.Context(), actor, days)
	if err != nil {
		h.fail(w, r, "load usage", err)
		return
	}
	resp := UsageHistoryResponse{
		Tier:  report.Tier,
		Today: usageResponse(report.Today),
		Days:  make([]DailyUsageResponse, 0, len(report.History)),
	}
	for _, d := range report.History {
		resp.Days = append(resp.Days, DailyUsageResponse{Date: d.Date.Format(time.DateOnly), Generations: d.Count})
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// ListPlans handles GET /v1/plans.
func (h *AccountHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.accounts.Plans(r.Context())
	if err != nil {
		h.fail(w, r, "list plans", err)
		return
	}
	plans := make([]PlanResponse, 0, len(tiers))
	for i := range tiers {
		t := &tiers[i]
		plans = append(plans, PlanResponse{
			Name:         t.Name,
			PriceMonthly: t.PriceMonthly,
			PriceYearly:  t.PriceYearly,
			IsDefault:    t.IsDefault,
			Limits:       limitsOf(t),
		})
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: plans})
}

func (h *AccountHandler) actor(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	actor, ok := types.GetActor(r.Context())
	if !ok || actor.Subject == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return types.Actor{}, false
	}
	return actor, true
}

// fail logs server-side failures before rendering them. Client errors are
// rendered as is.
func (h *AccountHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), op+" failed", "error", err)
	}
	core.Error(w, r, err)
}

func subscriptionResponse(v *billing.SubscriptionView) SubscriptionResponse {
	return SubscriptionResponse{
		IsActive:          v.IsActive,
		Tier:              v.Tier,
		Status:            string(v.Status),
		CurrentPeriodEnd:  timePtr(v.CurrentPeriodEnd),
		CancelAtPeriodEnd: v.CancelAtPeriodEnd,
	}
}

func usageResponse(v billing.UsageView) UsageResponse {
	return UsageResponse{
		Date:             v.Date.Format(time.DateOnly),
		GenerationsToday: v.Used,
		DailyLimit:       v.Limit,
		Remaining:        v.Remaining,
		PercentUsed:      v.PercentUsed,
		IsOverLimit:      v.OverLimit,
	}
}

func limitsOf(t *types.SubscriptionTier) TierLimits {
	if t == nil {
		return TierLimits{}
	}
	return TierLimits{
		DailyGenerations:  t.DailyGenerationLimit,
		Platforms:         t.PlatformLimit,
		MaxCharacterCount: t.MaxCharacterCount,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
