package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"repurpose/internal/external"
	"repurpose/internal/types"
)

// CheckoutProvider is the write side of the payment provider used by the
// user-facing account flows.
type CheckoutProvider interface {
	CreateCustomer(ctx context.Context, userID, email string) (*types.ProviderCustomer, error)
	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (checkoutURL, sessionID string, err error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*types.ProviderSubscription, error)
}

// RedirectURLs are the checkout return pages.
type RedirectURLs struct {
	Success string
	Cancel  string
}

// Profile is the authenticated user with the limits of their tier.
type Profile struct {
	User         *types.User
	Tier         *types.SubscriptionTier
	Subscription *types.Subscription
	Usage        UsageView
}

// UsageView is one UTC day of generations against the tier's daily limit.
// A limit of zero or less is unlimited; Remaining and PercentUsed are then 0.
type UsageView struct {
	Date        time.Time
	Used        int
	Limit       int
	Remaining   int
	PercentUsed int
	OverLimit   bool
}

func newUsageView(day time.Time, used, limit int) UsageView {
	v := UsageView{Date: utcDay(day), Used: used, Limit: limit}
	if limit <= 0 {
		return v
	}
	v.Remaining = max(0, limit-used)
	v.PercentUsed = min(100, used*100/limit)
	v.OverLimit = used >= limit
	return v
}

// UsageReport is today's usage plus the daily rows of a trailing window.
type UsageReport struct {
	Today   UsageView
	Tier    string
	History []types.DailyUsage
}

// MaxUsageHistoryDays bounds the window UsageHistory will read.
const MaxUsageHistoryDays = 31

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SubscriptionView is what the subscription status endpoint reports.
type SubscriptionView struct {
	IsActive          bool
	Tier              string
	Status            types.SubscriptionStatus
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// Accounts implements the authenticated user's billing operations.
type Accounts struct {
	store    Store
	provider CheckoutProvider
	prices   *PriceTable
	urls     RedirectURLs
	logger   *slog.Logger
	now      func() time.Time
}

// NewAccounts creates an Accounts service.
func NewAccounts(store Store, provider CheckoutProvider, prices *PriceTable, urls RedirectURLs, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{store: store, provider: provider, prices: prices, urls: urls, logger: logger, now: time.Now}
}

// EnsureUser returns the local user for actor, provisioning the user and a
// starter subscription on the default tier on first access.
func (a *Accounts) EnsureUser(ctx context.Context, actor types.Actor) (*types.User, error) {
	u, err := a.store.Users().GetByClerkID(ctx, actor.Subject)
	if err == nil {
		return u, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	err = a.store.InTx(ctx, func(tx Tx) error {
		def, err := defaultTierIn(ctx, tx.Tiers())
		if err != nil {
			return err
		}
		u, err = tx.Users().CreateIfAbsent(ctx, actor.Subject, actor.Email, def.Name)
		if err != nil {
			return err
		}
		return tx.Subscriptions().CreateDefault(ctx, u.ID, def.ID, a.now().UTC().Add(defaultPeriod))
	})
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "user provisioned",
		"user_id", u.ID,
		"tier", u.SubscriptionTier,
	)
	return u, nil
}

// Profile returns the user with their tier's limits, subscription row and
// today's usage.
func (a *Accounts) Profile(ctx context.Context, actor types.Actor) (*Profile, error) {
	u, err := a.EnsureUser(ctx, actor)
	if err != nil {
		return nil, err
	}
	tier, err := a.tierOf(ctx, u)
	if err != nil {
		return nil, err
	}

	sub, err := a.store.Subscriptions().GetByUserID(ctx, u.ID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	today := a.now()
	used, err := a.store.Usage().CountForDay(ctx, u.ID, today)
	if err != nil {
		return nil, err
	}
	return &Profile{
		User:         u,
		Tier:         tier,
		Subscription: sub,
		Usage:        newUsageView(today, used, tier.DailyGenerationLimit),
	}, nil
}

// tierOf loads the tier named by the user's label, falling back to the
// default tier when the label names no catalog row.
func (a *Accounts) tierOf(ctx context.Context, u *types.User) (*types.SubscriptionTier, error) {
	tier, err := a.store.Tiers().GetByName(ctx, u.SubscriptionTier)
	if isNotFound(err) {
		return defaultTierIn(ctx, a.store.Tiers())
	}
	return tier, err
}

// RecordGeneration counts one generation against today's quota of the
// user's tier. Once the quota is used up it returns a
// limit_daily_generations_exceeded error and records nothing.
func (a *Accounts) RecordGeneration(ctx context.Context, actor types.Actor) (*UsageView, error) {
	u, err := a.EnsureUser(ctx, actor)
	if err != nil {
		return nil, err
	}
	tier, err := a.tierOf(ctx, u)
	if err != nil {
		return nil, err
	}

	today := a.now()
	limit := tier.DailyGenerationLimit
	count, ok, err := a.store.Usage().Increment(ctx, u.ID, today, limit)
	if err != nil {
		return nil, err
	}
	if !ok {
		used, err := a.store.Usage().CountForDay(ctx, u.ID, today)
		if err != nil {
			return nil, err
		}
		a.logger.InfoContext(ctx, "daily generation limit reached",
			"user_id", u.ID,
			"tier", tier.Name,
			"limit", limit,
		)
		return nil, types.NewAppErrorWithDetails(types.ErrCodeLimitDailyGenerations,
			"daily generation limit reached for this plan", nil, map[string]any{
				"current": used,
				"limit":   limit,
				"tier":    tier.Name,
			})
	}

	view := newUsageView(today, count, limit)
	return &view, nil
}

// UsageHistory returns today's usage and the daily rows of the last days
// days, today included. days is clamped to [1, MaxUsageHistoryDays].
func (a *Accounts) UsageHistory(ctx context.Context, actor types.Actor, days int) (*UsageReport, error) {
	days = min(max(days, 1), MaxUsageHistoryDays)
	u, err := a.EnsureUser(ctx, actor)
	if err != nil {
		return nil, err
	}
	tier, err := a.tierOf(ctx, u)
	if err != nil {
		return nil, err
	}

	today := utcDay(a.now())
	history, err := a.store.Usage().History(ctx, u.ID, today.AddDate(0, 0, 1-days), today)
	if err != nil {
		return nil, err
	}
	used := 0
	if n := len(history); n > 0 && history[n-1].Date.Equal(today) {
		used = history[n-1].Count
	}
	return &UsageReport{
		Today:   newUsageView(today, used, tier.DailyGenerationLimit),
		Tier:    tier.Name,
		History: history,
	}, nil
}

// SubscriptionStatus reports the user's subscription. A user without a
// subscription row is reported inactive on their tier label.
func (a *Accounts) SubscriptionStatus(ctx context.Context, actor types.Actor) (*SubscriptionView, error) {
	u, err := a.EnsureUser(ctx, actor)
	if err != nil {
		return nil, err
	}
	view := &SubscriptionView{Tier: u.SubscriptionTier}
	if view.Tier == "" {
		view.Tier = types.TierFree
	}

	sub, err := a.store.Subscriptions().GetByUserID(ctx, u.ID)
	if isNotFound(err) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.IsActive = sub.Status == types.SubscriptionActive
	view.Status = sub.Status
	view.CurrentPeriodEnd = sub.CurrentPeriodEnd
	view.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	return view, nil
}

// SetCancellation schedules (cancel == true) or withdraws cancellation of
// the user's paid subscription at the end of the current period. The local
// flag is updated right away; the provider's webhook confirms it later.
func (a *Accounts) SetCancellation(ctx context.Context, actor types.Actor, cancel bool) (*SubscriptionView, error) {
	u, err := a.EnsureUser(ctx, actor)
	if err != nil {
		return nil, err
	}
	sub, err := a.store.Subscriptions().GetByUserID(ctx, u.ID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if sub == nil || sub.StripeSubscriptionID == "" {
		return nil, types.NewAppError(types.ErrCodeConflictNoSubscription, "no paid subscription found", nil)
	}

	remote, err := a.provider.SetCancelAtPeriodEnd(ctx, sub.StripeSubscriptionID, cancel)
	if err != nil {
		return nil, err
	}
	if err := a.store.Subscriptions().SetCancelAtPeriodEnd(ctx, u.ID, remote.CancelAtPeriodEnd); err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "subscription cancellation updated",
		"user_id", u.ID,
		"subscription_id", sub.StripeSubscriptionID,
		"cancel_at_period_end", remote.CancelAtPeriodEnd,
	)
	return &SubscriptionView{
		IsActive:          sub.Status == types.SubscriptionActive,
		Tier:              u.SubscriptionTier,
		Status:            sub.Status,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: remote.CancelAtPeriodEnd,
	}, nil
}

// StartCheckout creates a Checkout Session for a paid tier and returns its
// URL. The Stripe customer is created and linked on first use.
func (a *Accounts) StartCheckout(ctx context.Context, actor types.Actor, tier string) (string, error) {
	priceID, ok := a.prices.PriceFor(tier)
	if !ok {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTier,
			"tier is not available for purchase", nil, map[string]any{"tier": tier})
	}

	u, err := a.EnsureUser(ctx, actor)
	if err != nil {
		return "", err
	}
	customerID, err := a.ensureCustomer(ctx, u)
	if err != nil {
		return "", err
	}

	checkoutURL, sessionID, err := a.provider.CreateCheckoutSession(ctx, external.CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		UserID:     u.ID,
		TierName:   tier,
		SuccessURL: a.urls.Success,
		CancelURL:  a.urls.Cancel,
	})
	if err != nil {
		return "", err
	}
	a.logger.InfoContext(ctx, "checkout session created",
		"user_id", u.ID,
		"tier", tier,
		"session_id", sessionID,
	)
	return checkoutURL, nil
}

func (a *Accounts) ensureCustomer(ctx context.Context, u *types.User) (string, error) {
	if u.StripeCustomerID != "" {
		return u.StripeCustomerID, nil
	}
	cust, err := a.provider.CreateCustomer(ctx, u.ID, u.Email)
	if err != nil {
		return "", err
	}
	err = a.store.Users().SetStripeCustomerID(ctx, u.ID, cust.ID)
	if err == nil {
		return cust.ID, nil
	}

	// A concurrent request may have linked a customer first; use that one.
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundUser {
		fresh, getErr := a.store.Users().GetByID(ctx, u.ID)
		if getErr == nil && fresh.StripeCustomerID != "" {
			return fresh.StripeCustomerID, nil
		}
	}
	return "", err
}

// Plans returns the tier catalog, creating rows for the free tier and every
// purchasable tier on first use.
func (a *Accounts) Plans(ctx context.Context) ([]types.SubscriptionTier, error) {
	names := append([]string{types.TierFree}, a.prices.Tiers()...)
	for _, name := range names {
		if _, _, err := a.store.Tiers().Ensure(ctx, TierDefaults(name)); err != nil {
			return nil, err
		}
	}
	return a.store.Tiers().List(ctx)
}

// defaultTierIn returns the default tier, creating the free tier as the
// default when the catalog has none.
func defaultTierIn(ctx context.Context, tiers TierStore) (*types.SubscriptionTier, error) {
	def, err := tiers.GetDefault(ctx)
	if err == nil {
		return def, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	def, _, err = tiers.Ensure(ctx, TierDefaults(types.TierFree))
	return def, err
}
