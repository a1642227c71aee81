package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"repurpose/internal/types"
)

// defaultPeriod is used when neither the event nor Stripe supplies a
// period end, and for lazily provisioned starter subscriptions.
const defaultPeriod = 30 * 24 * time.Hour

// Provider is the read side of the payment provider used while preparing
// an event.
type Provider interface {
	GetCustomer(ctx context.Context, customerID string) (*types.ProviderCustomer, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)
}

type changeKind int

const (
	changeIgnore changeKind = iota
	changeCheckout
	changeSync
	changeCancel
)

// Change is an event with everything fetched from Stripe, ready to be
// applied inside a transaction. Identifier fields are filled as far as
// decoding got, even when Prepare fails.
type Change struct {
	Event          *types.WebhookEvent
	CustomerID     string
	SubscriptionID string
	// TierName is empty when an unmapped price fell back to the default tier.
	TierName       string

	kind            changeKind
	userRef         string
	customerUserRef string
	sub             *types.ProviderSubscription
	ignoreReason    string
}

// Outcome is the ledger status an applied change ends in.
type Outcome struct {
	Status types.EventStatus
	Note   string
}

// Reconciler turns verified webhook events into local state changes.
type Reconciler struct {
	provider Provider
	prices   *PriceTable
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(provider Provider, prices *PriceTable, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{provider: provider, prices: prices, logger: logger, now: time.Now}
}

// Prepare decodes the event and performs the provider calls it needs. It
// never writes. reads is used to skip a customer lookup when the local
// mapping already identifies the user.
func (r *Reconciler) Prepare(ctx context.Context, ev *types.WebhookEvent, reads Repos) (*Change, error) {
	c := &Change{Event: ev}
	switch ev.Type {
	case EventCheckoutCompleted:
		return c, r.prepareCheckout(ctx, c, reads)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		sub, err := decodeSubscription(ev, true)
		if err != nil {
			return c, err
		}
		c.kind = changeSync
		c.sub = sub
		c.CustomerID, c.SubscriptionID = sub.CustomerID, sub.ID
		c.userRef = sub.Metadata[metadataUserID]
		return c, r.resolveTier(ctx, c, sub.PriceID)

	case EventSubscriptionDeleted:
		sub, err := decodeSubscription(ev, false)
		if err != nil {
			return c, err
		}
		c.kind = changeCancel
		c.sub = sub
		c.CustomerID, c.SubscriptionID = sub.CustomerID, sub.ID
		c.userRef = sub.Metadata[metadataUserID]
		return c, nil

	default:
		c.kind = changeIgnore
		c.ignoreReason = "unhandled event type"
		return c, nil
	}
}

func (r *Reconciler) prepareCheckout(ctx context.Context, c *Change, reads Repos) error {
	session, err := decodeCheckoutSession(c.Event)
	if err != nil {
		return err
	}
	c.kind = changeCheckout
	c.CustomerID = string(session.Customer)
	c.SubscriptionID = string(session.Subscription)
	c.userRef = session.userReference()

	sub, err := r.provider.GetSubscription(ctx, c.SubscriptionID)
	if err != nil {
		return fmt.Errorf("retrieve subscription %s: %w", c.SubscriptionID, err)
	}
	c.sub = sub
	if err := r.resolveTier(ctx, c, sub.PriceID); err != nil {
		return err
	}

	if c.userRef != "" {
		return nil
	}
	if _, err := reads.Users().GetByStripeCustomerID(ctx, c.CustomerID); err == nil {
		return nil
	} else if !isNotFound(err) {
		return err
	}
	cust, err := r.provider.GetCustomer(ctx, c.CustomerID)
	if err != nil {
		return fmt.Errorf("retrieve customer %s: %w", c.CustomerID, err)
	}
	c.customerUserRef = cust.Metadata[metadataUserID]
	return nil
}

func (r *Reconciler) resolveTier(ctx context.Context, c *Change, priceID string) error {
	tier, fellBack, err := r.prices.TierFor(priceID)
	if err != nil {
		return err
	}
	if fellBack {
		r.logger.WarnContext(ctx, "unmapped price id, falling back to default tier",
			"event_id", c.Event.ID,
			"price_id", priceID,
			"subscription_id", c.SubscriptionID,
		)
	}
	c.TierName = tier
	return nil
}

// Apply writes the prepared change through tx. Every write of one event
// goes through the same tx so the caller can roll them back together.
func (r *Reconciler) Apply(ctx context.Context, tx Repos, c *Change) (Outcome, error) {
	switch c.kind {
	case changeCheckout:
		return r.applyCheckout(ctx, tx, c)
	case changeSync:
		return r.applySync(ctx, tx, c)
	case changeCancel:
		return r.applyCancel(ctx, tx, c)
	default:
		r.logger.InfoContext(ctx, "ignoring webhook event",
			"event_id", c.Event.ID,
			"event_type", c.Event.Type,
		)
		return Outcome{Status: types.EventIgnored, Note: c.ignoreReason}, nil
	}
}

func (r *Reconciler) applyCheckout(ctx context.Context, tx Repos, c *Change) (Outcome, error) {
	user, err := r.resolveUser(ctx, tx.Users(), c, c.userRef, c.customerUserRef)
	if err != nil {
		return Outcome{}, err
	}
	tier, err := r.changeTier(ctx, tx.Tiers(), c)
	if err != nil {
		return Outcome{}, err
	}

	sub := &types.Subscription{
		UserID:               user.ID,
		TierID:               tier.ID,
		StripeSubscriptionID: c.SubscriptionID,
		Status:               types.SubscriptionActive,
		CurrentPeriodEnd:     r.periodEnd(ctx, c),
		CancelAtPeriodEnd:    c.sub.CancelAtPeriodEnd,
	}
	if err := tx.Subscriptions().UpsertForUser(ctx, sub); err != nil {
		return Outcome{}, err
	}
	if err := r.linkCustomer(ctx, tx.Users(), user, c.CustomerID); err != nil {
		return Outcome{}, err
	}
	if err := tx.Users().UpdateTierLabel(ctx, user.ID, tier.Name); err != nil {
		return Outcome{}, err
	}

	r.logger.InfoContext(ctx, "checkout reconciled",
		"event_id", c.Event.ID,
		"user_id", user.ID,
		"tier", tier.Name,
		"subscription_id", c.SubscriptionID,
	)
	return Outcome{Status: types.EventProcessed}, nil
}

func (r *Reconciler) applySync(ctx context.Context, tx Repos, c *Change) (Outcome, error) {
	user, err := r.resolveUser(ctx, tx.Users(), c, c.userRef, "")
	if errors.Is(err, ErrUserNotResolved) {
		r.logger.WarnContext(ctx, "no local user for subscription event",
			"event_id", c.Event.ID,
			"customer_id", c.CustomerID,
			"subscription_id", c.SubscriptionID,
		)
		return Outcome{Status: types.EventIgnored, Note: "no local user for customer"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	status, exact := types.ParseProviderStatus(c.sub.Status)
	if !exact {
		r.logger.WarnContext(ctx, "provider status has no local equivalent",
			"event_id", c.Event.ID,
			"provider_status", c.sub.Status,
			"mapped_status", string(status),
		)
	}
	tier, err := r.changeTier(ctx, tx.Tiers(), c)
	if err != nil {
		return Outcome{}, err
	}

	periodEnd := r.periodEnd(ctx, c)
	found, err := tx.Subscriptions().SyncFromProvider(ctx, c.SubscriptionID, tier.ID, status, periodEnd, c.sub.CancelAtPeriodEnd)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		err := tx.Subscriptions().UpsertForUser(ctx, &types.Subscription{
			UserID:               user.ID,
			TierID:               tier.ID,
			StripeSubscriptionID: c.SubscriptionID,
			Status:               status,
			CurrentPeriodEnd:     periodEnd,
			CancelAtPeriodEnd:    c.sub.CancelAtPeriodEnd,
		})
		if err != nil {
			return Outcome{}, err
		}
	}
	if err := r.linkCustomer(ctx, tx.Users(), user, c.CustomerID); err != nil {
		return Outcome{}, err
	}
	if err := tx.Users().UpdateTierLabel(ctx, user.ID, tier.Name); err != nil {
		return Outcome{}, err
	}

	r.logger.InfoContext(ctx, "subscription synced",
		"event_id", c.Event.ID,
		"user_id", user.ID,
		"tier", tier.Name,
		"status", string(status),
		"current_period_end", periodEnd,
	)
	return Outcome{Status: types.EventProcessed}, nil
}

func (r *Reconciler) applyCancel(ctx context.Context, tx Repos, c *Change) (Outcome, error) {
	user, err := r.resolveUser(ctx, tx.Users(), c, c.userRef, "")
	if errors.Is(err, ErrUserNotResolved) {
		r.logger.WarnContext(ctx, "no local user for deleted subscription",
			"event_id", c.Event.ID,
			"customer_id", c.CustomerID,
		)
		return Outcome{Status: types.EventIgnored, Note: "no local user for customer"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	found, err := tx.Subscriptions().MarkCanceled(ctx, c.SubscriptionID)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		r.logger.WarnContext(ctx, "deleted subscription is not linked locally",
			"event_id", c.Event.ID,
			"user_id", user.ID,
			"subscription_id", c.SubscriptionID,
		)
		return Outcome{Status: types.EventIgnored, Note: "subscription not linked"}, nil
	}

	def, err := defaultTierIn(ctx, tx.Tiers())
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Users().UpdateTierLabel(ctx, user.ID, def.Name); err != nil {
		return Outcome{}, err
	}

	r.logger.InfoContext(ctx, "subscription canceled",
		"event_id", c.Event.ID,
		"user_id", user.ID,
		"subscription_id", c.SubscriptionID,
		"tier", def.Name,
	)
	return Outcome{Status: types.EventProcessed}, nil
}

// resolveUser tries, in order: the reference carried on the event object,
// the local customer mapping, and the reference from the Stripe customer's
// metadata.
func (r *Reconciler) resolveUser(ctx context.Context, users UserStore, c *Change, ref, customerRef string) (*types.User, error) {
	if ref != "" {
		u, err := users.GetByReference(ctx, ref)
		if err == nil {
			return u, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
		r.logger.WarnContext(ctx, "user reference from event not found",
			"event_id", c.Event.ID,
			"user_ref", ref,
		)
	}

	u, err := users.GetByStripeCustomerID(ctx, c.CustomerID)
	if err == nil {
		return u, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	if customerRef != "" {
		u, err := users.GetByReference(ctx, customerRef)
		if err == nil {
			return u, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: customer %s", ErrUserNotResolved, c.CustomerID)
}

// linkCustomer stores the customer mapping when the user has none. An
// existing different mapping is kept.
func (r *Reconciler) linkCustomer(ctx context.Context, users UserStore, user *types.User, customerID string) error {
	switch user.StripeCustomerID {
	case customerID:
		return nil
	case "":
		if err := users.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
			return err
		}
		user.StripeCustomerID = customerID
		return nil
	default:
		r.logger.WarnContext(ctx, "user already linked to a different stripe customer",
			"user_id", user.ID,
			"linked_customer_id", user.StripeCustomerID,
			"event_customer_id", customerID,
		)
		return nil
	}
}

// changeTier returns the tier row for c, resolving an empty TierName to the
// catalog's default tier.
func (r *Reconciler) changeTier(ctx context.Context, tiers TierStore, c *Change) (*types.SubscriptionTier, error) {
	if c.TierName == "" {
		return defaultTierIn(ctx, tiers)
	}
	return r.ensureTier(ctx, tiers, c.TierName)
}

func (r *Reconciler) ensureTier(ctx context.Context, tiers TierStore, name string) (*types.SubscriptionTier, error) {
	tier, created, err := tiers.Ensure(ctx, TierDefaults(name))
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.InfoContext(ctx, "subscription tier created with defaults",
			"tier", tier.Name,
			"tier_id", tier.ID,
		)
	}
	return tier, nil
}

func (r *Reconciler) periodEnd(ctx context.Context, c *Change) time.Time {
	if c.sub != nil && !c.sub.CurrentPeriodEnd.IsZero() {
		return c.sub.CurrentPeriodEnd
	}
	fallback := r.now().UTC().Add(defaultPeriod)
	r.logger.WarnContext(ctx, "no current_period_end from provider, using default period",
		"event_id", c.Event.ID,
		"subscription_id", c.SubscriptionID,
	)
	return fallback
}

func isNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.HTTPStatus() == 404
}
