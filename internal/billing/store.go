package billing

import (
	"context"
	"errors"
	"time"

	"repurpose/internal/types"
)

// Resolution errors. The event is recorded as failed, acknowledged, and
// left for manual replay.
var (
	ErrMissingIdentifiers   = errors.New("event is missing required identifiers")
	ErrUnknownPrice         = errors.New("price id is not mapped to a tier")
	ErrUserNotResolved      = errors.New("no local user for event")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// IsResolutionError reports whether err means the event cannot be applied
// as delivered, as opposed to a transient failure worth a provider retry.
func IsResolutionError(err error) bool {
	if errors.Is(err, ErrMissingIdentifiers) || errors.Is(err, ErrUnknownPrice) ||
		errors.Is(err, ErrUserNotResolved) || errors.Is(err, ErrSubscriptionNotFound) {
		return true
	}
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeUpstreamNotFound
}

// UserStore is the subset of the users table the billing flows need.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
	GetByClerkID(ctx context.Context, clerkID string) (*types.User, error)
	GetByReference(ctx context.Context, ref string) (*types.User, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*types.User, error)
	CreateIfAbsent(ctx context.Context, clerkID, email, tierName string) (*types.User, error)
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
	UpdateTierLabel(ctx context.Context, userID, tierName string) error
}

// TierStore is the subscription tier catalog.
type TierStore interface {
	GetByName(ctx context.Context, name string) (*types.SubscriptionTier, error)
	GetByID(ctx context.Context, id string) (*types.SubscriptionTier, error)
	GetDefault(ctx context.Context) (*types.SubscriptionTier, error)
	Ensure(ctx context.Context, tmpl types.SubscriptionTier) (*types.SubscriptionTier, bool, error)
	List(ctx context.Context) ([]types.SubscriptionTier, error)
}

// SubscriptionStore is the subscriptions table.
type SubscriptionStore interface {
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*types.Subscription, error)
	UpsertForUser(ctx context.Context, sub *types.Subscription) error
	CreateDefault(ctx context.Context, userID, tierID string, periodEnd time.Time) error
	SyncFromProvider(ctx context.Context, stripeSubscriptionID, tierID string,
		status types.SubscriptionStatus, periodEnd time.Time, cancelAtPeriodEnd bool) (bool, error)
	MarkCanceled(ctx context.Context, stripeSubscriptionID string) (bool, error)
	SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) error
}

// EventLedger is the idempotency ledger keyed by Stripe event id.
type EventLedger interface {
	Exists(ctx context.Context, stripeEventID string) (bool, error)
	Claim(ctx context.Context, ev *types.ProcessedEvent) (bool, error)
	Finish(ctx context.Context, stripeEventID string, status types.EventStatus, errText string) error
	Get(ctx context.Context, stripeEventID string) (*types.ProcessedEvent, error)
	GetForUpdate(ctx context.Context, stripeEventID string) (*types.ProcessedEvent, error)
	ListByStatus(ctx context.Context, status types.EventStatus, limit int) ([]types.ProcessedEvent, error)
}

// UsageStore meters generations per user per UTC day.
type UsageStore interface {
	Increment(ctx context.Context, userID string, day time.Time, limit int) (count int, ok bool, err error)
	CountForDay(ctx context.Context, userID string, day time.Time) (int, error)
	History(ctx context.Context, userID string, start, end time.Time) ([]types.DailyUsage, error)
}

// Repos groups the stores bound to one connection or transaction.
type Repos interface {
	Users() UserStore
	Tiers() TierStore
	Subscriptions() SubscriptionStore
	Events() EventLedger
	Usage() UsageStore
}

// Tx is a Repos bound to an open transaction.
type Tx interface {
	Repos
	// Savepoint runs fn in a nested transaction. When fn fails only its
	// writes are rolled back and the outer transaction stays usable.
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

// Store is the entry point to persistence: plain reads through Repos,
// atomic units of work through InTx.
type Store interface {
	Repos
	InTx(ctx context.Context, fn func(Tx) error) error
}
