package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"repurpose/internal/types"
)

const subscriptionColumns = `id, user_id, tier_id, stripe_subscription_id, status::text, current_period_end,
	cancel_at_period_end, created_at, updated_at`

// SubscriptionRepository manages the subscriptions table. Writes are keyed
// by user_id or stripe_subscription_id, both unique, so re-applying the same
// values is a no-op at the data level.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a SubscriptionRepository on a pool or
// transaction.
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		s        types.Subscription
		stripeID *string
		status   string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TierID, &stripeID, &status, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.StripeSubscriptionID = derefString(stripeID)
	s.Status = types.SubscriptionStatus(status)
	return &s, nil
}

func (r *SubscriptionRepository) getOne(ctx context.Context, where string, arg any) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return s, nil
}

// GetByUserID returns the user's subscription row.
func (r *SubscriptionRepository) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	return r.getOne(ctx, `user_id = $1`, userID)
}

// GetByStripeID returns the row linked to a Stripe subscription.
func (r *SubscriptionRepository) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*types.Subscription, error) {
	return r.getOne(ctx, `stripe_subscription_id = $1`, stripeSubscriptionID)
}

// UpsertForUser inserts the user's subscription or overwrites the existing
// row in place. sub.ID, CreatedAt and UpdatedAt are filled from the stored row.
func (r *SubscriptionRepository) UpsertForUser(ctx context.Context, sub *types.Subscription) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO subscriptions
			(id, user_id, tier_id, stripe_subscription_id, status, current_period_end, cancel_at_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			tier_id                = EXCLUDED.tier_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			status                 = EXCLUDED.status,
			current_period_end     = EXCLUDED.current_period_end,
			cancel_at_period_end   = EXCLUDED.cancel_at_period_end,
			updated_at             = NOW()
		RETURNING id, created_at, updated_at`,
		newID("subs"), sub.UserID, sub.TierID, nilIfEmpty(sub.StripeSubscriptionID), string(sub.Status),
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictCustomerLinked,
				"stripe subscription is linked to another user", err,
				map[string]any{"subscription_id": sub.StripeSubscriptionID})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}

	r.logger.InfoContext(ctx, "subscription upserted",
		slog.String("user_id", sub.UserID),
		slog.String("tier_id", sub.TierID),
		slog.String("stripe_subscription_id", sub.StripeSubscriptionID),
		slog.String("status", string(sub.Status)),
	)
	return nil
}

// CreateDefault inserts a starter subscription for a freshly provisioned
// user. Existing rows are left untouched.
func (r *SubscriptionRepository) CreateDefault(ctx context.Context, userID, tierID string, periodEnd time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, tier_id, status, current_period_end)
		VALUES ($1, $2, $3, 'active', $4)
		ON CONFLICT (user_id) DO NOTHING`,
		newID("subs"), userID, tierID, periodEnd,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create default subscription", err)
	}
	return nil
}

// SyncFromProvider overwrites tier, status, period end and the cancel flag
// of the row linked to stripeSubscriptionID. found is false when no row is
// linked to that id.
func (r *SubscriptionRepository) SyncFromProvider(ctx context.Context, stripeSubscriptionID, tierID string,
	status types.SubscriptionStatus, periodEnd time.Time, cancelAtPeriodEnd bool) (found bool, err error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscriptions SET
			tier_id = $2, status = $3, current_period_end = $4, cancel_at_period_end = $5, updated_at = NOW()
		WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID, tierID, string(status), periodEnd, cancelAtPeriodEnd,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to sync subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCanceled transitions the row linked to stripeSubscriptionID to
// canceled. Rows are never deleted.
func (r *SubscriptionRepository) MarkCanceled(ctx context.Context, stripeSubscriptionID string) (found bool, err error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscriptions SET status = 'canceled', cancel_at_period_end = FALSE, updated_at = NOW()
		WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetCancelAtPeriodEnd mirrors a cancel or reactivate request locally so the
// status endpoint reflects it before Stripe's webhook arrives.
func (r *SubscriptionRepository) SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET cancel_at_period_end = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, cancel,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update cancel flag", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}
