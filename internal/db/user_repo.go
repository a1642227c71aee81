package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"repurpose/internal/types"
)

const userColumns = `id, clerk_id, email, subscription_tier, stripe_customer_id, created_at, updated_at`

// UserRepository reads and writes the users table.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a UserRepository on a pool or transaction.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (*types.User, error) {
	var (
		u          types.User
		email      *string
		customerID *string
	)
	if err := row.Scan(&u.ID, &u.ClerkID, &email, &u.SubscriptionTier, &customerID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Email = derefString(email)
	u.StripeCustomerID = derefString(customerID)
	return &u, nil
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg any) (*types.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user", err)
	}
	return u, nil
}

// GetByID loads a user by local id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetByClerkID loads a user by the identity provider's subject.
func (r *UserRepository) GetByClerkID(ctx context.Context, clerkID string) (*types.User, error) {
	return r.getOne(ctx, `clerk_id = $1`, clerkID)
}

// GetByReference resolves a reference that may be either a local id or an
// identity provider subject. Checkout metadata has carried both forms.
func (r *UserRepository) GetByReference(ctx context.Context, ref string) (*types.User, error) {
	return r.getOne(ctx, `id = $1 OR clerk_id = $1 ORDER BY (id = $1) DESC LIMIT 1`, ref)
}

// GetByStripeCustomerID loads the user mapped to a payment customer.
func (r *UserRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.User, error) {
	return r.getOne(ctx, `stripe_customer_id = $1`, customerID)
}

// CreateIfAbsent inserts a user keyed by clerk_id. When a concurrent request
// already created the row, the existing row is returned instead.
func (r *UserRepository) CreateIfAbsent(ctx context.Context, clerkID, email, tierName string) (*types.User, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO users (id, clerk_id, email, subscription_tier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (clerk_id) DO NOTHING
		RETURNING `+userColumns,
		newID("usr"), clerkID, nilIfEmpty(email), tierName,
	)
	u, err := scanUser(row)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return r.GetByClerkID(ctx, clerkID)
}

// SetStripeCustomerID links a payment customer to the user. An existing
// identical link is a no-op; a customer already linked to a different user
// is a conflict.
func (r *UserRepository) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET stripe_customer_id = $2, updated_at = $3
		WHERE id = $1 AND (stripe_customer_id IS NULL OR stripe_customer_id = $2)`,
		userID, customerID, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictCustomerLinked,
				"stripe customer is linked to another user", err,
				map[string]any{"customer_id": customerID})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link stripe customer", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundUser,
			"user not found or linked to a different customer", nil,
			map[string]any{"user_id": userID, "customer_id": customerID})
	}
	return nil
}

// UpdateTierLabel sets the denormalized subscription_tier label.
func (r *UserRepository) UpdateTierLabel(ctx context.Context, userID, tierName string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET subscription_tier = $2, updated_at = $3 WHERE id = $1`,
		userID, tierName, time.Now().UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update user tier", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}
