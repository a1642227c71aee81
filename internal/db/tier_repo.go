package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"repurpose/internal/types"
)

const tierColumns = `id, name, daily_generation_limit, platform_limit, max_character_count,
	price_monthly::float8, price_yearly::float8, is_default, created_at`

// TierRepository manages the subscription_tiers catalog.
type TierRepository struct {
	db DBTX
}

// NewTierRepository creates a TierRepository on a pool or transaction.
func NewTierRepository(db DBTX) *TierRepository {
	return &TierRepository{db: db}
}

func scanTier(row pgx.Row) (*types.SubscriptionTier, error) {
	var t types.SubscriptionTier
	err := row.Scan(&t.ID, &t.Name, &t.DailyGenerationLimit, &t.PlatformLimit, &t.MaxCharacterCount,
		&t.PriceMonthly, &t.PriceYearly, &t.IsDefault, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TierRepository) getOne(ctx context.Context, where string, args ...any) (*types.SubscriptionTier, error) {
	t, err := scanTier(r.db.QueryRow(ctx, `SELECT `+tierColumns+` FROM subscription_tiers WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTier, "subscription tier not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription tier", err)
	}
	return t, nil
}

// GetByName looks up a tier by its unique name.
func (r *TierRepository) GetByName(ctx context.Context, name string) (*types.SubscriptionTier, error) {
	return r.getOne(ctx, `name = $1`, name)
}

// GetByID looks up a tier by id.
func (r *TierRepository) GetByID(ctx context.Context, id string) (*types.SubscriptionTier, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetDefault returns the tier flagged is_default.
func (r *TierRepository) GetDefault(ctx context.Context) (*types.SubscriptionTier, error) {
	return r.getOne(ctx, `is_default`)
}

// Ensure returns the tier named tmpl.Name, inserting tmpl first when the
// catalog lacks it. created reports whether this call inserted the row.
// tmpl.IsDefault is honoured only while no default tier exists.
func (r *TierRepository) Ensure(ctx context.Context, tmpl types.SubscriptionTier) (tier *types.SubscriptionTier, created bool, err error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO subscription_tiers
			(id, name, daily_generation_limit, platform_limit, max_character_count, price_monthly, price_yearly, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			$8 AND NOT EXISTS (SELECT 1 FROM subscription_tiers WHERE is_default))
		ON CONFLICT (name) DO NOTHING
		RETURNING `+tierColumns,
		newID("tier"), tmpl.Name, tmpl.DailyGenerationLimit, tmpl.PlatformLimit, tmpl.MaxCharacterCount,
		tmpl.PriceMonthly, tmpl.PriceYearly, tmpl.IsDefault,
	)
	tier, err = scanTier(row)
	switch {
	case err == nil:
		return tier, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		tier, err = r.GetByName(ctx, tmpl.Name)
		return tier, false, err
	default:
		return nil, false, types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to create subscription tier %q", tmpl.Name), err)
	}
}

// List returns the catalog ordered by monthly price.
func (r *TierRepository) List(ctx context.Context) ([]types.SubscriptionTier, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tierColumns+` FROM subscription_tiers ORDER BY price_monthly, name`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscription tiers", err)
	}
	defer rows.Close()

	var tiers []types.SubscriptionTier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription tier", err)
		}
		tiers = append(tiers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscription tiers", err)
	}
	return tiers, nil
}
