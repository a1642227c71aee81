package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"repurpose/internal/types"
)

// UsageRepository meters generations in the daily_usage table, keyed by
// (user_id, date) where date is the UTC calendar day.
type UsageRepository struct {
	db DBTX
}

// NewUsageRepository creates a UsageRepository on a pool or transaction.
func NewUsageRepository(db DBTX) *UsageRepository {
	return &UsageRepository{db: db}
}

// utcDay truncates t to midnight UTC so callers in other zones land on the
// same row.
func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Increment records one generation for userID on day and returns the new
// count. When limit is positive the row is only bumped while count < limit;
// ok is false when the day's quota is already used up. A limit of zero or
// less means unlimited.
func (r *UsageRepository) Increment(ctx context.Context, userID string, day time.Time, limit int) (count int, ok bool, err error) {
	err = r.db.QueryRow(ctx, `
		INSERT INTO daily_usage (user_id, date, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, date) DO UPDATE
			SET count = daily_usage.count + 1, updated_at = NOW()
			WHERE $3 <= 0 OR daily_usage.count < $3
		RETURNING count`,
		userID, utcDay(day), limit,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to record usage", err)
	}
	return count, true, nil
}

// CountForDay returns the generations recorded for userID on day, or 0 when
// the day has no row.
func (r *UsageRepository) CountForDay(ctx context.Context, userID string, day time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count FROM daily_usage WHERE user_id = $1 AND date = $2`,
		userID, utcDay(day),
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to load usage", err)
	}
	return count, nil
}

// History returns the user's daily rows between start and end inclusive,
// oldest first. Days without generations are absent.
func (r *UsageRepository) History(ctx context.Context, userID string, start, end time.Time) ([]types.DailyUsage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, date, count, updated_at
		FROM daily_usage
		WHERE user_id = $1
		  AND date >= $2
		  AND date <= $3
		ORDER BY date ASC`,
		userID, utcDay(start), utcDay(end),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage history", err)
	}
	defer rows.Close()

	var out []types.DailyUsage
	for rows.Next() {
		var u types.DailyUsage
		if err := rows.Scan(&u.UserID, &u.Date, &u.Count, &u.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage row", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage rows", err)
	}
	return out, nil
}
