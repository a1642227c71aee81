package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"repurpose/internal/types"
)

const eventColumns = `id, stripe_event_id, event_type, status, error, payload, received_at, processed_at`

// EventRepository is the stripe_events idempotency ledger. The unique index
// on stripe_event_id is the only deduplication authority.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates an EventRepository on a pool or transaction.
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

func scanEvent(row pgx.Row) (*types.ProcessedEvent, error) {
	var (
		e       types.ProcessedEvent
		status  string
		errText *string
	)
	if err := row.Scan(&e.ID, &e.StripeEventID, &e.EventType, &status, &errText, &e.Payload, &e.ReceivedAt, &e.ProcessedAt); err != nil {
		return nil, err
	}
	e.Status = types.EventStatus(status)
	e.Error = derefString(errText)
	return &e, nil
}

// Exists reports whether the event id is already in the ledger.
func (r *EventRepository) Exists(ctx context.Context, stripeEventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stripe_events WHERE stripe_event_id = $1)`,
		stripeEventID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check event ledger", err)
	}
	return exists, nil
}

// Claim records the event. claimed is false when a row for the same event
// id already exists, whether committed earlier or inserted concurrently by
// a transaction that has since committed. A raw unique violation is
// reported the same way.
func (r *EventRepository) Claim(ctx context.Context, ev *types.ProcessedEvent) (claimed bool, err error) {
	if ev.ID == "" {
		ev.ID = newID("sevt")
	}
	if ev.Status == "" {
		ev.Status = types.EventProcessed
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO stripe_events (id, stripe_event_id, event_type, status, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stripe_event_id) DO NOTHING`,
		ev.ID, ev.StripeEventID, ev.EventType, string(ev.Status), ev.Payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish stores the final outcome of a claimed event.
func (r *EventRepository) Finish(ctx context.Context, stripeEventID string, status types.EventStatus, errText string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE stripe_events SET status = $2, error = $3, processed_at = $4
		WHERE stripe_event_id = $1`,
		stripeEventID, string(status), nilIfEmpty(errText), time.Now().UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish event", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "event not in ledger", nil)
	}
	return nil
}

// Get loads a single ledger row.
func (r *EventRepository) Get(ctx context.Context, stripeEventID string) (*types.ProcessedEvent, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM stripe_events WHERE stripe_event_id = $1`, stripeEventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "event not in ledger", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load event", err)
	}
	return e, nil
}

// GetForUpdate loads a ledger row and locks it until the surrounding
// transaction ends. Only meaningful on a pgx.Tx.
func (r *EventRepository) GetForUpdate(ctx context.Context, stripeEventID string) (*types.ProcessedEvent, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM stripe_events WHERE stripe_event_id = $1 FOR UPDATE`, stripeEventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "event not in ledger", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock event", err)
	}
	return e, nil
}

// ListByStatus returns the oldest ledger rows with the given status.
func (r *EventRepository) ListByStatus(ctx context.Context, status types.EventStatus, limit int) ([]types.ProcessedEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+` FROM stripe_events WHERE status = $1 ORDER BY received_at LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list events", err)
	}
	defer rows.Close()

	var out []types.ProcessedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate events", err)
	}
	return out, nil
}
