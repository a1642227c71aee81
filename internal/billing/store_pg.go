package billing

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"repurpose/internal/db"
)

// PgPool is what PgStore needs from *pgxpool.Pool.
type PgPool interface {
	db.DBTX
	db.Beginner
}

// PgStore implements Store on PostgreSQL.
type PgStore struct {
	pool   PgPool
	logger *slog.Logger
}

// NewPgStore wraps a connection pool.
func NewPgStore(pool PgPool, logger *slog.Logger) *PgStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgStore{pool: pool, logger: logger}
}

func (s *PgStore) Users() UserStore    { return db.NewUserRepository(s.pool) }
func (s *PgStore) Tiers() TierStore    { return db.NewTierRepository(s.pool) }
func (s *PgStore) Events() EventLedger { return db.NewEventRepository(s.pool) }
func (s *PgStore) Subscriptions() SubscriptionStore {
	return db.NewSubscriptionRepository(s.pool, s.logger)
}
func (s *PgStore) Usage() UsageStore { return db.NewUsageRepository(s.pool) }

// InTx commits when fn returns nil and rolls back otherwise.
func (s *PgStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, logger: s.logger})
	})
}

type pgTx struct {
	tx     pgx.Tx
	logger *slog.Logger
}

func (t *pgTx) Users() UserStore    { return db.NewUserRepository(t.tx) }
func (t *pgTx) Tiers() TierStore    { return db.NewTierRepository(t.tx) }
func (t *pgTx) Events() EventLedger { return db.NewEventRepository(t.tx) }
func (t *pgTx) Subscriptions() SubscriptionStore {
	return db.NewSubscriptionRepository(t.tx, t.logger)
}
func (t *pgTx) Usage() UsageStore { return db.NewUsageRepository(t.tx) }

// Savepoint relies on pgx.Tx.Begin issuing SAVEPOINT on an open transaction.
func (t *pgTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(&pgTx{tx: sp, logger: t.logger})
	})
}
