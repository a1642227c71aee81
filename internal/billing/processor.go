package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"repurpose/internal/external"
	"repurpose/internal/types"
)

// ResultStatus is the outcome reported back to the webhook caller.
type ResultStatus string

const (
	ResultProcessed ResultStatus = "processed"
	ResultIgnored   ResultStatus = "ignored"
	ResultFailed    ResultStatus = "failed"
	ResultDuplicate ResultStatus = "duplicate"
)

// Result describes how one delivery was handled.
type Result struct {
	EventID    string
	EventType  string
	Status     ResultStatus
	Idempotent bool
	// Err is the reconciliation error recorded for a failed event. The
	// event itself was still acknowledged.
	Err error
}

// FailureNotice is published for every event recorded as failed.
type FailureNotice struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	CustomerID     string    `json:"customer_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Error          string    `json:"error"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// FailureNotifier delivers failure notices to operators.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, notice FailureNotice) error
}

// NoopNotifier drops notices.
type NoopNotifier struct{}

func (NoopNotifier) NotifyFailure(context.Context, FailureNotice) error { return nil }

// Processor runs one verified event through the guard and the reconciler.
type Processor struct {
	store      Store
	guard      *Guard
	reconciler *Reconciler
	archiver   *Archiver
	notifier   FailureNotifier
	logger     *slog.Logger
}

// ProcessorConfig groups the Processor's collaborators.
type ProcessorConfig struct {
	Store      Store
	Reconciler *Reconciler
	Archiver   *Archiver
	Notifier   FailureNotifier
	Logger     *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Processor{
		store:      cfg.Store,
		guard:      NewGuard(cfg.Store.Events()),
		reconciler: cfg.Reconciler,
		archiver:   cfg.Archiver,
		notifier:   notifier,
		logger:     logger,
	}
}

// Process handles a verified delivery. raw is the exact request body and is
// archived with the ledger row.
//
// A non-nil error means nothing was recorded and the caller should answer
// with a non-2xx status so Stripe retries. Reconciliation failures are not
// errors: they are recorded, reported in Result, and acknowledged.
func (p *Processor) Process(ctx context.Context, ev *types.WebhookEvent, raw []byte) (*Result, error) {
	seen, err := p.guard.Seen(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		p.logger.InfoContext(ctx, "duplicate webhook event",
			"event_id", ev.ID,
			"event_type", ev.Type,
		)
		return duplicateResult(ev), nil
	}

	ran := false
	res, shared, err := p.guard.Collapse(ev.ID, func() (*Result, error) {
		ran = true
		return p.process(ctx, ev, raw)
	})
	if err != nil {
		return nil, err
	}
	if shared && !ran {
		return duplicateResult(ev), nil
	}
	return res, nil
}

func (p *Processor) process(ctx context.Context, ev *types.WebhookEvent, raw []byte) (*Result, error) {
	change, prepErr := p.reconciler.Prepare(ctx, ev, p.store)
	if prepErr != nil && !IsResolutionError(prepErr) {
		return nil, prepErr
	}

	res := &Result{EventID: ev.ID, EventType: ev.Type}
	err := p.store.InTx(ctx, func(tx Tx) error {
		claimed, err := tx.Events().Claim(ctx, &types.ProcessedEvent{
			StripeEventID: ev.ID,
			EventType:     ev.Type,
			Status:        types.EventProcessed,
			Payload:       p.archiver.Pack(raw),
		})
		if err != nil {
			return err
		}
		if !claimed {
			res.Status, res.Idempotent = ResultDuplicate, true
			return nil
		}
		return p.applyClaimed(ctx, tx, change, prepErr, res)
	})
	if err != nil {
		return nil, err
	}

	p.afterCommit(ctx, change, res)
	return res, nil
}

// Replay re-applies a failed ledger row from its archived payload. The
// signature was verified when the event was first received.
func (p *Processor) Replay(ctx context.Context, eventID string) (*Result, error) {
	row, err := p.store.Events().Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if row.Status != types.EventFailed {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEventState,
			"only failed events can be replayed", nil, map[string]any{"status": string(row.Status)})
	}
	raw, err := p.archiver.Unpack(row.Payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEventState, "event has no replayable payload", err)
	}
	ev, err := external.ParseUnverifiedEvent(raw)
	if err != nil {
		return nil, err
	}

	change, prepErr := p.reconciler.Prepare(ctx, ev, p.store)
	if prepErr != nil && !IsResolutionError(prepErr) {
		return nil, prepErr
	}

	res := &Result{EventID: ev.ID, EventType: ev.Type}
	err = p.store.InTx(ctx, func(tx Tx) error {
		locked, err := tx.Events().GetForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if locked.Status != types.EventFailed {
			res.Status, res.Idempotent = ResultDuplicate, true
			return nil
		}
		return p.applyClaimed(ctx, tx, change, prepErr, res)
	})
	if err != nil {
		return nil, err
	}

	p.afterCommit(ctx, change, res)
	return res, nil
}

// applyClaimed runs the change in a savepoint and records the outcome on
// the ledger row. A failed change leaves no partial writes behind.
func (p *Processor) applyClaimed(ctx context.Context, tx Tx, change *Change, prepErr error, res *Result) error {
	ev := change.Event
	if prepErr != nil {
		res.Status, res.Err = ResultFailed, prepErr
		return tx.Events().Finish(ctx, ev.ID, types.EventFailed, prepErr.Error())
	}

	var outcome Outcome
	applyErr := tx.Savepoint(ctx, func(sp Tx) error {
		var err error
		outcome, err = p.reconciler.Apply(ctx, sp, change)
		return err
	})
	if applyErr != nil {
		res.Status, res.Err = ResultFailed, applyErr
		return tx.Events().Finish(ctx, ev.ID, types.EventFailed, applyErr.Error())
	}

	switch outcome.Status {
	case types.EventIgnored:
		res.Status = ResultIgnored
	default:
		res.Status = ResultProcessed
	}
	return tx.Events().Finish(ctx, ev.ID, outcome.Status, outcome.Note)
}

func (p *Processor) afterCommit(ctx context.Context, change *Change, res *Result) {
	if res.Status != ResultFailed {
		return
	}
	ev := change.Event
	p.logger.ErrorContext(ctx, "webhook event reconciliation failed",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"customer_id", change.CustomerID,
		"subscription_id", change.SubscriptionID,
		"error", res.Err,
	)

	notice := FailureNotice{
		EventID:        ev.ID,
		EventType:      ev.Type,
		CustomerID:     change.CustomerID,
		SubscriptionID: change.SubscriptionID,
		Error:          res.Err.Error(),
		OccurredAt:     time.Now().UTC(),
	}
	if err := p.notifier.NotifyFailure(ctx, notice); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish failure notice",
			"event_id", ev.ID,
			"error", err,
		)
	}
}

// ReplayFailed replays up to limit failed events, oldest first, and returns
// one result per attempted event. Events that error are reported through
// onError and skipped.
func (p *Processor) ReplayFailed(ctx context.Context, limit int, onError func(eventID string, err error)) ([]*Result, error) {
	rows, err := p.store.Events().ListByStatus(ctx, types.EventFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	var results []*Result
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.Replay(ctx, row.StripeEventID)
		if err != nil {
			if onError != nil {
				onError(row.StripeEventID, err)
			}
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func duplicateResult(ev *types.WebhookEvent) *Result {
	return &Result{EventID: ev.ID, EventType: ev.Type, Status: ResultDuplicate, Idempotent: true}
}

// ErrorText is the value reported in the webhook response for a failed
// event. Internal details stay in the ledger and logs.
func (r *Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	if errors.Is(r.Err, ErrUnknownPrice) {
		return "unknown_price"
	}
	return "processing_error"
}
