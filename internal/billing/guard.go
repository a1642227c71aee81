package billing

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Guard deduplicates deliveries. The ledger's unique event id is the only
// authority; the singleflight group merely collapses concurrent deliveries
// of one event that land on the same process.
type Guard struct {
	ledger EventLedger
	group  singleflight.Group
}

// NewGuard creates a Guard over the ledger.
func NewGuard(ledger EventLedger) *Guard {
	return &Guard{ledger: ledger}
}

// Seen reports whether the event has already been recorded. A false answer
// is only a hint; the claim inside the processing transaction decides.
func (g *Guard) Seen(ctx context.Context, eventID string) (bool, error) {
	return g.ledger.Exists(ctx, eventID)
}

// Collapse runs fn once for all concurrent callers passing the same event
// id. Callers that joined an in-flight run get shared == true.
func (g *Guard) Collapse(eventID string, fn func() (*Result, error)) (res *Result, shared bool, err error) {
	v, err, shared := g.group.Do(eventID, func() (any, error) {
		return fn()
	})
	if r, ok := v.(*Result); ok {
		res = r
	}
	return res, shared, err
}
