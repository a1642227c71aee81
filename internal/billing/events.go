package billing

import (
	"encoding/json"
	"fmt"

	"repurpose/internal/external"
	"repurpose/internal/types"
)

// Event kinds the reconciler acts on. Everything else is recorded as
// ignored.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// metadataUserID is the metadata key carrying the local user reference on
// checkout sessions, subscriptions and customers.
const metadataUserID = "userId"

type checkoutSession struct {
	ID                string                `json:"id"`
	Mode              string                `json:"mode"`
	Customer          external.ExpandableID `json:"customer"`
	Subscription      external.ExpandableID `json:"subscription"`
	ClientReferenceID string                `json:"client_reference_id"`
	Metadata          map[string]string     `json:"metadata"`
}

// userReference prefers metadata.userId and falls back to
// client_reference_id, which checkout also sets.
func (s *checkoutSession) userReference() string {
	if ref := s.Metadata[metadataUserID]; ref != "" {
		return ref
	}
	return s.ClientReferenceID
}

func decodeCheckoutSession(ev *types.WebhookEvent) (*checkoutSession, error) {
	var s checkoutSession
	if err := json.Unmarshal(ev.Object, &s); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", ErrMissingIdentifiers, err)
	}
	if s.Customer == "" || s.Subscription == "" {
		return nil, fmt.Errorf("%w: checkout session %s has customer=%q subscription=%q",
			ErrMissingIdentifiers, s.ID, s.Customer, s.Subscription)
	}
	return &s, nil
}

func decodeSubscription(ev *types.WebhookEvent, needPeriodEnd bool) (*types.ProviderSubscription, error) {
	sub, err := external.DecodeSubscription(ev.Object)
	if err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrMissingIdentifiers, err)
	}
	if sub.ID == "" || sub.CustomerID == "" {
		return nil, fmt.Errorf("%w: subscription %q has customer=%q", ErrMissingIdentifiers, sub.ID, sub.CustomerID)
	}
	if needPeriodEnd && sub.CurrentPeriodEnd.IsZero() {
		return nil, fmt.Errorf("%w: subscription %s has no current_period_end", ErrMissingIdentifiers, sub.ID)
	}
	return sub, nil
}
