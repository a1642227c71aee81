package types

import "time"

// Tier names known to the catalog. Other names may exist in the
// subscription_tiers table; these are the ones the price table maps to.
const (
	TierFree    = "free"
	TierBasic   = "basic"
	TierPro     = "pro"
	TierPremium = "premium"
)

// SubscriptionStatus mirrors the subscription_status enum in Postgres.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionTrialing SubscriptionStatus = "trialing"
)

// Valid reports whether s is one of the four statuses the store accepts.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionCanceled, SubscriptionPastDue, SubscriptionTrialing:
		return true
	}
	return false
}

// ParseProviderStatus converts a Stripe subscription status into the local
// enum. The four shared values pass through verbatim (exact == true). Stripe
// states without a local equivalent are folded into past_due, except an
// empty value which becomes active.
func ParseProviderStatus(raw string) (status SubscriptionStatus, exact bool) {
	s := SubscriptionStatus(raw)
	if s.Valid() {
		return s, true
	}
	switch raw {
	case "":
		return SubscriptionActive, false
	default: // unpaid, incomplete, incomplete_expired, paused
		return SubscriptionPastDue, false
	}
}

// User is the local identity. StripeCustomerID is empty until the first
// checkout links a payment customer.
type User struct {
	ID               string    `json:"id"`
	ClerkID          string    `json:"clerk_id"`
	Email            string    `json:"email,omitempty"`
	SubscriptionTier string    `json:"subscription_tier"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SubscriptionTier is a named plan with usage limits and pricing.
type SubscriptionTier struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	DailyGenerationLimit int       `json:"daily_generation_limit"`
	PlatformLimit        int       `json:"platform_limit"`
	MaxCharacterCount    int       `json:"max_character_count"`
	PriceMonthly         float64   `json:"price_monthly"`
	PriceYearly          float64   `json:"price_yearly"`
	IsDefault            bool      `json:"is_default"`
	CreatedAt            time.Time `json:"created_at"`
}

// Subscription links a user to a tier and to the payment provider's
// subscription object. Rows are never deleted, only canceled.
type Subscription struct {
	ID                   string             `json:"id"`
	UserID               string             `json:"user_id"`
	TierID               string             `json:"tier_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// DailyUsage is a row of daily_usage: generations a user recorded on one
// UTC calendar day.
type DailyUsage struct {
	UserID    string    `json:"user_id"`
	Date      time.Time `json:"date"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventStatus is the outcome recorded for a ledger row.
type EventStatus string

const (
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
	EventIgnored   EventStatus = "ignored"
)

// ProcessedEvent is a row of the stripe_events idempotency ledger.
// Payload is the zstd-compressed raw request body when archiving is on.
type ProcessedEvent struct {
	ID            string      `json:"id"`
	StripeEventID string      `json:"stripe_event_id"`
	EventType     string      `json:"event_type"`
	Status        EventStatus `json:"status"`
	Error         string      `json:"error,omitempty"`
	Payload       []byte      `json:"-"`
	ReceivedAt    time.Time   `json:"received_at"`
	ProcessedAt   time.Time   `json:"processed_at"`
}

// WebhookEvent is an authenticated payment provider event. Object holds the
// raw JSON of data.object exactly as delivered.
type WebhookEvent struct {
	ID         string
	Type       string
	Created    time.Time
	Livemode   bool
	APIVersion string
	Object     []byte
}

// ProviderCustomer is the subset of a Stripe customer the service reads.
type ProviderCustomer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// ProviderSubscription is the subset of a Stripe subscription the service
// reads. CurrentPeriodEnd is taken from the first item when the top-level
// field is absent (newer API versions moved it).
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}
