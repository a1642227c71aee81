package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repurpose/internal/types"
)

func TestProcessor_CheckoutCompleted(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	ctx := context.Background()
	userID := h.addUser(t, "clerk_u1")
	periodEnd := time.Date(2026, 11, 19, 0, 0, 0, 0, time.UTC)
	h.addProviderSub("sub_1", "cus_1", "active", "price_pro", periodEnd)

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))
	res, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultProcessed, res.Status)
	assert.False(t, res.Idempotent)
	assert.Empty(t, res.ErrorText())

	u := h.user(t, userID)
	assert.Equal(t, types.TierPro, u.SubscriptionTier)
	assert.Equal(t, "cus_1", u.StripeCustomerID)

	sub := h.sub(t, userID)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	assert.Equal(t, types.SubscriptionActive, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(periodEnd))
	assert.Equal(t, types.TierPro, h.tierByID(t, sub.TierID).Name)

	row := h.ledger(t, "evt_1")
	assert.Equal(t, types.EventProcessed, row.Status)
	assert.Equal(t, EventCheckoutCompleted, row.EventType)
	unpacked, err := h.archiver.Unpack(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, raw, unpacked)
}

func TestProcessor_CheckoutResolvesUserThroughCustomerMetadata(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_1", "cus_1", "active", "price_basic", time.Now().Add(time.Hour))
	h.provider.customers["cus_1"] = &types.ProviderCustomer{ID: "cus_1", Metadata: map[string]string{"userId": "clerk_u1"}}

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", ""))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultProcessed, res.Status)
	assert.Equal(t, 1, h.provider.customerCalls)
	assert.Equal(t, types.TierBasic, h.user(t, userID).SubscriptionTier)
}

func TestProcessor_SequentialDuplicate(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	ctx := context.Background()
	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_1", "cus_1", "active", "price_pro", time.Now().Add(time.Hour))
	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))

	first, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, first.Status)
	before := h.sub(t, userID)

	second, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second.Status)
	assert.True(t, second.Idempotent)

	assert.Len(t, h.store.snapshot().events, 1)
	assert.Equal(t, before, h.sub(t, userID))
	assert.Equal(t, 1, h.provider.subCalls, "duplicate must not reach the provider")
}

func TestProcessor_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_1", "cus_1", "active", "price_pro", time.Now().Add(time.Hour))
	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))

	// A second processor shares only the store, like another instance.
	prices, err := NewPriceTable(testPrices, PolicyFailClosed)
	require.NoError(t, err)
	other := h.newProcessor(prices)

	const n = 16
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := h.proc
			if i%2 == 1 {
				p = other
			}
			res, err := p.Process(context.Background(), ev, raw)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, res := range results {
		require.NotNil(t, res)
		switch res.Status {
		case ResultProcessed:
			processed++
		case ResultDuplicate:
			assert.True(t, res.Idempotent)
		default:
			t.Fatalf("unexpected status %q", res.Status)
		}
	}
	assert.Equal(t, 1, processed)
	assert.Len(t, h.store.snapshot().events, 1)
	assert.Equal(t, types.TierPro, h.user(t, userID).SubscriptionTier)
}

func TestProcessor_UnknownTierIsCreatedWithDefaults(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_1", "cus_1", "active", "price_team", time.Now().Add(time.Hour))

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, res.Status)

	u := h.user(t, userID)
	assert.Equal(t, "team", u.SubscriptionTier)
	tier := h.tierByID(t, h.sub(t, userID).TierID)
	assert.Equal(t, "team", tier.Name)
	assert.Equal(t, 3, tier.PlatformLimit)
	assert.Equal(t, 10000, tier.DailyGenerationLimit)
	assert.False(t, tier.IsDefault)
}

func TestProcessor_SubscriptionDeletedRevertsToDefaultTier(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	ctx := context.Background()
	userID := h.addUser(t, "clerk_u1")
	end := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	h.addProviderSub("sub_1", "cus_1", "active", "price_premium", end)

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))
	_, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)
	require.Equal(t, types.TierPremium, h.user(t, userID).SubscriptionTier)

	ev, raw = makeEvent(t, "evt_2", EventSubscriptionDeleted, subscriptionObject("sub_1", "cus_1", "canceled", "price_premium", end, ""))
	res, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Status)

	assert.Equal(t, types.TierFree, h.user(t, userID).SubscriptionTier)
	sub := h.sub(t, userID)
	assert.Equal(t, types.SubscriptionCanceled, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestProcessor_SubscriptionDeletedNotLinked(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_new", "cus_1", "active", "price_pro", time.Now().Add(time.Hour))

	ev, raw := makeEvent(t, "evt_checkout", EventCheckoutCompleted, checkoutObject("cus_1", "sub_new", userID))
	_, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	// A late deletion of an older subscription must not downgrade the user.
	ev, raw = makeEvent(t, "evt_1", EventSubscriptionDeleted,
		subscriptionObject("sub_old", "cus_1", "canceled", "price_basic", time.Now(), ""))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultIgnored, res.Status)
	row := h.ledger(t, "evt_1")
	assert.Equal(t, types.EventIgnored, row.Status)
	assert.Equal(t, "subscription not linked", row.Error)

	assert.Equal(t, types.TierPro, h.user(t, userID).SubscriptionTier)
	sub := h.sub(t, userID)
	assert.Equal(t, "sub_new", sub.StripeSubscriptionID)
	assert.Equal(t, types.SubscriptionActive, sub.Status)
}

func TestProcessor_OutOfOrderUpdatesLastProcessedWins(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	ctx := context.Background()
	userID := h.addUser(t, "clerk_u1")
	require.NoError(t, h.store.Users().SetStripeCustomerID(ctx, userID, "cus_1"))

	earlier := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

	// The newer state arrives first.
	ev, raw := makeEvent(t, "evt_b", EventSubscriptionUpdated, subscriptionObject("sub_1", "cus_1", "active", "price_premium", later, ""))
	_, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)

	ev, raw = makeEvent(t, "evt_a", EventSubscriptionUpdated, subscriptionObject("sub_1", "cus_1", "active", "price_pro", earlier, ""))
	res, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, res.Status)

	sub := h.sub(t, userID)
	assert.True(t, sub.CurrentPeriodEnd.Equal(earlier))
	assert.Equal(t, types.TierPro, h.tierByID(t, sub.TierID).Name)
	assert.Equal(t, types.TierPro, h.user(t, userID).SubscriptionTier)
}

func TestProcessor_SubscriptionStatusMapping(t *testing.T) {
	tests := []struct {
		provider string
		want     types.SubscriptionStatus
	}{
		{"active", types.SubscriptionActive},
		{"trialing", types.SubscriptionTrialing},
		{"past_due", types.SubscriptionPastDue},
		{"unpaid", types.SubscriptionPastDue},
		{"incomplete", types.SubscriptionPastDue},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			h := newHarness(t, PolicyFailClosed)
			userID := h.addUser(t, "clerk_u1")

			ev, raw := makeEvent(t, "evt_1", EventSubscriptionCreated,
				subscriptionObject("sub_1", "cus_1", tt.provider, "price_basic", time.Now().Add(time.Hour), userID))
			res, err := h.proc.Process(context.Background(), ev, raw)
			require.NoError(t, err)
			require.Equal(t, ResultProcessed, res.Status)

			assert.Equal(t, tt.want, h.sub(t, userID).Status)
			assert.Equal(t, "cus_1", h.user(t, userID).StripeCustomerID)
		})
	}
}

func TestProcessor_UnknownPriceFailClosed(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_1", "cus_1", "active", "price_mystery", time.Now().Add(time.Hour))

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err, "resolution failures are acknowledged")

	assert.Equal(t, ResultFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnknownPrice)
	assert.Equal(t, "unknown_price", res.ErrorText())

	row := h.ledger(t, "evt_1")
	assert.Equal(t, types.EventFailed, row.Status)
	assert.Contains(t, row.Error, "price_mystery")

	u := h.user(t, userID)
	assert.Equal(t, types.TierFree, u.SubscriptionTier)
	assert.Empty(t, u.StripeCustomerID)

	notices := h.notifier.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "evt_1", notices[0].EventID)
	assert.Equal(t, "cus_1", notices[0].CustomerID)
	assert.Equal(t, "sub_1", notices[0].SubscriptionID)
}

func TestProcessor_UnknownPriceFailOpen(t *testing.T) {
	h := newHarness(t, PolicyFailOpen)
	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_1", "cus_1", "active", "price_mystery", time.Now().Add(time.Hour))

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultProcessed, res.Status)
	assert.Equal(t, types.TierFree, h.tierByID(t, h.sub(t, userID).TierID).Name)
	assert.Empty(t, h.notifier.all())
}

func TestProcessor_UnknownPriceFailOpenUsesCatalogDefault(t *testing.T) {
	h := newHarness(t, PolicyFailOpen)
	h.store.mu.Lock()
	free := h.store.state.tiers["tier_free"]
	free.IsDefault = false
	h.store.state.tiers[free.ID] = free
	starter := TierDefaults("starter")
	starter.ID, starter.IsDefault = "tier_starter", true
	h.store.state.tiers[starter.ID] = starter
	h.store.mu.Unlock()

	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_1", "cus_1", "active", "price_mystery", time.Now().Add(time.Hour))

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultProcessed, res.Status)
	assert.Equal(t, "tier_starter", h.sub(t, userID).TierID)
	assert.Equal(t, "starter", h.user(t, userID).SubscriptionTier)
}

func TestProcessor_PartialApplyIsRolledBack(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	userID := h.addUser(t, "clerk_u1")
	h.addProviderSub("sub_1", "cus_1", "active", "price_pro", time.Now().Add(time.Hour))
	h.backend = &failingStore{MemoryStore: h.store, labelErr: errors.New("connection reset")}
	h.proc = h.newProcessor(h.prices)

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, res.Status)
	assert.Equal(t, "processing_error", res.ErrorText())
	assert.Equal(t, types.EventFailed, h.ledger(t, "evt_1").Status)

	state := h.store.snapshot()
	assert.NotContains(t, state.subs, userID, "subscription upsert must be rolled back")
	assert.Empty(t, state.users[userID].StripeCustomerID)
	assert.Len(t, h.notifier.all(), 1)
}

func TestProcessor_TransientProviderErrorIsNotRecorded(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	userID := h.addUser(t, "clerk_u1")
	h.provider.subErr = types.NewAppError(types.ErrCodeUpstreamUnavailable, "stripe is down", nil)

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", userID))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Empty(t, h.store.snapshot().events, "the provider retry must find no ledger row")

	h.provider.subErr = nil
	h.addProviderSub("sub_1", "cus_1", "active", "price_pro", time.Now().Add(time.Hour))
	res, err = h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Status)
}

func TestProcessor_UpdateForUnknownCustomerIsIgnored(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)

	ev, raw := makeEvent(t, "evt_1", EventSubscriptionUpdated,
		subscriptionObject("sub_1", "cus_unknown", "active", "price_pro", time.Now().Add(time.Hour), ""))
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultIgnored, res.Status)
	assert.Equal(t, types.EventIgnored, h.ledger(t, "evt_1").Status)
	assert.Empty(t, h.notifier.all())
}

func TestProcessor_UnhandledEventType(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)

	ev, raw := makeEvent(t, "evt_1", "invoice.paid", `{"id":"in_1","object":"invoice"}`)
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultIgnored, res.Status)
	row := h.ledger(t, "evt_1")
	assert.Equal(t, types.EventIgnored, row.Status)
	assert.Equal(t, "unhandled event type", row.Error)
}

func TestProcessor_MissingIdentifiersFail(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, `{"id":"cs_1","object":"checkout.session","customer":null}`)
	res, err := h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrMissingIdentifiers)
	assert.Equal(t, 0, h.provider.subCalls)
}

func TestProcessor_ReplayFailedEvent(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	ctx := context.Background()
	h.addProviderSub("sub_1", "cus_1", "active", "price_pro", time.Now().Add(time.Hour))

	// The user does not exist yet, so the checkout cannot be attributed.
	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", "clerk_late"))
	res, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)
	require.Equal(t, ResultFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrUserNotResolved)

	userID := h.addUser(t, "clerk_late")

	res, err = h.proc.Replay(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Status)
	assert.Equal(t, types.EventProcessed, h.ledger(t, "evt_1").Status)
	assert.Equal(t, types.TierPro, h.user(t, userID).SubscriptionTier)

	_, err = h.proc.Replay(ctx, "evt_1")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidEventState, appErr.Code)

	_, err = h.proc.Replay(ctx, "evt_missing")
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundEvent, appErr.Code)
}

func TestProcessor_ReplayFailed(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	ctx := context.Background()
	h.addProviderSub("sub_1", "cus_1", "active", "price_pro", time.Now().Add(time.Hour))
	h.addProviderSub("sub_2", "cus_2", "active", "price_mystery", time.Now().Add(time.Hour))

	ev, raw := makeEvent(t, "evt_1", EventCheckoutCompleted, checkoutObject("cus_1", "sub_1", "clerk_a"))
	_, err := h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)
	userID := h.addUser(t, "clerk_b")
	ev, raw = makeEvent(t, "evt_2", EventCheckoutCompleted, checkoutObject("cus_2", "sub_2", userID))
	_, err = h.proc.Process(ctx, ev, raw)
	require.NoError(t, err)
	h.addUser(t, "clerk_a")

	var errored []string
	results, err := h.proc.ReplayFailed(ctx, 10, func(id string, err error) { errored = append(errored, id) })
	require.NoError(t, err)
	assert.Empty(t, errored)
	require.Len(t, results, 2)

	byID := map[string]ResultStatus{}
	for _, r := range results {
		byID[r.EventID] = r.Status
	}
	assert.Equal(t, ResultProcessed, byID["evt_1"])
	assert.Equal(t, ResultFailed, byID["evt_2"], "the price is still unmapped")
}

func TestProcessor_ArchivingDisabled(t *testing.T) {
	h := newHarness(t, PolicyFailClosed)
	archiver, err := NewArchiver(false)
	require.NoError(t, err)
	h.archiver = archiver
	prices, err := NewPriceTable(testPrices, PolicyFailClosed)
	require.NoError(t, err)
	h.proc = h.newProcessor(prices)

	ev, raw := makeEvent(t, "evt_1", "invoice.paid", `{"id":"in_1"}`)
	_, err = h.proc.Process(context.Background(), ev, raw)
	require.NoError(t, err)
	assert.Nil(t, h.ledger(t, "evt_1").Payload)
}
