package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"repurpose/internal/external"
	"repurpose/internal/types"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeProvider serves canned Stripe objects and counts calls.
type fakeProvider struct {
	mu        sync.Mutex
	subs      map[string]*types.ProviderSubscription
	customers map[string]*types.ProviderCustomer
	subErr    error

	subCalls      int
	customerCalls int

	createdCustomers []string
	checkouts        []external.CheckoutParams
	cancelCalls      []bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:      map[string]*types.ProviderSubscription{},
		customers: map[string]*types.ProviderCustomer{},
	}
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (*types.ProviderSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUpstreamNotFound, "no such subscription", nil)
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeProvider) GetCustomer(ctx context.Context, id string) (*types.ProviderCustomer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerCalls++
	cust, ok := f.customers[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUpstreamNotFound, "no such customer", nil)
	}
	return cust, nil
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, userID, email string) (*types.ProviderCustomer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCustomers = append(f.createdCustomers, userID)
	return &types.ProviderCustomer{ID: "cus_" + userID, Email: email, Metadata: map[string]string{"userId": userID}}, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, p)
	return "https://checkout.stripe.test/c/cs_1", "cs_1", nil
}

func (f *fakeProvider) SetCancelAtPeriodEnd(ctx context.Context, subID string, cancel bool) (*types.ProviderSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, cancel)
	return &types.ProviderSubscription{ID: subID, Status: "active", CancelAtPeriodEnd: cancel}, nil
}

// recordingNotifier keeps every notice.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []FailureNotice
}

func (n *recordingNotifier) NotifyFailure(ctx context.Context, notice FailureNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) all() []FailureNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]FailureNotice(nil), n.notices...)
}

var testPrices = map[string]string{
	"price_basic":   types.TierBasic,
	"price_pro":     types.TierPro,
	"price_premium": types.TierPremium,
	"price_team":    "team",
}

type harness struct {
	store *MemoryStore
	// backend is what the processor writes through; store unless a test
	// swaps in a failingStore.
	backend  Store
	prices   *PriceTable
	provider *fakeProvider
	notifier *recordingNotifier
	archiver *Archiver
	proc     *Processor
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	prices, err := NewPriceTable(testPrices, policy)
	require.NoError(t, err)
	archiver, err := NewArchiver(true)
	require.NoError(t, err)

	store := NewMemoryStore()
	h := &harness{
		store:    store,
		backend:  store,
		prices:   prices,
		provider: newFakeProvider(),
		notifier: &recordingNotifier{},
		archiver: archiver,
	}
	h.proc = h.newProcessor(prices)
	return h
}

func (h *harness) newProcessor(prices *PriceTable) *Processor {
	return NewProcessor(ProcessorConfig{
		Store:      h.backend,
		Reconciler: NewReconciler(h.provider, prices, discardLogger),
		Archiver:   h.archiver,
		Notifier:   h.notifier,
		Logger:     discardLogger,
	})
}

// addUser provisions a local user and returns its id.
func (h *harness) addUser(t *testing.T, clerkID string) string {
	t.Helper()
	u, err := h.store.Users().CreateIfAbsent(context.Background(), clerkID, clerkID+"@example.com", types.TierFree)
	require.NoError(t, err)
	return u.ID
}

func (h *harness) addProviderSub(id, customer, status, price string, periodEnd time.Time) {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	h.provider.subs[id] = &types.ProviderSubscription{
		ID: id, CustomerID: customer, Status: status, PriceID: price, CurrentPeriodEnd: periodEnd,
	}
}

func (h *harness) user(t *testing.T, id string) types.User {
	t.Helper()
	u, ok := h.store.snapshot().users[id]
	require.True(t, ok, "user %s", id)
	return u
}

func (h *harness) sub(t *testing.T, userID string) types.Subscription {
	t.Helper()
	s, ok := h.store.snapshot().subs[userID]
	require.True(t, ok, "subscription for %s", userID)
	return s
}

func (h *harness) ledger(t *testing.T, eventID string) types.ProcessedEvent {
	t.Helper()
	row, ok := h.store.snapshot().events[eventID]
	require.True(t, ok, "ledger row %s", eventID)
	return row
}

func (h *harness) tierByID(t *testing.T, id string) types.SubscriptionTier {
	t.Helper()
	tier, ok := h.store.snapshot().tiers[id]
	require.True(t, ok, "tier %s", id)
	return tier
}

// makeEvent builds a raw event body and parses it the way replay does.
func makeEvent(t *testing.T, id, typ, object string) (*types.WebhookEvent, []byte) {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1700000000,"livemode":false,"api_version":"2024-06-20","data":{"object":%s}}`,
		id, typ, object))
	ev, err := external.ParseUnverifiedEvent(raw)
	require.NoError(t, err)
	return ev, raw
}

func checkoutObject(customer, subscription, userRef string) string {
	return fmt.Sprintf(`{"id":"cs_test","object":"checkout.session","mode":"subscription","customer":%q,"subscription":%q,"metadata":{"userId":%q}}`,
		customer, subscription, userRef)
}

func subscriptionObject(id, customer, status, price string, periodEnd time.Time, userRef string) string {
	return fmt.Sprintf(`{"id":%q,"object":"subscription","customer":%q,"status":%q,"cancel_at_period_end":false,"current_period_end":%d,"metadata":{"userId":%q},"items":{"data":[{"price":{"id":%q}}]}}`,
		id, customer, status, periodEnd.Unix(), userRef, price)
}

// failingStore makes UpdateTierLabel fail inside every transaction and
// savepoint, leaving the other writes of the unit to be rolled back.
type failingStore struct {
	*MemoryStore
	labelErr error
}

func (f *failingStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return f.MemoryStore.InTx(ctx, func(tx Tx) error {
		return fn(failingTx{Tx: tx, labelErr: f.labelErr})
	})
}

type failingTx struct {
	Tx
	labelErr error
}

func (t failingTx) Users() UserStore {
	return failingUsers{UserStore: t.Tx.Users(), labelErr: t.labelErr}
}

func (t failingTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	return t.Tx.Savepoint(ctx, func(sp Tx) error {
		return fn(failingTx{Tx: sp, labelErr: t.labelErr})
	})
}

type failingUsers struct {
	UserStore
	labelErr error
}

func (u failingUsers) UpdateTierLabel(ctx context.Context, userID, tierName string) error {
	return u.labelErr
}
