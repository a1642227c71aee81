package billing

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"repurpose/internal/types"
)

// memState is one snapshot of every table.
type memState struct {
	users  map[string]types.User             // by id
	tiers  map[string]types.SubscriptionTier // by id
	subs   map[string]types.Subscription     // by user id
	events map[string]types.ProcessedEvent   // by stripe event id
	usage  map[usageKey]types.DailyUsage
	seq    int
}

type usageKey struct {
	userID string
	day    string // YYYY-MM-DD, UTC
}

func (s *memState) clone() *memState {
	return &memState{
		users:  maps.Clone(s.users),
		tiers:  maps.Clone(s.tiers),
		subs:   maps.Clone(s.subs),
		events: maps.Clone(s.events),
		usage:  maps.Clone(s.usage),
		seq:    s.seq,
	}
}

func (s *memState) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%d", prefix, s.seq)
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store used by tests and by local runs started
// with DATABASE_URL=memory://local. Transactions are fully serialized, which
// stands in for the row locks a concurrent insert on a unique index takes in
// Postgres. A transaction works on a copy that replaces the committed state
// only when fn succeeds; savepoints nest the same way.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore returns a store seeded with the default free tier.
func NewMemoryStore() *MemoryStore {
	st := &memState{
		users:  map[string]types.User{},
		tiers:  map[string]types.SubscriptionTier{},
		subs:   map[string]types.Subscription{},
		events: map[string]types.ProcessedEvent{},
		usage:  map[usageKey]types.DailyUsage{},
	}
	free := TierDefaults(types.TierFree)
	free.ID = "tier_free"
	st.tiers[free.ID] = free
	return &MemoryStore{state: st}
}

func (m *MemoryStore) view() *memView   { return &memView{mu: &m.mu, get: func() *memState { return m.state }} }
func (m *MemoryStore) Users() UserStore { return memUsers{m.view()} }
func (m *MemoryStore) Tiers() TierStore { return memTiers{m.view()} }
func (m *MemoryStore) Events() EventLedger {
	return memEvents{m.view()}
}
func (m *MemoryStore) Subscriptions() SubscriptionStore { return memSubs{m.view()} }
func (m *MemoryStore) Usage() UsageStore                { return memUsage{m.view()} }

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// snapshot returns a copy of the committed state for assertions.
func (m *MemoryStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

type memTx struct {
	state *memState
}

func (t *memTx) view() *memView                   { return &memView{get: func() *memState { return t.state }} }
func (t *memTx) Users() UserStore                 { return memUsers{t.view()} }
func (t *memTx) Tiers() TierStore                 { return memTiers{t.view()} }
func (t *memTx) Events() EventLedger              { return memEvents{t.view()} }
func (t *memTx) Subscriptions() SubscriptionStore { return memSubs{t.view()} }
func (t *memTx) Usage() UsageStore                { return memUsage{t.view()} }

func (t *memTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	work := t.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	*t.state = *work
	return nil
}

// memView reads and writes one state. mu is set only outside transactions.
type memView struct {
	mu  *sync.Mutex
	get func() *memState
}

func (v *memView) with(fn func(s *memState) error) error {
	if v.mu != nil {
		v.mu.Lock()
		defer v.mu.Unlock()
	}
	return fn(v.get())
}

func notFound(code types.ErrorCode) error {
	return types.NewAppError(code, "not found", nil)
}

// ---------------------------------------------------------------------------
// users

type memUsers struct{ *memView }

func (u memUsers) find(match func(types.User) bool, code types.ErrorCode) (*types.User, error) {
	var out *types.User
	err := u.with(func(s *memState) error {
		for _, id := range slices.Sorted(maps.Keys(s.users)) {
			if usr := s.users[id]; match(usr) {
				out = &usr
				return nil
			}
		}
		return notFound(code)
	})
	return out, err
}

func (u memUsers) GetByID(ctx context.Context, id string) (*types.User, error) {
	return u.find(func(x types.User) bool { return x.ID == id }, types.ErrCodeNotFoundUser)
}

func (u memUsers) GetByClerkID(ctx context.Context, clerkID string) (*types.User, error) {
	return u.find(func(x types.User) bool { return x.ClerkID == clerkID }, types.ErrCodeNotFoundUser)
}

func (u memUsers) GetByReference(ctx context.Context, ref string) (*types.User, error) {
	if usr, err := u.GetByID(ctx, ref); err == nil {
		return usr, nil
	}
	return u.GetByClerkID(ctx, ref)
}

func (u memUsers) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.User, error) {
	return u.find(func(x types.User) bool {
		return customerID != "" && x.StripeCustomerID == customerID
	}, types.ErrCodeNotFoundUser)
}

func (u memUsers) CreateIfAbsent(ctx context.Context, clerkID, email, tierName string) (*types.User, error) {
	var out types.User
	err := u.with(func(s *memState) error {
		for _, existing := range s.users {
			if existing.ClerkID == clerkID {
				out = existing
				return nil
			}
		}
		now := time.Now().UTC()
		out = types.User{ID: s.nextID("usr"), ClerkID: clerkID, Email: email, SubscriptionTier: tierName, CreatedAt: now, UpdatedAt: now}
		s.users[out.ID] = out
		return nil
	})
	return &out, err
}

func (u memUsers) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	return u.with(func(s *memState) error {
		for _, other := range s.users {
			if other.ID != userID && other.StripeCustomerID == customerID {
				return types.NewAppError(types.ErrCodeConflictCustomerLinked, "linked elsewhere", nil)
			}
		}
		usr, ok := s.users[userID]
		if !ok || (usr.StripeCustomerID != "" && usr.StripeCustomerID != customerID) {
			return notFound(types.ErrCodeNotFoundUser)
		}
		usr.StripeCustomerID = customerID
		s.users[userID] = usr
		return nil
	})
}

func (u memUsers) UpdateTierLabel(ctx context.Context, userID, tierName string) error {
	return u.with(func(s *memState) error {
		usr, ok := s.users[userID]
		if !ok {
			return notFound(types.ErrCodeNotFoundUser)
		}
		usr.SubscriptionTier = tierName
		s.users[userID] = usr
		return nil
	})
}

// ---------------------------------------------------------------------------
// tiers

type memTiers struct{ *memView }

func (t memTiers) find(match func(types.SubscriptionTier) bool) (*types.SubscriptionTier, error) {
	var out *types.SubscriptionTier
	err := t.with(func(s *memState) error {
		for _, tier := range s.tiers {
			if match(tier) {
				out = &tier
				return nil
			}
		}
		return notFound(types.ErrCodeNotFoundTier)
	})
	return out, err
}

func (t memTiers) GetByName(ctx context.Context, name string) (*types.SubscriptionTier, error) {
	return t.find(func(x types.SubscriptionTier) bool { return x.Name == name })
}

func (t memTiers) GetByID(ctx context.Context, id string) (*types.SubscriptionTier, error) {
	return t.find(func(x types.SubscriptionTier) bool { return x.ID == id })
}

func (t memTiers) GetDefault(ctx context.Context) (*types.SubscriptionTier, error) {
	return t.find(func(x types.SubscriptionTier) bool { return x.IsDefault })
}

func (t memTiers) Ensure(ctx context.Context, tmpl types.SubscriptionTier) (*types.SubscriptionTier, bool, error) {
	var (
		out     types.SubscriptionTier
		created bool
	)
	err := t.with(func(s *memState) error {
		hasDefault := false
		for _, tier := range s.tiers {
			if tier.Name == tmpl.Name {
				out = tier
				return nil
			}
			hasDefault = hasDefault || tier.IsDefault
		}
		out = tmpl
		out.ID = s.nextID("tier")
		out.IsDefault = tmpl.IsDefault && !hasDefault
		out.CreatedAt = time.Now().UTC()
		s.tiers[out.ID] = out
		created = true
		return nil
	})
	return &out, created, err
}

func (t memTiers) List(ctx context.Context) ([]types.SubscriptionTier, error) {
	var out []types.SubscriptionTier
	err := t.with(func(s *memState) error {
		out = slices.Collect(maps.Values(s.tiers))
		slices.SortFunc(out, func(a, b types.SubscriptionTier) int {
			return cmp.Or(cmp.Compare(a.PriceMonthly, b.PriceMonthly), strings.Compare(a.Name, b.Name))
		})
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// subscriptions

type memSubs struct{ *memView }

func (m memSubs) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	var out *types.Subscription
	err := m.with(func(s *memState) error {
		sub, ok := s.subs[userID]
		if !ok {
			return notFound(types.ErrCodeNotFoundSubscription)
		}
		out = &sub
		return nil
	})
	return out, err
}

func (m memSubs) GetByStripeID(ctx context.Context, stripeID string) (*types.Subscription, error) {
	var out *types.Subscription
	err := m.with(func(s *memState) error {
		for _, sub := range s.subs {
			if sub.StripeSubscriptionID == stripeID {
				out = &sub
				return nil
			}
		}
		return notFound(types.ErrCodeNotFoundSubscription)
	})
	return out, err
}

func (m memSubs) UpsertForUser(ctx context.Context, sub *types.Subscription) error {
	return m.with(func(s *memState) error {
		for _, other := range s.subs {
			if other.UserID != sub.UserID && sub.StripeSubscriptionID != "" && other.StripeSubscriptionID == sub.StripeSubscriptionID {
				return types.NewAppError(types.ErrCodeConflictCustomerLinked, "linked elsewhere", nil)
			}
		}
		now := time.Now().UTC()
		if existing, ok := s.subs[sub.UserID]; ok {
			sub.ID, sub.CreatedAt = existing.ID, existing.CreatedAt
		} else {
			sub.ID, sub.CreatedAt = s.nextID("subs"), now
		}
		sub.UpdatedAt = now
		s.subs[sub.UserID] = *sub
		return nil
	})
}

func (m memSubs) CreateDefault(ctx context.Context, userID, tierID string, periodEnd time.Time) error {
	return m.with(func(s *memState) error {
		if _, ok := s.subs[userID]; ok {
			return nil
		}
		now := time.Now().UTC()
		s.subs[userID] = types.Subscription{
			ID: s.nextID("subs"), UserID: userID, TierID: tierID, Status: types.SubscriptionActive,
			CurrentPeriodEnd: periodEnd, CreatedAt: now, UpdatedAt: now,
		}
		return nil
	})
}

func (m memSubs) update(stripeID string, fn func(*types.Subscription)) (bool, error) {
	found := false
	err := m.with(func(s *memState) error {
		for userID, sub := range s.subs {
			if sub.StripeSubscriptionID == stripeID {
				fn(&sub)
				sub.UpdatedAt = time.Now().UTC()
				s.subs[userID] = sub
				found = true
			}
		}
		return nil
	})
	return found, err
}

func (m memSubs) SyncFromProvider(ctx context.Context, stripeID, tierID string, status types.SubscriptionStatus,
	periodEnd time.Time, cancelAtPeriodEnd bool) (bool, error) {
	return m.update(stripeID, func(sub *types.Subscription) {
		sub.TierID, sub.Status, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd = tierID, status, periodEnd, cancelAtPeriodEnd
	})
}

func (m memSubs) MarkCanceled(ctx context.Context, stripeID string) (bool, error) {
	return m.update(stripeID, func(sub *types.Subscription) {
		sub.Status, sub.CancelAtPeriodEnd = types.SubscriptionCanceled, false
	})
}

func (m memSubs) SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) error {
	return m.with(func(s *memState) error {
		sub, ok := s.subs[userID]
		if !ok {
			return notFound(types.ErrCodeNotFoundSubscription)
		}
		sub.CancelAtPeriodEnd = cancel
		s.subs[userID] = sub
		return nil
	})
}

// ---------------------------------------------------------------------------
// events

type memEvents struct{ *memView }

func (e memEvents) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := e.with(func(s *memState) error {
		_, ok = s.events[id]
		return nil
	})
	return ok, err
}

func (e memEvents) Claim(ctx context.Context, ev *types.ProcessedEvent) (bool, error) {
	claimed := false
	err := e.with(func(s *memState) error {
		if _, ok := s.events[ev.StripeEventID]; ok {
			return nil
		}
		ev.ID = s.nextID("sevt")
		ev.ReceivedAt = time.Now().UTC()
		ev.ProcessedAt = ev.ReceivedAt
		s.events[ev.StripeEventID] = *ev
		claimed = true
		return nil
	})
	return claimed, err
}

func (e memEvents) Finish(ctx context.Context, id string, status types.EventStatus, errText string) error {
	return e.with(func(s *memState) error {
		row, ok := s.events[id]
		if !ok {
			return notFound(types.ErrCodeNotFoundEvent)
		}
		row.Status, row.Error, row.ProcessedAt = status, errText, time.Now().UTC()
		s.events[id] = row
		return nil
	})
}

func (e memEvents) Get(ctx context.Context, id string) (*types.ProcessedEvent, error) {
	var out *types.ProcessedEvent
	err := e.with(func(s *memState) error {
		row, ok := s.events[id]
		if !ok {
			return notFound(types.ErrCodeNotFoundEvent)
		}
		out = &row
		return nil
	})
	return out, err
}

func (e memEvents) GetForUpdate(ctx context.Context, id string) (*types.ProcessedEvent, error) {
	return e.Get(ctx, id)
}

func (e memEvents) ListByStatus(ctx context.Context, status types.EventStatus, limit int) ([]types.ProcessedEvent, error) {
	var out []types.ProcessedEvent
	err := e.with(func(s *memState) error {
		for _, row := range s.events {
			if row.Status == status {
				out = append(out, row)
			}
		}
		slices.SortFunc(out, func(a, b types.ProcessedEvent) int { return a.ReceivedAt.Compare(b.ReceivedAt) })
		if len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// usage

type memUsage struct{ *memView }

func usageKeyFor(userID string, day time.Time) usageKey {
	return usageKey{userID: userID, day: day.UTC().Format(time.DateOnly)}
}

func (u memUsage) Increment(ctx context.Context, userID string, day time.Time, limit int) (int, bool, error) {
	var (
		count int
		ok    bool
	)
	err := u.with(func(s *memState) error {
		key := usageKeyFor(userID, day)
		row, exists := s.usage[key]
		if exists && limit > 0 && row.Count >= limit {
			return nil
		}
		if !exists {
			d, _ := time.Parse(time.DateOnly, key.day)
			row = types.DailyUsage{UserID: userID, Date: d}
		}
		row.Count++
		row.UpdatedAt = time.Now().UTC()
		s.usage[key] = row
		count, ok = row.Count, true
		return nil
	})
	return count, ok, err
}

func (u memUsage) CountForDay(ctx context.Context, userID string, day time.Time) (int, error) {
	var count int
	err := u.with(func(s *memState) error {
		count = s.usage[usageKeyFor(userID, day)].Count
		return nil
	})
	return count, err
}

func (u memUsage) History(ctx context.Context, userID string, start, end time.Time) ([]types.DailyUsage, error) {
	from, to := usageKeyFor(userID, start).day, usageKeyFor(userID, end).day
	var out []types.DailyUsage
	err := u.with(func(s *memState) error {
		for key, row := range s.usage {
			if key.userID == userID && key.day >= from && key.day <= to {
				out = append(out, row)
			}
		}
		slices.SortFunc(out, func(a, b types.DailyUsage) int { return a.Date.Compare(b.Date) })
		return nil
	})
	return out, err
}
