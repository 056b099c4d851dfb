package order

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bundl/bundl/pkg/credit"
	"github.com/bundl/bundl/pkg/user"
)

// fakeLedger is an in-memory stand-in for pkg/credit.Ledger.
type fakeLedger struct {
	balances map[uuid.UUID]int
}

func newFakeLedger(balances map[uuid.UUID]int) *fakeLedger {
	return &fakeLedger{balances: balances}
}

func (f *fakeLedger) TryDebit(_ context.Context, userID uuid.UUID, amount int) error {
	if f.balances[userID] < amount {
		return credit.ErrInsufficientCredits
	}
	f.balances[userID] -= amount
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, userID uuid.UUID, amount int) error {
	f.balances[userID] += amount
	return nil
}

// fakeStore is an in-memory stand-in for Store.
type fakeStore struct {
	orders map[uuid.UUID]*Order
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[uuid.UUID]*Order{}}
}

func (f *fakeStore) Insert(_ context.Context, o *Order) error {
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	f.orders[o.ID] = o.Clone()
	return nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return o.Clone(), nil
}

func (f *fakeStore) SyncPledge(_ context.Context, id uuid.UUID, pledgeMap map[string]float64, totalPledge float64, totalUsers int) error {
	o, ok := f.orders[id]
	if !ok {
		return errors.New("not found")
	}
	o.PledgeMap = pledgeMap
	o.TotalPledge = totalPledge
	o.TotalUsers = totalUsers
	return nil
}

func (f *fakeStore) Complete(_ context.Context, id uuid.UUID, pledgeMap map[string]float64, totalPledge float64, totalUsers int) (bool, error) {
	o, ok := f.orders[id]
	if !ok || o.Status != StatusActive {
		return false, nil
	}
	o.Status = StatusComplete
	o.PledgeMap = pledgeMap
	o.TotalPledge = totalPledge
	o.TotalUsers = totalUsers
	return true, nil
}

func (f *fakeStore) Expire(_ context.Context, id uuid.UUID) (*Order, bool, error) {
	o, ok := f.orders[id]
	if !ok || o.Status != StatusActive {
		return nil, false, nil
	}
	o.Status = StatusExpired
	return o.Clone(), true, nil
}

func (f *fakeStore) ListActive(_ context.Context) ([]*Order, error) {
	var out []*Order
	for _, o := range f.orders {
		if o.Status == StatusActive {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// fakeCache is an in-memory stand-in for Cache, including a Go port of the
// pledge Lua script's semantics so the engine's control flow can be tested
// without a Redis server. It tracks the geo entry and participants set
// alongside the snapshot (mirroring the real script's three correlated
// keys) so tests can assert all three disappear together on completion.
type fakeCache struct {
	snapshots    map[uuid.UUID]*Order
	geoMembers   map[uuid.UUID]bool
	participants map[uuid.UUID]map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		snapshots:    map[uuid.UUID]*Order{},
		geoMembers:   map[uuid.UUID]bool{},
		participants: map[uuid.UUID]map[string]bool{},
	}
}

func (f *fakeCache) Put(_ context.Context, o *Order, _ time.Duration) error {
	f.snapshots[o.ID] = o.Clone()
	f.geoMembers[o.ID] = true
	set := map[string]bool{}
	for _, p := range o.Participants() {
		set[p.String()] = true
	}
	f.participants[o.ID] = set
	return nil
}

func (f *fakeCache) Get(_ context.Context, id uuid.UUID) (*Order, error) {
	o, ok := f.snapshots[id]
	if !ok {
		return nil, ErrCacheMiss
	}
	return o.Clone(), nil
}

func (f *fakeCache) Remove(_ context.Context, id uuid.UUID) error {
	delete(f.snapshots, id)
	delete(f.geoMembers, id)
	delete(f.participants, id)
	return nil
}

func (f *fakeCache) NearbyIDs(_ context.Context, _, _, _ float64) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(f.snapshots))
	for id := range f.snapshots {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeCache) ApplyPledge(_ context.Context, orderID, userID uuid.UUID, amount float64) (PledgeOutcome, *Order, error) {
	o, ok := f.snapshots[orderID]
	if !ok {
		return PledgeOrderNotFound, nil, nil
	}
	if o.Status == StatusComplete {
		return PledgeOrderFull, nil, nil
	}
	if o.Status != StatusActive {
		return PledgeOrderNotActive, nil, nil
	}

	if _, exists := o.PledgeMap[userID.String()]; !exists {
		o.TotalUsers++
	}
	o.PledgeMap[userID.String()] += amount
	o.TotalPledge += amount

	outcome := PledgeApplied
	if o.TotalPledge >= o.AmountNeeded {
		o.Status = StatusComplete
		outcome = PledgeCompletedOrder
		// Mirrors the Lua script's in-script DEL/DEL/ZREM: snapshot, geo
		// entry, and participants set all disappear in this one call.
		delete(f.snapshots, orderID)
		delete(f.geoMembers, orderID)
		delete(f.participants, orderID)
		return outcome, o.Clone(), nil
	}

	if f.participants[orderID] == nil {
		f.participants[orderID] = map[string]bool{}
	}
	f.participants[orderID][userID.String()] = true
	f.snapshots[orderID] = o
	return outcome, o.Clone(), nil
}

// fakeUsers is an in-memory stand-in for pkg/user.Service's Get method.
type fakeUsers struct {
	byID map[uuid.UUID]user.User
}

func (f *fakeUsers) Get(_ context.Context, id uuid.UUID) (user.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return user.User{}, errors.New("user not found")
	}
	return u, nil
}

func testEngine(t *testing.T, balances map[uuid.UUID]int) (*Engine, *fakeStore, *fakeCache, *fakeLedger) {
	t.Helper()
	store := newFakeStore()
	cache := newFakeCache()
	ledger := newFakeLedger(balances)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e := newEngine(store, cache, ledger, nil, nil, logger, Config{
		CreditCostPerAction: 1,
		DefaultExpiry:       15 * time.Minute,
		OrderMinAmount:      1,
		PledgeMinAmount:     1,
	})
	return e, store, cache, ledger
}

func TestEngineCreateOrder(t *testing.T) {
	creatorID := uuid.New()
	e, store, cache, ledger := testEngine(t, map[uuid.UUID]int{creatorID: 5})

	o, err := e.CreateOrder(context.Background(), creatorID, 20, "doordash", 37.7, -122.4, 0, 0)
	if err != nil {
		t.Fatalf("CreateOrder: unexpected error: %v", err)
	}
	if ledger.balances[creatorID] != 4 {
		t.Fatalf("expected creator balance 4 after create fee, got %d", ledger.balances[creatorID])
	}
	if _, ok := store.orders[o.ID]; !ok {
		t.Fatal("expected order to be persisted in durable store")
	}
	if _, ok := cache.snapshots[o.ID]; !ok {
		t.Fatal("expected order to be written to live cache")
	}
}

func TestEngineCreateOrderInsufficientCredits(t *testing.T) {
	creatorID := uuid.New()
	e, _, _, ledger := testEngine(t, map[uuid.UUID]int{creatorID: 0})

	_, err := e.CreateOrder(context.Background(), creatorID, 20, "doordash", 37.7, -122.4, 0, 0)
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if ledger.balances[creatorID] != 0 {
		t.Fatalf("balance should be unchanged, got %d", ledger.balances[creatorID])
	}
}

func TestEnginePledgeCompletesOrder(t *testing.T) {
	creatorID, pledgerID := uuid.New(), uuid.New()
	e, store, cache, ledger := testEngine(t, map[uuid.UUID]int{creatorID: 5, pledgerID: 5})

	o, err := e.CreateOrder(context.Background(), creatorID, 10, "doordash", 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	updated, err := e.PledgeToOrder(context.Background(), o.ID, pledgerID, 10)
	if err != nil {
		t.Fatalf("PledgeToOrder: unexpected error: %v", err)
	}
	if updated.Status != StatusComplete {
		t.Fatalf("expected order COMPLETE, got %s", updated.Status)
	}
	if ledger.balances[pledgerID] != 4 {
		t.Fatalf("expected pledger balance 4 after pledge fee, got %d", ledger.balances[pledgerID])
	}
	if store.orders[o.ID].Status != StatusComplete {
		t.Fatal("expected durable store to reflect COMPLETE status")
	}
	if _, stillCached := cache.snapshots[o.ID]; stillCached {
		t.Fatal("expected completed order to be removed from live cache")
	}
}

func TestEnginePledgeToMissingOrderRefunds(t *testing.T) {
	pledgerID := uuid.New()
	e, _, _, ledger := testEngine(t, map[uuid.UUID]int{pledgerID: 5})

	_, err := e.PledgeToOrder(context.Background(), uuid.New(), pledgerID, 5)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ledger.balances[pledgerID] != 5 {
		t.Fatalf("expected pledge fee to be refunded, got balance %d", ledger.balances[pledgerID])
	}
}

func TestEnginePledgeToFullyPledgedOrderRefunds(t *testing.T) {
	creatorID, firstPledger, secondPledger := uuid.New(), uuid.New(), uuid.New()
	e, _, _, ledger := testEngine(t, map[uuid.UUID]int{creatorID: 5, firstPledger: 5, secondPledger: 5})

	o, err := e.CreateOrder(context.Background(), creatorID, 10, "doordash", 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := e.PledgeToOrder(context.Background(), o.ID, firstPledger, 10); err != nil {
		t.Fatalf("first pledge: %v", err)
	}

	_, err = e.PledgeToOrder(context.Background(), o.ID, secondPledger, 5)
	if !errors.Is(err, ErrFullyPledged) {
		t.Fatalf("expected ErrFullyPledged, got %v", err)
	}
	if ledger.balances[secondPledger] != 5 {
		t.Fatalf("expected second pledger's fee to be refunded, got %d", ledger.balances[secondPledger])
	}
}

func TestEngineHandleExpiryRefundsParticipantsOnce(t *testing.T) {
	creatorID, pledgerID := uuid.New(), uuid.New()
	e, store, cache, ledger := testEngine(t, map[uuid.UUID]int{creatorID: 5, pledgerID: 5})

	o, err := e.CreateOrder(context.Background(), creatorID, 100, "doordash", 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := e.PledgeToOrder(context.Background(), o.ID, pledgerID, 10); err != nil {
		t.Fatalf("PledgeToOrder: %v", err)
	}

	balanceBeforeExpiry := ledger.balances[pledgerID]
	delete(cache.snapshots, o.ID) // simulate Redis TTL eviction

	e.HandleExpiry(context.Background(), o.ID)
	if store.orders[o.ID].Status != StatusExpired {
		t.Fatalf("expected order EXPIRED, got %s", store.orders[o.ID].Status)
	}
	if ledger.balances[pledgerID] != balanceBeforeExpiry+1 {
		t.Fatalf("expected pledger to be refunded once, got balance %d", ledger.balances[pledgerID])
	}

	// A duplicate delivery of the same expiry event must not double-refund.
	e.HandleExpiry(context.Background(), o.ID)
	if ledger.balances[pledgerID] != balanceBeforeExpiry+1 {
		t.Fatalf("expected no additional refund on duplicate expiry, got balance %d", ledger.balances[pledgerID])
	}
}

func TestEngineGetOrderStatusFallsBackToStore(t *testing.T) {
	creatorID := uuid.New()
	e, store, cache, _ := testEngine(t, map[uuid.UUID]int{creatorID: 5})

	o, err := e.CreateOrder(context.Background(), creatorID, 10, "doordash", 0, 0, 4, 0)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	delete(cache.snapshots, o.ID)
	store.orders[o.ID].Status = StatusExpired

	got, err := e.GetOrderStatus(context.Background(), creatorID, o.ID)
	if err != nil {
		t.Fatalf("GetOrderStatus: unexpected error: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected status EXPIRED from durable fallback, got %s", got.Status)
	}
	if got.Note == "" {
		t.Fatal("expected a refund note for an expired order")
	}
}

func TestEngineGetOrderStatusRejectsNonParticipant(t *testing.T) {
	creatorID, strangerID := uuid.New(), uuid.New()
	e, _, _, _ := testEngine(t, map[uuid.UUID]int{creatorID: 5})

	o, err := e.CreateOrder(context.Background(), creatorID, 10, "doordash", 0, 0, 4, 0)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	_, err = e.GetOrderStatus(context.Background(), strangerID, o.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a non-participant caller, got %v", err)
	}
}

func TestEngineGetOrderStatusRedactsActiveOrderToOwnPledge(t *testing.T) {
	creatorID, firstPledger, secondPledger := uuid.New(), uuid.New(), uuid.New()
	e, _, _, _ := testEngine(t, map[uuid.UUID]int{creatorID: 5, firstPledger: 5, secondPledger: 5})

	o, err := e.CreateOrder(context.Background(), creatorID, 100, "doordash", 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := e.PledgeToOrder(context.Background(), o.ID, firstPledger, 10); err != nil {
		t.Fatalf("first pledge: %v", err)
	}
	if _, err := e.PledgeToOrder(context.Background(), o.ID, secondPledger, 20); err != nil {
		t.Fatalf("second pledge: %v", err)
	}

	view, err := e.GetOrderStatus(context.Background(), firstPledger, o.ID)
	if err != nil {
		t.Fatalf("GetOrderStatus: unexpected error: %v", err)
	}
	if len(view.PledgeMap) != 1 {
		t.Fatalf("expected pledge_map redacted to the caller's own entry, got %v", view.PledgeMap)
	}
	if view.PledgeMap[firstPledger.String()] != 10 {
		t.Fatalf("expected caller's own pledge of 10, got %v", view.PledgeMap)
	}
}

func TestEngineGetOrderStatusRevealsPhoneNumbersOnCompletion(t *testing.T) {
	creatorID, pledgerID := uuid.New(), uuid.New()
	store := newFakeStore()
	cache := newFakeCache()
	ledger := newFakeLedger(map[uuid.UUID]int{creatorID: 5, pledgerID: 5})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	users := &fakeUsers{byID: map[uuid.UUID]user.User{
		creatorID: {ID: creatorID, PhoneNumber: "+15550001111"},
		pledgerID: {ID: pledgerID, PhoneNumber: "+15550002222"},
	}}
	e := newEngine(store, cache, ledger, nil, users, logger, Config{
		CreditCostPerAction: 1,
		DefaultExpiry:       15 * time.Minute,
		OrderMinAmount:      1,
		PledgeMinAmount:     1,
	})

	o, err := e.CreateOrder(context.Background(), creatorID, 10, "doordash", 0, 0, 4, 0)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := e.PledgeToOrder(context.Background(), o.ID, pledgerID, 10); err != nil {
		t.Fatalf("PledgeToOrder: %v", err)
	}

	view, err := e.GetOrderStatus(context.Background(), pledgerID, o.ID)
	if err != nil {
		t.Fatalf("GetOrderStatus: unexpected error: %v", err)
	}
	if view.Status != StatusComplete {
		t.Fatalf("expected COMPLETED, got %s", view.Status)
	}
	if view.PhoneNumbers[pledgerID.String()] != "+15550002222" {
		t.Fatalf("expected pledger phone number revealed, got %v", view.PhoneNumbers)
	}
	if view.PhoneNumbers[creatorID.String()] != "+15550001111" {
		t.Fatalf("expected creator phone number revealed, got %v", view.PhoneNumbers)
	}
}

func TestEngineCreateOrderWithInitialPledgeAndCustomExpiry(t *testing.T) {
	creatorID := uuid.New()
	e, store, cache, _ := testEngine(t, map[uuid.UUID]int{creatorID: 5})

	o, err := e.CreateOrder(context.Background(), creatorID, 50, "doordash", 0, 0, 40, 60)
	if err != nil {
		t.Fatalf("CreateOrder: unexpected error: %v", err)
	}
	if o.TotalPledge != 40 || o.TotalUsers != 1 {
		t.Fatalf("expected initial pledge seeded, got total_pledge=%v total_users=%d", o.TotalPledge, o.TotalUsers)
	}
	if o.PledgeMap[creatorID.String()] != 40 {
		t.Fatalf("expected creator's own initial pledge recorded, got %v", o.PledgeMap)
	}
	if o.TTLSeconds != 60 {
		t.Fatalf("expected custom expiry of 60s, got %d", o.TTLSeconds)
	}
	if store.orders[o.ID].TotalPledge != 40 {
		t.Fatal("expected initial pledge persisted in durable store")
	}
	if cache.snapshots[o.ID].TotalPledge != 40 {
		t.Fatal("expected initial pledge persisted in live cache")
	}
}
