package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"subsBack/internal/models"
	"subsBack/internal/repositories"
)

type fakeGateway struct {
	mu           sync.Mutex
	fulfillments []struct {
		ReceiptID string
		Result    FulfillmentResult
	}
	updateRequests int
}

func (g *fakeGateway) Purchase(ctx context.Context, sku string) (string, error) {
	return "req-purchase", nil
}

func (g *fakeGateway) GetUserData(ctx context.Context) (string, error) {
	return "req-user", nil
}

func (g *fakeGateway) GetProductData(ctx context.Context, skus []string) (string, error) {
	return "req-product", nil
}

func (g *fakeGateway) GetPurchaseUpdates(ctx context.Context, reset bool) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updateRequests++
	return fmt.Sprintf("req-updates-%d", g.updateRequests), nil
}

func (g *fakeGateway) NotifyFulfillment(ctx context.Context, receiptID string, result FulfillmentResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fulfillments = append(g.fulfillments, struct {
		ReceiptID string
		Result    FulfillmentResult
	}{receiptID, result})
	return nil
}

type fakeVerifier struct {
	err      error
	receipts map[string]models.RVSReceipt
}

func (v *fakeVerifier) VerifyReceipt(ctx context.Context, userID, receiptID string) (models.RVSReceipt, error) {
	if v.err != nil {
		return models.RVSReceipt{}, v.err
	}
	if r, ok := v.receipts[receiptID]; ok {
		return r, nil
	}
	return models.RVSReceipt{ReceiptID: receiptID, ProductType: "SUBSCRIPTION"}, nil
}

type captureListener struct {
	mu      sync.Mutex
	states  []models.AvailabilityState
	notices []string
}

func (l *captureListener) SubscriptionAvailability(state models.AvailabilityState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *captureListener) Notice(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, message)
}

func (l *captureListener) last(t *testing.T) models.AvailabilityState {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		t.Fatal("no availability state pushed")
	}
	return l.states[len(l.states)-1]
}

func (l *captureListener) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = nil
	l.notices = nil
}

type managerFixture struct {
	manager  *IapManager
	store    *repositories.SubscriptionRepository
	gateway  *fakeGateway
	verifier *fakeVerifier
	listener *captureListener
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	store := repositories.NewSubscriptionRepository(filepath.Join(t.TempDir(), "subs.db"))
	gateway := &fakeGateway{}
	verifier := &fakeVerifier{}
	listener := &captureListener{}
	manager := NewIapManager(store, gateway, verifier, listener, models.DefaultCatalog(), slog.Default())
	if err := manager.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	t.Cleanup(func() { manager.Deactivate() })
	return &managerFixture{manager: manager, store: store, gateway: gateway, verifier: verifier, listener: listener}
}

func subscriptionReceipt(id string, purchase int64) models.Receipt {
	return models.Receipt{
		ReceiptID:    id,
		Sku:          models.PremiumSubscription.ID,
		ProductType:  models.ProductTypeSubscription,
		PurchaseDate: purchase,
	}
}

func TestSetUserRebuildsStatePerIdentity(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	for _, rec := range []models.SubscriptionRecord{
		{ReceiptID: "a-1", UserID: "user-a", PurchaseDate: 10, CancelDate: models.CancelDateNotSet, Sku: models.PremiumSubscription.ID},
		{ReceiptID: "b-1", UserID: "user-b", PurchaseDate: 20, CancelDate: 30, Sku: models.PremiumSubscription.ID},
	} {
		if err := f.store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	f.manager.SetUser(ctx, "user-a", "US")
	data, ok := f.manager.UserData()
	if !ok {
		t.Fatal("expected user data for user-a")
	}
	if len(data.Records) != 1 || data.Records[0].ReceiptID != "a-1" {
		t.Fatalf("expected only user-a records, got %+v", data.Records)
	}
	if !data.SubsActiveCurrently {
		t.Fatal("user-a has an uncancelled record, expected active subscription")
	}

	f.manager.SetUser(ctx, "user-b", "US")
	data, ok = f.manager.UserData()
	if !ok {
		t.Fatal("expected user data for user-b")
	}
	if len(data.Records) != 1 || data.Records[0].ReceiptID != "b-1" {
		t.Fatalf("cross-user leakage: %+v", data.Records)
	}
	if data.SubsActiveCurrently {
		t.Fatal("user-b's only record is cancelled, expected inactive")
	}
}

func TestSetUserIsIdempotentForSameIdentity(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.manager.SetUser(ctx, "user-a", "US")
	pushes := len(f.listener.states)
	f.manager.SetUser(ctx, "user-a", "US")
	if len(f.listener.states) != pushes {
		t.Fatalf("repeated SetUser recomputed availability: %d -> %d pushes", pushes, len(f.listener.states))
	}
}

func TestClearingIdentityDisablesAvailability(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.manager.EnableSkus(map[string]models.Product{
		models.PremiumSubscription.ID: {Sku: models.PremiumSubscription.ID, ProductType: models.ProductTypeSubscription},
	})
	f.manager.SetUser(ctx, "user-a", "US")
	if state := f.listener.last(t); !state.ProductAvailable {
		t.Fatal("expected product available with identity and enabled sku")
	}

	f.manager.SetUser(ctx, "", "")
	state := f.listener.last(t)
	if state.ProductAvailable || state.UserCanSubscribe {
		t.Fatalf("expected everything unavailable with no identity, got %+v", state)
	}
}

func TestHandleReceiptPersistsAndFulfills(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.manager.SetUser(ctx, "user-a", "US")

	f.manager.HandleReceipt(ctx, subscriptionReceipt("receipt-1", 1000), models.UserData{UserID: "user-a", Marketplace: "US"})

	rec, err := f.store.ByReceiptID(ctx, "receipt-1")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.CancelDate != models.CancelDateNotSet {
		t.Fatalf("fresh purchase must carry the not-cancelled sentinel, got %d", rec.CancelDate)
	}
	if rec.AcknowledgedAt == 0 {
		t.Fatal("record should be marked acknowledged after fulfillment")
	}
	if len(f.gateway.fulfillments) != 1 {
		t.Fatalf("expected exactly one fulfillment, got %d", len(f.gateway.fulfillments))
	}
	if got := f.gateway.fulfillments[0]; got.ReceiptID != "receipt-1" || got.Result != FulfillmentFulfilled {
		t.Fatalf("unexpected fulfillment %+v", got)
	}
}

func TestHandleReceiptVerificationFailure(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.manager.SetUser(ctx, "user-a", "US")
	f.verifier.err = errors.New("rvs says no")

	f.manager.HandleReceipt(ctx, subscriptionReceipt("receipt-1", 1000), models.UserData{UserID: "user-a", Marketplace: "US"})

	if _, err := f.store.ByReceiptID(ctx, "receipt-1"); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("unverified receipt must not be persisted, got %v", err)
	}
	if len(f.gateway.fulfillments) != 0 {
		t.Fatalf("unverified receipt must not be fulfilled, got %+v", f.gateway.fulfillments)
	}
	if len(f.listener.notices) == 0 {
		t.Fatal("expected a user-visible verification notice")
	}
}

func TestHandleReceiptStaleSku(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.manager.SetUser(ctx, "user-a", "US")

	receipt := subscriptionReceipt("receipt-1", 1000)
	receipt.Sku = "com.testapp.amazontvsample.retired"
	f.manager.HandleReceipt(ctx, receipt, models.UserData{UserID: "user-a", Marketplace: "US"})

	if _, err := f.store.ByReceiptID(ctx, "receipt-1"); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("stale-sku receipt must not be persisted, got %v", err)
	}
	if len(f.gateway.fulfillments) != 1 {
		t.Fatalf("expected exactly one acknowledgment, got %d", len(f.gateway.fulfillments))
	}
	if got := f.gateway.fulfillments[0]; got.Result != FulfillmentUnavailable {
		t.Fatalf("expected UNAVAILABLE acknowledgment, got %+v", got)
	}
}

func TestMarketplaceMismatchIsStale(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.manager.SetUser(ctx, "user-a", "DE")

	f.manager.HandleReceipt(ctx, subscriptionReceipt("receipt-1", 1000), models.UserData{UserID: "user-a", Marketplace: "DE"})

	if len(f.gateway.fulfillments) != 1 || f.gateway.fulfillments[0].Result != FulfillmentUnavailable {
		t.Fatalf("sku restricted to US must be unavailable for DE, got %+v", f.gateway.fulfillments)
	}
}

func TestCancelledReceiptRevokesAndReopensSubscription(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.manager.EnableSkus(map[string]models.Product{
		models.PremiumSubscription.ID: {Sku: models.PremiumSubscription.ID, ProductType: models.ProductTypeSubscription},
	})
	f.manager.SetUser(ctx, "user-a", "US")

	f.manager.HandleReceipt(ctx, subscriptionReceipt("receipt-1", 1000), models.UserData{UserID: "user-a", Marketplace: "US"})
	if err := f.manager.ReloadSubscriptionStatus(ctx); err != nil {
		t.Fatalf("ReloadSubscriptionStatus: %v", err)
	}
	if state := f.listener.last(t); state.UserCanSubscribe {
		t.Fatal("active subscriber must not be offered the subscription again")
	}

	cancelled := subscriptionReceipt("receipt-1", 1000)
	cancelled.Canceled = true
	cancelled.CancelDate = 2000
	f.manager.HandleReceipt(ctx, cancelled, models.UserData{UserID: "user-a", Marketplace: "US"})
	if err := f.manager.ReloadSubscriptionStatus(ctx); err != nil {
		t.Fatalf("ReloadSubscriptionStatus: %v", err)
	}

	rec, err := f.store.ByReceiptID(ctx, "receipt-1")
	if err != nil {
		t.Fatalf("ByReceiptID: %v", err)
	}
	if rec.CancelDate != 2000 {
		t.Fatalf("expected cancel date 2000, got %d", rec.CancelDate)
	}
	if state := f.listener.last(t); !state.UserCanSubscribe {
		t.Fatal("after revocation the user should be able to subscribe again")
	}
}

func TestRevocationForUnknownReceiptIsQuiet(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.manager.SetUser(ctx, "user-a", "US")
	f.listener.reset()

	cancelled := subscriptionReceipt("never-seen", 1000)
	cancelled.Canceled = true
	cancelled.CancelDate = 2000
	f.manager.HandleReceipt(ctx, cancelled, models.UserData{UserID: "user-a", Marketplace: "US"})

	if len(f.listener.notices) != 0 {
		t.Fatalf("unknown-receipt revocation should not alert the user, got %v", f.listener.notices)
	}
	if len(f.gateway.fulfillments) != 0 {
		t.Fatalf("revocation must not acknowledge fulfillment, got %+v", f.gateway.fulfillments)
	}
}

func TestNonSubscriptionReceiptsIgnored(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.manager.SetUser(ctx, "user-a", "US")

	receipt := subscriptionReceipt("receipt-1", 1000)
	receipt.ProductType = models.ProductTypeConsumable
	f.manager.HandleReceipt(ctx, receipt, models.UserData{UserID: "user-a", Marketplace: "US"})

	if _, err := f.store.ByReceiptID(ctx, "receipt-1"); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("consumable receipts are out of scope, got %v", err)
	}
}

func TestDisableSkusNotifies(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.EnableSkus(map[string]models.Product{
		models.PremiumSubscription.ID: {Sku: models.PremiumSubscription.ID, ProductType: models.ProductTypeSubscription},
	})
	f.manager.DisableSkus([]string{models.PremiumSubscription.ID})
	if len(f.listener.notices) == 0 {
		t.Fatal("expected a notice when the tracked sku is pulled")
	}
	f.manager.DisableSkus([]string{"some.unknown.sku"})
	if len(f.listener.notices) != 1 {
		t.Fatal("unknown skus must be ignored")
	}
}

func TestRetryUnacknowledgedResendsFulfillment(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	// Simulate a crash between the store write and the vendor notification.
	rec := models.SubscriptionRecord{
		ReceiptID:    "receipt-1",
		UserID:       "user-a",
		PurchaseDate: 1000,
		CancelDate:   models.CancelDateNotSet,
		Sku:          models.PremiumSubscription.ID,
	}
	if err := f.store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	retried, err := f.manager.RetryUnacknowledged(ctx, 10)
	if err != nil {
		t.Fatalf("RetryUnacknowledged: %v", err)
	}
	if retried != 1 {
		t.Fatalf("retried = %d, want 1", retried)
	}
	if len(f.gateway.fulfillments) != 1 || f.gateway.fulfillments[0].Result != FulfillmentFulfilled {
		t.Fatalf("fulfillments = %+v, want one FULFILLED", f.gateway.fulfillments)
	}

	retried, err = f.manager.RetryUnacknowledged(ctx, 10)
	if err != nil {
		t.Fatalf("RetryUnacknowledged second pass: %v", err)
	}
	if retried != 0 {
		t.Fatalf("acknowledged records must not be retried, got %d", retried)
	}
}
