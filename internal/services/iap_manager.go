package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"subsBack/internal/models"
	"subsBack/internal/repositories"
)

// ReceiptVerifier confirms receipts with the vendor's verification service.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, userID, receiptID string) (models.RVSReceipt, error)
}

// AvailabilityListener receives the purchasability flags and user-visible
// notices. Notifications are delivered synchronously under the manager lock,
// so implementations must not call back into the manager.
type AvailabilityListener interface {
	SubscriptionAvailability(state models.AvailabilityState)
	Notice(message string)
}

// IapManager coordinates identity, catalog availability, receipt handling and
// the durable record store. All mutations are serialized by a single mutex:
// purchase callbacks and history-reload callbacks may overlap in this runtime.
type IapManager struct {
	mu sync.Mutex

	store    *repositories.SubscriptionRepository
	gateway  PurchaseGateway
	verifier ReceiptVerifier
	listener AvailabilityListener
	catalog  models.Catalog
	logger   *slog.Logger

	subscriptionAvailable bool
	userData              *models.UserIapData

	now func() time.Time
}

func NewIapManager(store *repositories.SubscriptionRepository, gateway PurchaseGateway, verifier ReceiptVerifier, listener AvailabilityListener, catalog models.Catalog, logger *slog.Logger) *IapManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &IapManager{
		store:    store,
		gateway:  gateway,
		verifier: verifier,
		listener: listener,
		catalog:  catalog,
		logger:   logger,
		now:      time.Now,
	}
}

// Activate opens the record store. Paired with Deactivate around the
// consuming session's active lifetime; both are idempotent.
func (m *IapManager) Activate(ctx context.Context) error {
	return m.store.Open(ctx)
}

// Deactivate closes the record store.
func (m *IapManager) Deactivate() error {
	return m.store.Close()
}

// SetUser replaces the tracked vendor identity. An empty userID clears
// identity (no registered customer); a changed userID discards the previous
// user's aggregate, reloads the new user's history and recomputes
// availability. Setting the same identity again is a no-op.
func (m *IapManager) SetUser(ctx context.Context, userID, marketplace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID == "" {
		if m.userData != nil {
			m.userData = nil
			m.refreshLocked("")
		}
		return
	}
	if m.userData != nil && m.userData.Identity.UserID == userID {
		return
	}
	m.userData = models.NewUserIapData(userID, marketplace)
	m.reloadLocked(ctx)
}

// AdoptIdentity records the identity delivered with a history page without
// recomputing availability. Replay pages must all be applied before the
// final recompute, otherwise the UI flickers through a stale state.
func (m *IapManager) AdoptIdentity(user models.UserData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.UserID == "" {
		m.userData = nil
		return
	}
	if m.userData != nil && m.userData.Identity.UserID == user.UserID {
		return
	}
	m.userData = models.NewUserIapData(user.UserID, user.Marketplace)
}

// EnableSkus marks the tracked SKU purchasable when the catalog response
// carries it. Unknown SKUs are ignored.
func (m *IapManager) EnableSkus(products map[string]models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sku := range products {
		if m.catalog.Contains(sku) {
			m.subscriptionAvailable = true
			return
		}
	}
}

// DisableSkus marks the tracked SKU unpurchasable when it appears in the
// unavailable set. The product may be pulled for this country, or pulled off
// the store by the developer or the vendor.
func (m *IapManager) DisableSkus(unavailableSkus []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sku := range unavailableSkus {
		if m.catalog.Contains(sku) {
			m.subscriptionAvailable = false
			m.listener.Notice("the subscription product isn't available now")
			return
		}
	}
}

// DisableAll disables purchasing entirely and pushes the new state.
func (m *IapManager) DisableAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptionAvailable = false
	m.refreshLocked("")
}

// PurchaseFailed surfaces a failed purchase request as a notice.
func (m *IapManager) PurchaseFailed(sku string) {
	m.listener.Notice("Purchase failed!")
}

// HandleReceipt dispatches a delivered receipt by product category. Only
// subscription receipts are fulfilled here; all failures are swallowed after
// logging so the vendor callback layer always gets a terminal outcome.
func (m *IapManager) HandleReceipt(ctx context.Context, receipt models.Receipt, user models.UserData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch receipt.ProductType {
	case models.ProductTypeSubscription:
		m.handleSubscriptionLocked(ctx, receipt, user)
	case models.ProductTypeConsumable, models.ProductTypeEntitled:
		m.logger.Info("ignoring non-subscription receipt", "receipt_id", receipt.ReceiptID, "product_type", receipt.ProductType)
	default:
		m.logger.Warn("unknown product type in receipt", "receipt_id", receipt.ReceiptID, "product_type", receipt.ProductType)
	}
}

func (m *IapManager) handleSubscriptionLocked(ctx context.Context, receipt models.Receipt, user models.UserData) {
	if receipt.Canceled {
		m.revokeLocked(ctx, receipt)
		return
	}
	if _, err := m.verifier.VerifyReceipt(ctx, user.UserID, receipt.ReceiptID); err != nil {
		m.logger.Warn("receipt verification failed", "receipt_id", receipt.ReceiptID, "err", err)
		m.listener.Notice("Purchase cannot be verified, please retry later.")
		return
	}
	m.grantLocked(ctx, receipt, user)
}

func (m *IapManager) revokeLocked(ctx context.Context, receipt models.Receipt) {
	err := m.store.Cancel(ctx, receipt.ReceiptID, receipt.CancelDate)
	switch {
	case err == nil:
		m.logger.Info("subscription revoked", "receipt_id", receipt.ReceiptID)
	case errors.Is(err, repositories.ErrNotFound):
		m.logger.Info("revocation for unknown receipt", "receipt_id", receipt.ReceiptID)
	default:
		m.logger.Error("revoke subscription", "receipt_id", receipt.ReceiptID, "err", err)
		m.listener.Notice("Purchase cannot be completed, please retry")
	}
}

func (m *IapManager) grantLocked(ctx context.Context, receipt models.Receipt, user models.UserData) {
	marketplace := user.Marketplace
	if m.userData != nil {
		marketplace = m.userData.Identity.Marketplace
	}
	if _, ok := m.catalog.FromSku(receipt.Sku, marketplace); !ok {
		// The SKU in the receipt is no longer a valid catalog entry.
		m.logger.Warn("receipt sku is not valid anymore", "receipt_id", receipt.ReceiptID, "sku", receipt.Sku)
		if err := m.gateway.NotifyFulfillment(ctx, receipt.ReceiptID, FulfillmentUnavailable); err != nil {
			m.logger.Error("notify unavailable", "receipt_id", receipt.ReceiptID, "err", err)
		}
		return
	}

	cancelDate := models.CancelDateNotSet
	if receipt.Canceled {
		cancelDate = receipt.CancelDate
	}
	rec := models.SubscriptionRecord{
		ReceiptID:    receipt.ReceiptID,
		UserID:       user.UserID,
		PurchaseDate: receipt.PurchaseDate,
		CancelDate:   cancelDate,
		Sku:          receipt.Sku,
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		// Leave the receipt unacknowledged: the vendor re-delivers on the
		// next sync and the reconciler retries stored-but-unacked rows.
		m.logger.Error("persist subscription record", "receipt_id", receipt.ReceiptID, "err", err)
		m.listener.Notice("Purchase cannot be completed, please retry")
		return
	}
	if err := m.gateway.NotifyFulfillment(ctx, receipt.ReceiptID, FulfillmentFulfilled); err != nil {
		m.logger.Error("notify fulfilled", "receipt_id", receipt.ReceiptID, "err", err)
		return
	}
	if err := m.store.MarkAcknowledged(ctx, receipt.ReceiptID, m.now().UnixMilli()); err != nil {
		m.logger.Error("mark acknowledged", "receipt_id", receipt.ReceiptID, "err", err)
	}
}

// RetryUnacknowledged re-sends fulfillment for stored records whose receipt
// was never acknowledged, typically because the process died between the
// store write and the vendor notification. Returns how many were retried.
func (m *IapManager) RetryUnacknowledged(ctx context.Context, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, err := m.store.Unacknowledged(ctx, limit)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, rec := range pending {
		if err := m.gateway.NotifyFulfillment(ctx, rec.ReceiptID, FulfillmentFulfilled); err != nil {
			m.logger.Error("retry fulfillment", "receipt_id", rec.ReceiptID, "err", err)
			continue
		}
		if err := m.store.MarkAcknowledged(ctx, rec.ReceiptID, m.now().UnixMilli()); err != nil {
			m.logger.Error("mark acknowledged", "receipt_id", rec.ReceiptID, "err", err)
			continue
		}
		retried++
	}
	return retried, nil
}

// ReloadSubscriptionStatus rebuilds the current user's aggregate from the
// store and recomputes availability. Without a signed-in user it simply
// demotes availability, no alert.
func (m *IapManager) ReloadSubscriptionStatus(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userData == nil {
		m.refreshLocked("")
		return nil
	}
	records, err := m.store.ByUser(ctx, m.userData.Identity.UserID)
	if err != nil {
		m.logger.Error("load subscription records", "user_id", m.userData.Identity.UserID, "err", err)
		m.refreshLocked("subscription history is unavailable")
		return err
	}
	m.userData.SetRecords(records, m.trackedSku())
	m.refreshLocked("")
	return nil
}

func (m *IapManager) reloadLocked(ctx context.Context) {
	records, err := m.store.ByUser(ctx, m.userData.Identity.UserID)
	if err != nil {
		m.logger.Error("load subscription records", "user_id", m.userData.Identity.UserID, "err", err)
		m.refreshLocked("subscription history is unavailable")
		return
	}
	m.userData.SetRecords(records, m.trackedSku())
	m.refreshLocked("")
}

// RefreshAvailability recomputes the availability pair and pushes it to the
// listener synchronously.
func (m *IapManager) RefreshAvailability() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked("")
}

func (m *IapManager) refreshLocked(message string) {
	state := m.availabilityLocked()
	state.Message = message
	m.listener.SubscriptionAvailability(state)
}

func (m *IapManager) availabilityLocked() models.AvailabilityState {
	return models.AvailabilityState{
		ProductAvailable: m.subscriptionAvailable && m.userData != nil,
		UserCanSubscribe: m.userData != nil && !m.userData.SubsActiveCurrently,
	}
}

// Availability returns the current state without notifying the listener.
func (m *IapManager) Availability() models.AvailabilityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availabilityLocked()
}

// UserData returns a copy of the current user's aggregate.
func (m *IapManager) UserData() (models.UserIapData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userData == nil {
		return models.UserIapData{}, false
	}
	return *m.userData, true
}

func (m *IapManager) trackedSku() string {
	return m.catalog.Tracked()
}
