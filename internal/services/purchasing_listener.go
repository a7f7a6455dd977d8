package services

import (
	"context"
	"log/slog"

	"subsBack/internal/models"
)

// PurchasingListener normalizes asynchronous vendor SDK responses and drives
// the manager. One handler per response kind; Dispatch matches the sealed
// union exhaustively.
type PurchasingListener struct {
	manager *IapManager
	gateway PurchaseGateway
	logger  *slog.Logger
}

func NewPurchasingListener(manager *IapManager, gateway PurchaseGateway, logger *slog.Logger) *PurchasingListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurchasingListener{manager: manager, gateway: gateway, logger: logger}
}

// Dispatch routes a vendor response to its handler.
func (l *PurchasingListener) Dispatch(ctx context.Context, resp Response) error {
	switch r := resp.(type) {
	case UserDataResponse:
		l.OnUserData(ctx, r)
	case ProductDataResponse:
		l.OnProductData(ctx, r)
	case PurchaseUpdatesResponse:
		l.OnPurchaseUpdates(ctx, r)
	case PurchaseResponse:
		l.OnPurchase(ctx, r)
	default:
		return models.ErrUnknownCallback
	}
	return nil
}

// OnUserData loads the signed-in customer. A failed request means no
// registered account: identity is cleared and everything disables.
func (l *PurchasingListener) OnUserData(ctx context.Context, resp UserDataResponse) {
	l.logger.Info("user data response", "request_id", resp.RequestID, "status", resp.Status)
	switch resp.Status {
	case StatusSuccessful:
		l.manager.SetUser(ctx, resp.UserData.UserID, resp.UserData.Marketplace)
	case StatusFailed, StatusNotSupported:
		l.manager.SetUser(ctx, "", "")
	default:
		l.logger.Warn("unexpected user data status", "status", resp.Status)
	}
}

// OnProductData applies the catalog's current purchasability and pushes the
// recomputed availability.
func (l *PurchasingListener) OnProductData(ctx context.Context, resp ProductDataResponse) {
	l.logger.Info("product data response", "request_id", resp.RequestID, "status", resp.Status,
		"unavailable", len(resp.UnavailableSkus))
	switch resp.Status {
	case StatusSuccessful:
		l.manager.EnableSkus(resp.Products)
		l.manager.DisableSkus(resp.UnavailableSkus)
		l.manager.RefreshAvailability()
	case StatusFailed, StatusNotSupported:
		l.manager.DisableAll()
	default:
		l.logger.Warn("unexpected product data status", "status", resp.Status)
	}
}

// OnPurchaseUpdates replays one page of receipt history. When the response
// signals more pages, the next page is requested and the subscription status
// reload is deferred: every receipt across all pages must be applied before
// a single final recompute, or the client briefly sees a stale
// "not yet purchased" state.
func (l *PurchasingListener) OnPurchaseUpdates(ctx context.Context, resp PurchaseUpdatesResponse) {
	l.logger.Info("purchase updates response", "request_id", resp.RequestID, "status", resp.Status,
		"receipts", len(resp.Receipts), "has_more", resp.HasMore)
	switch resp.Status {
	case StatusSuccessful:
		l.manager.AdoptIdentity(resp.UserData)
		for _, receipt := range resp.Receipts {
			l.manager.HandleReceipt(ctx, receipt, resp.UserData)
		}
		if resp.HasMore {
			if _, err := l.gateway.GetPurchaseUpdates(ctx, false); err != nil {
				l.logger.Error("request next history page", "err", err)
			}
			return
		}
		if err := l.manager.ReloadSubscriptionStatus(ctx); err != nil {
			l.logger.Error("reload subscription status", "err", err)
		}
	case StatusFailed, StatusNotSupported:
		l.manager.DisableAll()
	default:
		l.logger.Warn("unexpected purchase updates status", "status", resp.Status)
	}
}

// OnPurchase completes a single purchase request.
func (l *PurchasingListener) OnPurchase(ctx context.Context, resp PurchaseResponse) {
	l.logger.Info("purchase response", "request_id", resp.RequestID, "status", resp.Status,
		"receipt_id", resp.Receipt.ReceiptID)
	switch resp.Status {
	case StatusSuccessful:
		l.manager.HandleReceipt(ctx, resp.Receipt, resp.UserData)
		if err := l.manager.ReloadSubscriptionStatus(ctx); err != nil {
			l.logger.Error("reload subscription status", "err", err)
		}
	case StatusAlreadyPurchased:
		// The purchase was already granted; the history replay re-delivers
		// the receipt if local state is missing it.
		l.logger.Info("already purchased", "receipt_id", resp.Receipt.ReceiptID, "user_id", resp.UserData.UserID)
	case StatusInvalidSku:
		l.manager.DisableSkus([]string{resp.Receipt.Sku})
		l.manager.RefreshAvailability()
	case StatusFailed, StatusNotSupported:
		l.manager.PurchaseFailed(resp.Receipt.Sku)
	default:
		l.logger.Warn("unexpected purchase status", "status", resp.Status)
	}
}
