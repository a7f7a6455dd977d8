package main

import (
	"context"
	"log"
	"time"

	"subsBack/internal/repositories"
	"subsBack/internal/services"
)

const (
	receiptReconcilerInterval = 5 * time.Minute
	receiptReconcilerTimeout  = 1 * time.Minute
	receiptReconcilerBatch    = 100
)

// startReceiptReconciler periodically re-acknowledges stored subscription
// records whose fulfillment notification never went out.
func startReceiptReconciler(ctx context.Context, repo *repositories.SubscriptionRepository, manager *services.IapManager, infoLog, errorLog *log.Logger) {
	if repo == nil || manager == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(receiptReconcilerInterval)
		defer ticker.Stop()

		runOnce := func() {
			runCtx, cancel := context.WithTimeout(ctx, receiptReconcilerTimeout)
			retried, err := manager.RetryUnacknowledged(runCtx, receiptReconcilerBatch)
			cancel()
			if err != nil {
				if errorLog != nil {
					errorLog.Printf("receipt reconciler: failed to retry unacknowledged receipts: %v", err)
				}
			} else if retried > 0 && infoLog != nil {
				infoLog.Printf("receipt reconciler: re-sent fulfillment for %d receipts", retried)
			}
		}

		runOnce()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()
}
