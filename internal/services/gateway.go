package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"subsBack/internal/models"
)

// FulfillmentResult is the terminal acknowledgment sent back to the vendor
// for a delivered receipt.
type FulfillmentResult string

const (
	FulfillmentFulfilled   FulfillmentResult = "FULFILLED"
	FulfillmentUnavailable FulfillmentResult = "UNAVAILABLE"
)

// RequestStatus is the terminal state of a vendor SDK request.
type RequestStatus string

const (
	StatusSuccessful       RequestStatus = "SUCCESSFUL"
	StatusFailed           RequestStatus = "FAILED"
	StatusNotSupported     RequestStatus = "NOT_SUPPORTED"
	StatusAlreadyPurchased RequestStatus = "ALREADY_PURCHASED"
	StatusInvalidSku       RequestStatus = "INVALID_SKU"
)

// PurchaseGateway is the injected capability standing in for the vendor's
// static purchasing service. Request-issuing calls return the request id the
// asynchronous response will carry.
type PurchaseGateway interface {
	Purchase(ctx context.Context, sku string) (string, error)
	GetUserData(ctx context.Context) (string, error)
	GetProductData(ctx context.Context, skus []string) (string, error)
	GetPurchaseUpdates(ctx context.Context, reset bool) (string, error)
	NotifyFulfillment(ctx context.Context, receiptID string, result FulfillmentResult) error
}

// Response is the closed set of asynchronous vendor callbacks. The marker
// method keeps the union sealed so Dispatch can match it exhaustively.
type Response interface {
	response()
}

// UserDataResponse answers GetUserData with the signed-in customer, if any.
type UserDataResponse struct {
	RequestID string          `json:"request_id"`
	Status    RequestStatus   `json:"status"`
	UserData  models.UserData `json:"user_data"`
}

// ProductDataResponse answers GetProductData with the catalog's current
// purchasability.
type ProductDataResponse struct {
	RequestID       string                    `json:"request_id"`
	Status          RequestStatus             `json:"status"`
	Products        map[string]models.Product `json:"products"`
	UnavailableSkus []string                  `json:"unavailable_skus"`
}

// PurchaseUpdatesResponse carries one page of receipt history. HasMore means
// another page must be requested before subscription state is recomputed.
type PurchaseUpdatesResponse struct {
	RequestID string           `json:"request_id"`
	Status    RequestStatus    `json:"status"`
	UserData  models.UserData  `json:"user_data"`
	Receipts  []models.Receipt `json:"receipts"`
	HasMore   bool             `json:"has_more"`
}

// PurchaseResponse answers a single Purchase call.
type PurchaseResponse struct {
	RequestID string          `json:"request_id"`
	Status    RequestStatus   `json:"status"`
	UserData  models.UserData `json:"user_data"`
	Receipt   models.Receipt  `json:"receipt"`
}

func (UserDataResponse) response()        {}
func (ProductDataResponse) response()     {}
func (PurchaseUpdatesResponse) response() {}
func (PurchaseResponse) response()        {}

// GatewayCommand is one outbound vendor call queued for the device. Only the
// device can talk to the vendor SDK, so the server records what should be
// issued and the device polls and executes.
type GatewayCommand struct {
	RequestID string            `json:"request_id"`
	Action    string            `json:"action"`
	Sku       string            `json:"sku,omitempty"`
	Skus      []string          `json:"skus,omitempty"`
	Reset     bool              `json:"reset,omitempty"`
	ReceiptID string            `json:"receipt_id,omitempty"`
	Result    FulfillmentResult `json:"result,omitempty"`
	IssuedAt  time.Time         `json:"issued_at"`
}

const (
	ActionPurchase           = "purchase"
	ActionGetUserData        = "get_user_data"
	ActionGetProductData     = "get_product_data"
	ActionGetPurchaseUpdates = "get_purchase_updates"
	ActionNotifyFulfillment  = "notify_fulfillment"
)

// RelayGateway implements PurchaseGateway as a pending-command queue.
type RelayGateway struct {
	mu      sync.Mutex
	pending []GatewayCommand
	logger  *slog.Logger
	now     func() time.Time
}

func NewRelayGateway(logger *slog.Logger) *RelayGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayGateway{logger: logger, now: time.Now}
}

func (g *RelayGateway) enqueue(cmd GatewayCommand) string {
	cmd.RequestID = uuid.NewString()
	cmd.IssuedAt = g.now()
	g.mu.Lock()
	g.pending = append(g.pending, cmd)
	g.mu.Unlock()
	g.logger.Info("gateway command queued", "action", cmd.Action, "request_id", cmd.RequestID)
	return cmd.RequestID
}

func (g *RelayGateway) Purchase(ctx context.Context, sku string) (string, error) {
	return g.enqueue(GatewayCommand{Action: ActionPurchase, Sku: sku}), nil
}

func (g *RelayGateway) GetUserData(ctx context.Context) (string, error) {
	return g.enqueue(GatewayCommand{Action: ActionGetUserData}), nil
}

func (g *RelayGateway) GetProductData(ctx context.Context, skus []string) (string, error) {
	return g.enqueue(GatewayCommand{Action: ActionGetProductData, Skus: skus}), nil
}

func (g *RelayGateway) GetPurchaseUpdates(ctx context.Context, reset bool) (string, error) {
	return g.enqueue(GatewayCommand{Action: ActionGetPurchaseUpdates, Reset: reset}), nil
}

func (g *RelayGateway) NotifyFulfillment(ctx context.Context, receiptID string, result FulfillmentResult) error {
	g.enqueue(GatewayCommand{Action: ActionNotifyFulfillment, ReceiptID: receiptID, Result: result})
	return nil
}

// Drain returns the queued commands and clears the queue.
func (g *RelayGateway) Drain() []GatewayCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.pending
	g.pending = nil
	return out
}
