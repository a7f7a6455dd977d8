package models

// ProductType mirrors the vendor SDK's product categories. Only subscriptions
// are fulfilled by this service; the other categories are acknowledged as
// handled elsewhere.
type ProductType string

const (
	ProductTypeConsumable   ProductType = "CONSUMABLE"
	ProductTypeEntitled     ProductType = "ENTITLED"
	ProductTypeSubscription ProductType = "SUBSCRIPTION"
)

// UserData identifies the vendor-side customer for a callback payload.
type UserData struct {
	UserID      string `json:"user_id"`
	Marketplace string `json:"marketplace"`
}

// Receipt is the vendor-issued proof of a purchase transaction as delivered
// by the device SDK. Timestamps are unix milliseconds; CancelDate is only
// meaningful when Canceled is true.
type Receipt struct {
	ReceiptID    string      `json:"receipt_id"`
	Sku          string      `json:"sku"`
	ProductType  ProductType `json:"product_type"`
	PurchaseDate int64       `json:"purchase_date"`
	CancelDate   int64       `json:"cancel_date,omitempty"`
	Canceled     bool        `json:"canceled"`
}

// Product is one entry of a product data response: the vendor's current view
// of a purchasable item.
type Product struct {
	Sku         string      `json:"sku"`
	ProductType ProductType `json:"product_type"`
	Title       string      `json:"title,omitempty"`
	Price       string      `json:"price,omitempty"`
}
