package models

// RVSReceipt is the confirmed receipt metadata returned by the Receipt
// Verification Service on HTTP 200. Dates are unix milliseconds; CancelDate
// of zero means the purchase was not revoked.
type RVSReceipt struct {
	ReceiptID       string `json:"receiptId"`
	ProductType     string `json:"productType"`
	ProductID       string `json:"productId"`
	PurchaseDate    int64  `json:"purchaseDate"`
	CancelDate      int64  `json:"cancelDate"`
	TestTransaction bool   `json:"testTransaction"`
}
