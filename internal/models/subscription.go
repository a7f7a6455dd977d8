package models

// CancelDateNotSet marks a subscription record that has not been cancelled.
const CancelDateNotSet int64 = -1

// SubscriptionRecord is one persisted receipt. Records are never physically
// deleted; revocation sets the cancel timestamp.
type SubscriptionRecord struct {
	ReceiptID      string `json:"receipt_id"`
	UserID         string `json:"user_id"`
	PurchaseDate   int64  `json:"purchase_date"`
	CancelDate     int64  `json:"cancel_date"`
	Sku            string `json:"sku"`
	AcknowledgedAt int64  `json:"acknowledged_at,omitempty"`
}

// IsActive reports whether this record represents a live, uncancelled
// subscription for the given SKU.
func (r SubscriptionRecord) IsActive(sku string) bool {
	return r.Sku == sku && r.CancelDate == CancelDateNotSet
}

// UserIdentity is the vendor customer owning the current session. The zero
// value means no signed-in user is known.
type UserIdentity struct {
	UserID      string `json:"user_id"`
	Marketplace string `json:"marketplace"`
}

// UserIapData aggregates one user's receipt history and their derived
// subscription status. It is rebuilt from scratch whenever identity changes,
// so no state can leak between users.
type UserIapData struct {
	Identity            UserIdentity         `json:"identity"`
	Records             []SubscriptionRecord `json:"records"`
	SubsActiveCurrently bool                 `json:"subs_active_currently"`
}

func NewUserIapData(userID, marketplace string) *UserIapData {
	return &UserIapData{Identity: UserIdentity{UserID: userID, Marketplace: marketplace}}
}

// SetRecords replaces the receipt history and recomputes the active flag
// against the tracked SKU.
func (d *UserIapData) SetRecords(records []SubscriptionRecord, trackedSku string) {
	d.Records = records
	d.SubsActiveCurrently = false
	for _, r := range records {
		if r.IsActive(trackedSku) {
			d.SubsActiveCurrently = true
			return
		}
	}
}

// AvailabilityState is the pair of flags pushed to clients: whether the
// product is purchasable at all, and whether this user may still subscribe.
type AvailabilityState struct {
	ProductAvailable bool   `json:"product_available"`
	UserCanSubscribe bool   `json:"user_can_subscribe"`
	Message          string `json:"message,omitempty"`
}
