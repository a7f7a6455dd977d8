package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"subsBack/internal/models"
	"subsBack/internal/services"
)

// IAPHandler exposes the purchase workflow over HTTP. The device forwards
// vendor SDK callback payloads to Callback and polls Commands for the
// outbound calls the server queued.
type IAPHandler struct {
	Manager  *services.IapManager
	Listener *services.PurchasingListener
	Gateway  *services.RelayGateway
	Catalog  models.Catalog
}

func NewIAPHandler(manager *services.IapManager, listener *services.PurchasingListener, gateway *services.RelayGateway, catalog models.Catalog) *IAPHandler {
	return &IAPHandler{Manager: manager, Listener: listener, Gateway: gateway, Catalog: catalog}
}

// Callback receives one vendor SDK response forwarded by the device. The
// payload is tagged with its response kind; anything the union does not cover
// is rejected before it reaches the listener. The vendor layer always gets a
// terminal answer, so failures inside dispatch stay server-side.
func (h *IAPHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.Listener == nil {
		http.Error(w, "iap is not configured", http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var resp services.Response
	switch strings.ToLower(strings.TrimSpace(envelope.Type)) {
	case "user_data":
		var v services.UserDataResponse
		if err := json.Unmarshal(body, &v); err != nil {
			http.Error(w, "invalid user_data payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp = v
	case "product_data":
		var v services.ProductDataResponse
		if err := json.Unmarshal(body, &v); err != nil {
			http.Error(w, "invalid product_data payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp = v
	case "purchase_updates":
		var v services.PurchaseUpdatesResponse
		if err := json.Unmarshal(body, &v); err != nil {
			http.Error(w, "invalid purchase_updates payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp = v
	case "purchase":
		var v services.PurchaseResponse
		if err := json.Unmarshal(body, &v); err != nil {
			http.Error(w, "invalid purchase payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp = v
	default:
		http.Error(w, "unknown callback type: "+envelope.Type, http.StatusBadRequest)
		return
	}

	if err := h.Listener.Dispatch(r.Context(), resp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Purchase queues a purchase command for the device.
func (h *IAPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sku string `json:"sku"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Sku == "" {
		req.Sku = h.Catalog.Tracked()
	}
	if !h.Catalog.Contains(req.Sku) {
		http.Error(w, models.ErrUnknownSku.Error(), http.StatusBadRequest)
		return
	}
	requestID, err := h.Gateway.Purchase(r.Context(), req.Sku)
	if err != nil {
		http.Error(w, "queue purchase: "+err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued", "request_id": requestID})
}

// Sync queues the session-start sequence: the device is asked for the
// signed-in customer, the catalog's purchasability and the receipt history,
// in that order, so identity and availability are settled before the replay
// pages land.
func (h *IAPHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reset bool `json:"reset"`
	}
	if r.Body != nil {
		// Body is optional; an empty request means an incremental sync.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	userReqID, err := h.Gateway.GetUserData(r.Context())
	if err != nil {
		http.Error(w, "queue sync: "+err.Error(), http.StatusInternalServerError)
		return
	}
	productReqID, err := h.Gateway.GetProductData(r.Context(), h.Catalog.IDs())
	if err != nil {
		http.Error(w, "queue sync: "+err.Error(), http.StatusInternalServerError)
		return
	}
	updatesReqID, err := h.Gateway.GetPurchaseUpdates(r.Context(), req.Reset)
	if err != nil {
		http.Error(w, "queue sync: "+err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "queued",
		"request_ids": map[string]string{
			"user_data":        userReqID,
			"product_data":     productReqID,
			"purchase_updates": updatesReqID,
		},
	})
}

// Commands hands the queued outbound vendor calls to the polling device and
// clears the queue.
func (h *IAPHandler) Commands(w http.ResponseWriter, r *http.Request) {
	commands := h.Gateway.Drain()
	if commands == nil {
		commands = []services.GatewayCommand{}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"commands": commands})
}

// Availability reports the current purchasability pair.
func (h *IAPHandler) Availability(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(h.Manager.Availability())
}
