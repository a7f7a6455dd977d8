package handlers

import (
	"encoding/json"
	"net/http"

	"subsBack/internal/models"
	"subsBack/internal/repositories"
	"subsBack/internal/services"
)

// SubscriptionHandler serves stored receipt history and derived status.
type SubscriptionHandler struct {
	Repo    *repositories.SubscriptionRepository
	Manager *services.IapManager
	Catalog models.Catalog
}

func NewSubscriptionHandler(repo *repositories.SubscriptionRepository, manager *services.IapManager, catalog models.Catalog) *SubscriptionHandler {
	return &SubscriptionHandler{Repo: repo, Manager: manager, Catalog: catalog}
}

// GetRecordsByUser returns every stored record for the user together with the
// derived active flag.
func (h *SubscriptionHandler) GetRecordsByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get(":user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	records, err := h.Repo.ByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "load records: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.SubscriptionRecord{}
	}
	active := false
	for _, rec := range records {
		if rec.IsActive(h.Catalog.Tracked()) {
			active = true
			break
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user_id": userID,
		"active":  active,
		"records": records,
	})
}

// GetStatus reports the current session's aggregate as the manager sees it.
func (h *SubscriptionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	data, ok := h.Manager.UserData()
	if !ok {
		http.Error(w, models.ErrNoIdentity.Error(), http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}
