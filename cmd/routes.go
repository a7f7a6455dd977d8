package main

import (
	"encoding/json"
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	authMiddleware := standardMiddleware.Append(app.JWTMiddleware)

	mux := pat.New()

	// Auth
	mux.Post("/auth/device", standardMiddleware.ThenFunc(app.issueDeviceToken))

	// IAP relay
	mux.Post("/iap/callback", authMiddleware.ThenFunc(app.iapHandler.Callback))
	mux.Post("/iap/purchase", authMiddleware.ThenFunc(app.iapHandler.Purchase))
	mux.Post("/iap/sync", authMiddleware.ThenFunc(app.iapHandler.Sync))
	mux.Get("/iap/commands", authMiddleware.ThenFunc(app.iapHandler.Commands))
	mux.Get("/iap/availability", standardMiddleware.ThenFunc(app.iapHandler.Availability))

	// Subscriptions
	mux.Get("/subscriptions/user/:user_id", authMiddleware.ThenFunc(app.subscriptionHandler.GetRecordsByUser))
	mux.Get("/subscriptions/status", authMiddleware.ThenFunc(app.subscriptionHandler.GetStatus))

	// WebSocket
	mux.Get("/ws", http.HandlerFunc(app.WebSocketHandler))

	return mux
}

// issueDeviceToken выдаёт access token для устройства по его vendor user id.
func (app *application) issueDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := app.generateAccessToken(req.UserID, "device")
	if err != nil {
		app.serverError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"access_token": token})
}
