package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"subsBack/internal/models"
	"subsBack/internal/repositories"
	"subsBack/internal/services"
)

func newWebSocketFixture(t *testing.T) (*application, *httptest.Server) {
	t.Helper()
	wsManager := NewWebSocketManager()
	store := repositories.NewSubscriptionRepository(filepath.Join(t.TempDir(), "subs.db"))
	gateway := services.NewRelayGateway(nil)
	manager := services.NewIapManager(store, gateway, nil, wsManager, models.DefaultCatalog(), nil)

	app := &application{manager: manager, wsManager: wsManager}
	go wsManager.Run()

	srv := httptest.NewServer(http.HandlerFunc(app.WebSocketHandler))
	t.Cleanup(srv.Close)
	return app, srv
}

func dialWebSocket(t *testing.T, srv *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(map[string]string{"deviceId": deviceID}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev wsEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestWebSocketGreetsWithCurrentAvailability(t *testing.T) {
	_, srv := newWebSocketFixture(t)
	conn := dialWebSocket(t, srv, "device-1")

	ev := readEvent(t, conn)
	if ev.Type != "availability" || ev.Availability == nil {
		t.Fatalf("greeting = %+v, want an availability snapshot", ev)
	}
	if ev.Availability.ProductAvailable || ev.Availability.UserCanSubscribe {
		t.Fatalf("fresh session must start unavailable, got %+v", ev.Availability)
	}
}

func TestWebSocketDeliversPublishedEventsInOrder(t *testing.T) {
	app, srv := newWebSocketFixture(t)
	conn := dialWebSocket(t, srv, "device-1")
	readEvent(t, conn) // greeting

	app.wsManager.SubscriptionAvailability(models.AvailabilityState{ProductAvailable: true, UserCanSubscribe: true})
	app.wsManager.Notice("Purchase failed!")

	first := readEvent(t, conn)
	if first.Type != "availability" || first.Availability == nil || !first.Availability.ProductAvailable {
		t.Fatalf("first event = %+v, want the availability push", first)
	}
	second := readEvent(t, conn)
	if second.Type != "notice" || second.Message != "Purchase failed!" {
		t.Fatalf("second event = %+v, want the notice", second)
	}
}

func TestWebSocketRejectsMissingHello(t *testing.T) {
	_, srv := newWebSocketFixture(t)
	url := strings.Replace(srv.URL, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"unexpected": "frame"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection without a deviceId hello must be closed")
	}
}
