package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"subsBack/internal/models"
)

const (
	readLimit          = 1 << 20
	readDeadline       = 120 * time.Second
	writeDeadline      = 5 * time.Second
	pingInterval       = 15 * time.Second
	firstHelloDeadline = 30 * time.Second
)

// wsEvent is what the device sees on the socket: either a fresh
// availability snapshot or a one-off user-facing notice.
type wsEvent struct {
	Type         string                    `json:"type"`
	Availability *models.AvailabilityState `json:"availability,omitempty"`
	Message      string                    `json:"message,omitempty"`
}

type wsClient struct {
	id     string
	socket *websocket.Conn
	// greeting is written by the hub right after registration so the device
	// starts from the current state instead of waiting for the next event.
	greeting wsEvent
}

type wsUnreg struct {
	id   string
	conn *websocket.Conn
}

type WebSocketManager struct {
	clients    map[string]*websocket.Conn
	events     chan wsEvent
	register   chan wsClient
	unregister chan wsUnreg
}

func NewWebSocketManager() *WebSocketManager {
	return &WebSocketManager{
		clients: make(map[string]*websocket.Conn),
		// buffered: publishers run under the purchase manager's lock
		// and must never block on a slow socket
		events:     make(chan wsEvent, 64),
		register:   make(chan wsClient),
		unregister: make(chan wsUnreg),
	}
}

// SubscriptionAvailability implements services.AvailabilityListener.
func (ws *WebSocketManager) SubscriptionAvailability(state models.AvailabilityState) {
	ws.publish(wsEvent{Type: "availability", Availability: &state})
}

// Notice implements services.AvailabilityListener.
func (ws *WebSocketManager) Notice(message string) {
	ws.publish(wsEvent{Type: "notice", Message: message})
}

func (ws *WebSocketManager) publish(ev wsEvent) {
	select {
	case ws.events <- ev:
	default:
		log.Printf("WS event dropped: queue full (type=%s)", ev.Type)
	}
}

// Все операции с clients — только здесь. Run владеет и всеми записями в
// сокеты (приветствие, события, пинги): у gorilla/websocket не должно быть
// конкурирующих писателей на одном соединении.
func (ws *WebSocketManager) Run() {
	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case client := <-ws.register:
			// если уже есть сокет у этого устройства — закрываем старый
			if old, ok := ws.clients[client.id]; ok && old != nil && old != client.socket {
				_ = old.Close()
			}
			ws.clients[client.id] = client.socket
			log.Printf("WS register device=%s", client.id)
			_ = client.socket.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.socket.WriteJSON(client.greeting); err != nil {
				log.Printf("WS greeting error to=%s: %v", client.id, err)
				_ = client.socket.Close()
				delete(ws.clients, client.id)
			}

		case u := <-ws.unregister:
			// удаляем только если совпадает текущий сокет
			if cur, ok := ws.clients[u.id]; ok && cur == u.conn {
				_ = cur.Close()
				delete(ws.clients, u.id)
				log.Printf("WS unregister device=%s", u.id)
			}

		case ev := <-ws.events:
			for id, conn := range ws.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteJSON(ev); err != nil {
					log.Printf("WS send error to=%s: %v", id, err)
					_ = conn.Close()
					delete(ws.clients, id)
				}
			}

		case <-pings.C:
			for id, conn := range ws.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Printf("WS ping error to=%s: %v", id, err)
					_ = conn.Close()
					delete(ws.clients, id)
				}
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
}

// Первым фреймом клиент обязан прислать { "deviceId": "<id>" }.
func (app *application) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("WebSocket upgrade error:", err)
		return
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(firstHelloDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	var hello struct {
		DeviceID string `json:"deviceId"`
	}
	if err := conn.ReadJSON(&hello); err != nil || hello.DeviceID == "" {
		log.Println("invalid hello payload:", err)
		_ = writeClose(conn, websocket.ClosePolicyViolation, "hello required")
		_ = conn.Close()
		return
	}
	conn.SetReadDeadline(time.Now().Add(readDeadline))

	state := app.manager.Availability()
	app.wsManager.register <- wsClient{
		id:       hello.DeviceID,
		socket:   conn,
		greeting: wsEvent{Type: "availability", Availability: &state},
	}

	go drainWebSocket(conn, hello.DeviceID, app.wsManager)
}

// Сокет односторонний: клиент только слушает, входящие кадры игнорируем.
func drainWebSocket(conn *websocket.Conn, id string, wsManager *WebSocketManager) {
	defer func() {
		wsManager.unregister <- wsUnreg{id: id, conn: conn}
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// аккуратная отправка close-фрейма
func writeClose(conn *websocket.Conn, code int, reason string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeDeadline),
	)
}
