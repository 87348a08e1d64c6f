package managementapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope pushed to every connected dashboard client.
type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WSHub fans out TrustChanged/Alert/ThreatUpdated/DeviceStatusChanged events to
// connected websocket clients, grounded in the teacher's WSManager.
type WSHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newWSHub() *WSHub {
	return &WSHub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *WSHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("managementapi: websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WSHub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// pump subscribes to the bus's dashboard-relevant topics and forwards them
// to every connected client until ctx is cancelled.
func (h *WSHub) pump(ctx context.Context, bus ports.EventBus) {
	topics := []string{domain.TopicTrustChanged, domain.TopicAlert, domain.TopicThreatUpdated, domain.TopicDeviceStatusChanged}
	for _, topic := range topics {
		ch, cancel := bus.Subscribe(topic)
		go func(topic string, ch <-chan any, cancel func()) {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case payload := <-ch:
					h.broadcast(wsMessage{Type: topic, Payload: payload})
				}
			}
		}(topic, ch, cancel)
	}
}
