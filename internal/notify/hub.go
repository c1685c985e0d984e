package notify

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	maxWSConnections = 200
	writeWait        = 10 * time.Second
)

// Subscriber opens a subscription on the found_items channel.
type Subscriber interface {
	SubscribeFoundItems(ctx context.Context) *redis.PubSub
}

// Hub relays found-item events from the Redis channel to WebSocket clients.
// One subscription feeds all connections. Writes go out one client at a
// time under a writeWait deadline; a client whose write fails or times out
// is dropped, so a slow client delays a broadcast by at most writeWait.
type Hub struct {
	source Subscriber

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

// NewHub creates a Hub over the given subscription source.
func NewHub(source Subscriber) *Hub {
	return &Hub{
		source:  source,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run consumes the Redis channel and broadcasts until the context ends.
func (h *Hub) Run(ctx context.Context) {
	sub := h.source.SubscribeFoundItems(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case msg, ok := <-ch:
			if !ok {
				h.shutdown()
				return
			}
			h.broadcast([]byte(msg.Payload))
		}
	}
}

// HandleWS upgrades an HTTP request into a streaming connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("NotifyHub: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxWSConnections {
		h.mu.Unlock()
		conn.Close()
		log.Printf("NotifyHub: connection rejected, max connections (%d) reached", maxWSConnections)
		return
	}
	h.clients[conn] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("NotifyHub: client connected. Total: %d", total)

	// Reader goroutine exists only to observe the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(c)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("NotifyHub: client disconnected. Total: %d", total)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
