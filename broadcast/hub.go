/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Websocket fan-out hub. Clients register with a
             tenant id; the hub relays that tenant's broadcast
             messages to every open connection. Slow clients
             are disconnected rather than buffered unboundedly.
Root Cause:  Sprint task L031 — live change feed for devices.
Context:     Devices keep a socket open to learn when their
             optimistic writes materialize.
Suitability: L2 — connection lifecycle management.
──────────────────────────────────────────────────────────────
*/

package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 32
	pingInterval   = 30 * time.Second
)

// Hub relays broadcast messages to websocket clients grouped by tenant.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*hubClient]struct{} // tenant → clients
	logger  zerolog.Logger

	upgrader websocket.Upgrader
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*hubClient]struct{}),
		logger:  logger.With().Str("component", "ws_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and registers the client under the
// tenant named in the query string.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	if h.clients[tenantID] == nil {
		h.clients[tenantID] = make(map[*hubClient]struct{})
	}
	h.clients[tenantID][client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("tenant", tenantID).Msg("websocket client connected")

	go h.writeLoop(tenantID, client)
	go h.readLoop(tenantID, client)
}

// Relay pushes one message to the tenant's connected clients. Wire it to
// a Memory bus subscription or a Redis pub/sub consumer.
func (h *Hub) Relay(msg Message) {
	raw, err := Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode relay message")
		return
	}
	var lagging []*hubClient
	h.mu.RLock()
	for client := range h.clients[msg.TenantID] {
		select {
		case client.send <- raw:
		default:
			lagging = append(lagging, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range lagging {
		// Slow client; drop closes its channel, which ends writeLoop.
		h.logger.Warn().Str("tenant", msg.TenantID).Msg("websocket client lagging — disconnecting")
		h.drop(msg.TenantID, client)
	}
}

// Run consumes a subscription channel until it closes.
func (h *Hub) Run(ch <-chan Message) {
	for msg := range ch {
		h.Relay(msg)
	}
}

func (h *Hub) writeLoop(tenantID string, c *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.drop(tenantID, c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(tenantID, c)
				return
			}
		}
	}
}

func (h *Hub) readLoop(tenantID string, c *hubClient) {
	defer h.drop(tenantID, c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(tenantID string, c *hubClient) {
	h.mu.Lock()
	if set, ok := h.clients[tenantID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.clients, tenantID)
			}
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}
