package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"chattered/internal/middleware"
	"chattered/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client serializes writes; gorilla connections allow one writer at a time.
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Greeter returns the message a new connection receives first, normally the
// page's current state. ok is false when the page is unknown.
type Greeter func(pageID uuid.UUID) (msg models.WSMessage, ok bool)

// Hub pushes page updates to the browser tabs watching them. With a Redis
// client, updates travel through pub/sub so any instance can deliver them.
type Hub struct {
	mu          sync.RWMutex
	connections map[uuid.UUID][]*client
	redisClient *redis.Client
	auth        *middleware.PageAuth
	greeter     Greeter
	cancelFuncs map[uuid.UUID]context.CancelFunc
}

func NewHub(redisClient *redis.Client, auth *middleware.PageAuth) *Hub {
	return &Hub{
		connections: make(map[uuid.UUID][]*client),
		redisClient: redisClient,
		auth:        auth,
		cancelFuncs: make(map[uuid.UUID]context.CancelFunc),
	}
}

func (h *Hub) SetGreeter(g Greeter) {
	h.greeter = g
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authenticate via token query param
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	pageID, err := h.auth.ParsePageToken(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var greeting models.WSMessage
	if h.greeter != nil {
		var ok bool
		if greeting, ok = h.greeter(pageID); !ok {
			http.Error(w, "Page not found", http.StatusNotFound)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn}
	h.registerConnection(pageID, c)

	if h.greeter != nil {
		if data, err := json.Marshal(greeting); err == nil {
			c.write(data)
		}
	}

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(pageID, c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Hub) registerConnection(pageID uuid.UUID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[pageID] = append(h.connections[pageID], c)

	// Start pub/sub subscription if this is the first connection for this page
	if len(h.connections[pageID]) == 1 && h.redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[pageID] = cancel
		go h.subscribeToPubSub(ctx, pageID)
	}

	log.Printf("WebSocket connected: page %s (total: %d)", pageID, len(h.connections[pageID]))
}

func (h *Hub) unregisterConnection(pageID uuid.UUID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.conn.Close()

	conns := h.connections[pageID]
	found := false
	for i, existing := range conns {
		if existing == c {
			h.connections[pageID] = append(conns[:i], conns[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return
	}

	// If no more connections, cancel pub/sub
	if len(h.connections[pageID]) == 0 {
		h.dropPageLocked(pageID)
	}

	log.Printf("WebSocket disconnected: page %s", pageID)
}

func (h *Hub) dropPageLocked(pageID uuid.UUID) {
	delete(h.connections, pageID)
	if cancel, ok := h.cancelFuncs[pageID]; ok {
		cancel()
		delete(h.cancelFuncs, pageID)
	}
}

func pageChannel(pageID uuid.UUID) string {
	return "page_updates:" + pageID.String()
}

func (h *Hub) subscribeToPubSub(ctx context.Context, pageID uuid.UUID) {
	pubsub := h.redisClient.Subscribe(ctx, pageChannel(pageID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(pageID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(pageID uuid.UUID, data []byte) {
	h.mu.RLock()
	conns := append([]*client(nil), h.connections[pageID]...)
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(data); err != nil {
			log.Printf("WebSocket write failed for page %s: %v", pageID, err)
		}
	}
}

// Publish sends msg to every connection watching pageID.
func (h *Hub) Publish(ctx context.Context, pageID uuid.UUID, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode update for page %s: %v", pageID, err)
		return
	}

	if h.redisClient != nil {
		err := h.redisClient.Publish(ctx, pageChannel(pageID), data).Err()
		if err == nil {
			return
		}
		log.Printf("Redis publish failed for page %s, delivering locally: %v", pageID, err)
	}
	h.broadcast(pageID, data)
}

// ClosePage disconnects everything watching pageID.
func (h *Hub) ClosePage(pageID uuid.UUID) {
	h.mu.Lock()
	conns := h.connections[pageID]
	h.dropPageLocked(pageID)
	h.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "page closed"))
		c.mu.Unlock()
		c.conn.Close()
	}
}

// Connections reports how many connections watch pageID.
func (h *Hub) Connections(pageID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[pageID])
}
