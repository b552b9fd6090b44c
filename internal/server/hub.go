package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"quotawatch/internal/metrics"
)

const clientSendBuffer = 16

// Frame is one websocket message pushed to status consumers. Kind is
// "status" for engine updates and "low_quota" for debounced warnings.
type Frame struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans engine updates out to connected websocket clients. A client whose
// send buffer is full has the frame dropped rather than stalling the
// broadcast; status frames are snapshots, so a dropped one is superseded by
// the next.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*hubClient
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*hubClient)}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The listener is loopback-only, so origin checks add nothing here and
	// would block file:// status pages.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Upgrade promotes the request to a websocket connection and registers it
// with the hub. The connection is serviced by its own read and write pumps
// until the peer disconnects.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := &hubClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	h.add(client)
	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// Broadcast serializes the frame once and queues it to every client.
func (h *Hub) Broadcast(kind string, payload any) {
	if h == nil {
		return
	}
	raw, err := json.Marshal(Frame{Kind: kind, Payload: payload})
	if err != nil {
		log.WithError(err).Warnf("hub: marshal %s frame", kind)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		select {
		case client.send <- raw:
		default:
			log.Debugf("hub: client %s slow, dropping %s frame", client.id, kind)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		h.remove(client)
	}
}

func (h *Hub) add(client *hubClient) {
	h.mu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(count))
	log.Debugf("hub: client %s connected (%d total)", client.id, count)
}

func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	count := len(h.clients)
	close(client.send)
	h.mu.Unlock()
	_ = client.conn.Close()
	metrics.WebsocketClients.Set(float64(count))
	log.Debugf("hub: client %s disconnected (%d total)", client.id, count)
}

// writePump drains the client's send channel onto the wire. It exits when
// the channel closes or a write fails, which in turn tears the client down.
func (h *Hub) writePump(client *hubClient) {
	for raw := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.remove(client)
			return
		}
	}
}

// readPump consumes and discards inbound frames so ping/pong and close
// handshakes are processed; consumers only listen.
func (h *Hub) readPump(client *hubClient) {
	defer h.remove(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
