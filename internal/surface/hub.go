package surface

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/logging"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

const (
	writeWait      = 10 * time.Second
	clientSendSize = 64
)

// Broadcaster pushes surface updates to connected UI clients.
type Broadcaster interface {
	Broadcast(update Update)
}

// SnapshotFunc returns the updates needed to rebuild current surfaces
// for a client that just connected.
type SnapshotFunc func() []Update

// Hub fans surface updates out to every connected WebSocket client.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	snapshot SnapshotFunc
	metrics  *monitoring.Metrics
	log      *logging.Logger
}

type client struct {
	conn *websocket.Conn
	send chan Update
}

// NewHub creates a hub. snapshot may be nil; metrics may be nil.
func NewHub(snapshot SnapshotFunc, metrics *monitoring.Metrics, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		clients:  make(map[*client]struct{}),
		snapshot: snapshot,
		metrics:  metrics,
		log:      log,
	}
}

// Broadcast queues an update for every connected client. Slow clients
// are dropped rather than allowed to block the runtime.
func (h *Hub) Broadcast(update Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- update:
		default:
			h.log.Warn("dropping slow websocket client")
			go h.remove(c)
		}
	}
	if h.metrics != nil {
		h.metrics.RecordWSMessage("outbound", update.Type)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection handles WebSocket upgrade and streams surface updates.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn, send: make(chan Update, clientSendSize)}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}

	// Replay current surfaces so a fresh client is not blank.
	if h.snapshot != nil {
		for _, u := range h.snapshot() {
			select {
			case cl.send <- u:
			default:
			}
		}
	}

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *Hub) writePump(cl *client) {
	for update := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteJSON(update); err != nil {
			h.remove(cl)
			return
		}
	}
}

// readPump drains the client side. Surface clients send nothing but
// pings; actions come back over HTTP instead.
func (h *Hub) readPump(cl *client) {
	defer h.remove(cl)
	for {
		var msg map[string]interface{}
		if err := cl.conn.ReadJSON(&msg); err != nil {
			return
		}
		if t, _ := msg["type"].(string); t == "ping" {
			select {
			case cl.send <- Update{Type: "pong"}:
			default:
			}
		}
	}
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	_, ok := h.clients[cl]
	if ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()

	if ok {
		cl.conn.Close()
		if h.metrics != nil {
			h.metrics.DecWSConnections()
		}
	}
}
