package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/exchange-agent/internal/metrics"
	"github.com/kubilitics/exchange-agent/internal/models"
)

// WebSocket message types
const (
	MessageTypeAlert     = "alert"
	MessageTypeHeartbeat = "heartbeat"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size accepted from a peer; clients only listen
	maxMessageSize = 4 << 10

	// sendBuffer is the per-client queue; a client that falls this far
	// behind is dropped
	sendBuffer = 64

	defaultHeartbeat = 30 * time.Second
)

// WSMessage is one frame on /ws/alerts.
type WSMessage struct {
	Type      string        `json:"type"`
	Alert     *models.Alert `json:"alert,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// AlertHub streams fired alerts to WebSocket subscribers. It implements
// agent.Notifier.
type AlertHub struct {
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewAlertHub creates a hub that accepts connections from allowedOrigins.
// "*" allows any origin; requests without an Origin header are always
// accepted.
func NewAlertHub(allowedOrigins []string, logger *zap.Logger) *AlertHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	h := &AlertHub{
		heartbeat: defaultHeartbeat,
		log:       logger.With(zap.String("component", "alert-hub")),
		clients:   make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
	return h
}

// ServeWS upgrades the request and streams alerts until the peer leaves or
// the hub stops.
func (h *AlertHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err), zap.String("origin", r.Header.Get("Origin")))
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.log.Debug("alert subscriber connected", zap.String("client_id", c.id))

	go h.writePump(c)
	h.readPump(c)
}

func (h *AlertHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	metrics.WebSocketConnections.Inc()
	return true
}

// remove drops c and closes its queue; safe to call more than once.
func (h *AlertHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *AlertHub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketConnections.Dec()
}

// readPump discards inbound frames and returns when the connection fails.
func (h *AlertHub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		h.wg.Done()
		h.log.Debug("alert subscriber disconnected", zap.String("client_id", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
	}
}

func (h *AlertHub) writePump(c *wsClient) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

// NotifyAlerts queues one message per alert for every subscriber. Slow
// subscribers are disconnected rather than blocking the caller.
func (h *AlertHub) NotifyAlerts(alerts []models.Alert) {
	if len(alerts) == 0 {
		return
	}
	frames := make([][]byte, 0, len(alerts))
	for i := range alerts {
		data, err := json.Marshal(WSMessage{Type: MessageTypeAlert, Alert: &alerts[i], Timestamp: time.Now().UTC()})
		if err != nil {
			h.log.Error("failed to encode alert", zap.String("alert_id", alerts[i].ID), zap.Error(err))
			continue
		}
		frames = append(frames, data)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		for _, f := range frames {
			select {
			case c.send <- f:
			default:
				h.log.Warn("dropping slow alert subscriber", zap.String("client_id", c.id))
				h.removeLocked(c)
			}
			if _, ok := h.clients[c]; !ok {
				break
			}
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *AlertHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop disconnects every subscriber and waits for their goroutines. Later
// connections are refused.
func (h *AlertHub) Stop() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
