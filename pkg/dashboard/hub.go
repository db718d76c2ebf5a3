package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const clientSendBuffer = 16

var (
	websocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_clients",
		Help: "Number of connected WebSocket clients.",
	})
	websocketDisconnectedSlowClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "websocket_disconnected_slow_clients_total",
		Help: "Total number of WebSocket clients disconnected because they did not keep up with updates.",
	})
)

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	// lastVersion of the view queued to the client, guarded by the hub lock.
	lastVersion uint64
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub streams every published view to all connected WebSocket clients.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	mtx          sync.Mutex
	clients      map[*client]struct{}
	closed       bool
	clientCount  *atomic.Int64
	broadcasts   *atomic.Uint64
	logger       logrus.FieldLogger
}

func NewHub(writeTimeout time.Duration, logger logrus.FieldLogger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// Dashboard clients may be served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		clients:      make(map[*client]struct{}),
		clientCount:  atomic.NewInt64(0),
		broadcasts:   atomic.NewUint64(0),
		logger:       logger,
	}
}

func (h *Hub) ClientCount() int64 {
	return h.clientCount.Load()
}

func (h *Hub) Broadcasts() uint64 {
	return h.broadcasts.Load()
}

func (h *Hub) register(c *client) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	websocketClients.Set(float64(h.clientCount.Inc()))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	websocketClients.Set(float64(h.clientCount.Dec()))
}

// Broadcast never blocks, clients with full send buffer are disconnected.
func (h *Hub) Broadcast(view *View) {
	data, err := json.Marshal(view)
	if err != nil {
		h.logger.Errorf("failed to marshal view: %v", err)
		return
	}
	h.broadcasts.Inc()
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
			c.lastVersion = view.Version
		default:
			h.logger.Warn("WebSocket client is too slow, disconnecting")
			websocketDisconnectedSlowClientsTotal.Inc()
			delete(h.clients, c)
			c.close()
			websocketClients.Set(float64(h.clientCount.Dec()))
		}
	}
}

// Close disconnects all clients and refuses new ones.
func (h *Hub) Close() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
		websocketClients.Set(float64(h.clientCount.Dec()))
	}
}

// ServeWS upgrades the connection and streams views starting with the current one.
// The current view is read only after the client is registered, so no published view is missed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, current func() *View) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.WithField("remote", r.RemoteAddr).Debug("WebSocket client connected")
	h.queueInitial(c, current())
	go h.writePump(c)
	go h.readPump(c)
}

// queueInitial sends the view unless a broadcast already queued the same or newer one.
func (h *Hub) queueInitial(c *client, view *View) {
	data, err := json.Marshal(view)
	if err != nil {
		h.logger.Errorf("failed to marshal view: %v", err)
		return
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.clients[c]; !ok || view.Version <= c.lastVersion {
		return
	}
	select {
	case c.send <- data:
		c.lastVersion = view.Version
	default:
	}
}

func (h *Hub) writePump(c *client) {
	defer func() {
		_ = c.conn.Close()
	}()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			break
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debugf("WebSocket write failed: %v", err)
			break
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(h.writeTimeout))
}

// readPump discards incoming messages and unregisters the client once it goes away.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
