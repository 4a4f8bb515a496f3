package fanout

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shopfloorlabs/pulse/pkg/factory"
)

const (
	typeOEEData    = "OEEData"
	typeMicrostops = "Microstops"

	// Clients never send application data, pings excluded.
	maxMessageSize = 512
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SnapshotFunc supplies the microstop records pushed to a client right
// after it connects, before any broadcast reaches it.
type SnapshotFunc func(r *http.Request) ([]factory.DowntimeRecord, error)

type hubMetrics struct {
	connectedClients prometheus.Gauge
	broadcasts       *prometheus.CounterVec
	droppedMessages  prometheus.Counter
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	return &hubMetrics{
		connectedClients: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "fanout_connected_clients",
			Help:      "Number of websocket clients currently registered.",
		}),
		broadcasts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "fanout_broadcasts_total",
			Help:      "Total messages broadcast to websocket clients.",
		}, []string{"type"}),
		droppedMessages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "fanout_dropped_messages_total",
			Help:      "Total messages dropped because a client send buffer was full.",
		}),
	}
}

// Hub owns the websocket side of the process. Broadcasts fan out to
// every registered client without ever blocking the caller: a client
// that cannot keep up loses messages instead of stalling the engine.
type Hub struct {
	services.Service

	cfg      *Config
	logger   log.Logger
	snapshot SnapshotFunc
	upgrader websocket.Upgrader
	metrics  *hubMetrics

	mtx     sync.RWMutex
	clients map[*client]struct{}
	stopped bool
}

func New(cfg *Config, snapshot SnapshotFunc, logger log.Logger, reg prometheus.Registerer) *Hub {
	h := &Hub{
		cfg:      cfg,
		logger:   log.With(logger, "component", "fanout"),
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect from their own origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics: newHubMetrics(reg),
		clients: map[*client]struct{}{},
	}
	h.Service = services.NewIdleService(nil, h.stopping)
	return h
}

func (h *Hub) stopping(_ error) error {
	h.mtx.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[*client]struct{}{}
	h.stopped = true
	h.mtx.Unlock()

	for _, c := range clients {
		close(c.send)
		h.metrics.connectedClients.Dec()
	}
	return nil
}

// ServeWS upgrades the request and registers the connection. The
// microstop snapshot is queued before registration so it is always the
// first message the client reads.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.State() != services.Running {
		http.Error(w, "fanout not running", http.StatusServiceUnavailable)
		return
	}

	var first []byte
	if h.snapshot != nil {
		records, err := h.snapshot(r)
		if err != nil {
			level.Warn(h.logger).Log("msg", "microstop snapshot unavailable, client starts without one", "err", err)
		} else {
			first, err = jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(envelope{Type: typeMicrostops, Data: records})
			if err != nil {
				level.Error(h.logger).Log("msg", "failed to marshal microstop snapshot", "err", err)
				first = nil
			}
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		level.Warn(h.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
	}
	if first != nil {
		c.send <- first
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}

	go c.writePump(h.cfg.WriteTimeout)
	go c.readPump()
}

// BroadcastOEE queues a computed payload to every client.
func (h *Hub) BroadcastOEE(data interface{}) {
	h.broadcast(typeOEEData, data)
}

// BroadcastStoppages queues the refreshed microstop records to every
// client, mirroring the snapshot a new client receives.
func (h *Hub) BroadcastStoppages(records []factory.DowntimeRecord) {
	h.broadcast(typeMicrostops, records)
}

func (h *Hub) broadcast(typ string, data interface{}) {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to marshal broadcast", "type", typ, "err", err)
		return
	}
	h.metrics.broadcasts.WithLabelValues(typ).Inc()

	h.mtx.RLock()
	defer h.mtx.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.metrics.droppedMessages.Inc()
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.connectedClients.Inc()
	return true
}

func (h *Hub) remove(c *client) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.connectedClients.Dec()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump(writeTimeout time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}

// readPump drains and discards client frames. Its only jobs are pong
// bookkeeping and noticing that the peer went away.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
