package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/broadcast"
	"github.com/tallyhq/tallyd/internal/core/tenant"
	"github.com/tallyhq/tallyd/internal/metrics"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsMaxFrameSize = 4 * 1024
)

// Hub owns the /ws endpoint: it upgrades connections, tracks per-tenant
// subscriptions, and fans committed entity events out to subscribers. It is
// the broadcast.Broadcaster the entity store publishes through; a slow
// subscriber loses frames rather than stalling anything upstream.
type Hub struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	sendQueue int
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn
}

type wsConn struct {
	id     string
	sock   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	tenants map[string]struct{}
}

// NewHub creates the subscriber hub. sendQueue is each connection's outbound
// buffer; past it, frames to that connection are dropped and counted.
func NewHub(sendQueue int, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if sendQueue <= 0 {
		sendQueue = 256
	}
	return &Hub{
		logger:    logger.Named("ws"),
		metrics:   m,
		sendQueue: sendQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// ServeHTTP upgrades the connection and starts its pumps. The connection
// lives until the peer goes away or the hub closes; the request context dies
// with this handler, so the connection carries its own.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		id:      uuid.NewString(),
		sock:    sock,
		send:    make(chan []byte, h.sendQueue),
		ctx:     ctx,
		cancel:  cancel,
		tenants: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("subscriber connected", zap.String("conn", c.id))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Publish implements broadcast.Broadcaster: one committed entity event goes
// to every connection subscribed to its tenant.
func (h *Hub) Publish(_ context.Context, ev broadcast.EntityEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal entity event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.mu.RLock()
		_, subscribed := c.tenants[ev.Tenant]
		c.mu.RUnlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- data:
			h.metrics.BroadcastsSent.Inc()
		default:
			h.metrics.BroadcastsDrop.Inc()
			h.logger.Debug("send queue full, frame dropped",
				zap.String("conn", c.id),
				zap.String("tenant", ev.Tenant),
			)
		}
	}
}

// Subscribers returns the live connection count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every subscriber. Called on server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.drop(c)
	}
}

func (h *Hub) readLoop(c *wsConn) {
	defer h.drop(c)

	c.sock.SetReadLimit(wsMaxFrameSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(wsPongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("subscriber read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		h.handleCommand(c, raw)
	}
}

func (h *Hub) writeLoop(c *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop tears a connection down once; both pumps and Close funnel here.
func (h *Hub) drop(c *wsConn) {
	c.cancel()

	h.mu.Lock()
	_, live := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	_ = c.sock.Close()
	if live {
		h.logger.Debug("subscriber disconnected", zap.String("conn", c.id))
	}
}

// wsCommand is an inbound control frame.
type wsCommand struct {
	Command string   `json:"command"`
	Tenants []string `json:"tenants"`
	ID      any      `json:"id,omitempty"`
}

// wsAck answers a control frame.
type wsAck struct {
	Type    string    `json:"type"`
	ID      any       `json:"id,omitempty"`
	Status  string    `json:"status"`
	Tenants []string  `json:"tenants,omitempty"`
	Error   *RpcError `json:"error,omitempty"`
}

func (h *Hub) handleCommand(c *wsConn, raw []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.ack(c, wsAck{Type: "response", Status: "error", Error: errParse(err)})
		return
	}

	switch cmd.Command {
	case "subscribe", "unsubscribe":
	default:
		h.ack(c, wsAck{Type: "response", ID: cmd.ID, Status: "error",
			Error: errInvalidParams("unknown command %q", cmd.Command)})
		return
	}
	if len(cmd.Tenants) == 0 {
		h.ack(c, wsAck{Type: "response", ID: cmd.ID, Status: "error",
			Error: errInvalidParams("tenants is required")})
		return
	}
	for _, id := range cmd.Tenants {
		if err := tenant.ValidateID(id); err != nil {
			h.ack(c, wsAck{Type: "response", ID: cmd.ID, Status: "error", Error: fromError(err)})
			return
		}
	}

	c.mu.Lock()
	for _, id := range cmd.Tenants {
		if cmd.Command == "subscribe" {
			c.tenants[id] = struct{}{}
		} else {
			delete(c.tenants, id)
		}
	}
	c.mu.Unlock()

	h.ack(c, wsAck{Type: "response", ID: cmd.ID, Status: "success", Tenants: cmd.Tenants})
}

// ack queues a control response; like broadcasts, it is dropped rather than
// letting one connection block the read pump.
func (h *Hub) ack(c *wsConn, a wsAck) {
	data, err := json.Marshal(a)
	if err != nil {
		h.logger.Error("marshal ws ack", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		h.logger.Debug("send queue full, ack dropped", zap.String("conn", c.id))
	}
}
