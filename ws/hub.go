// Package ws implements the WebSocket Hub (spec §4.6.b): a connection pool
// with admission control, a closed subscription vocabulary, subscription-
// filtered broadcast, and a periodic heartbeat.
package ws

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/eventbus"
)

// Subscription is one of the closed vocabulary of broadcast targets.
type Subscription string

const (
	SubAll        Subscription = "ALL"
	SubAgents     Subscription = "AGENTS"
	SubOpsLog     Subscription = "OPS_LOG"
	SubTickets    Subscription = "TICKETS"
	SubDirectives Subscription = "DIRECTIVES"
)

var validSubscriptions = map[Subscription]bool{
	SubAll: true, SubAgents: true, SubOpsLog: true, SubTickets: true, SubDirectives: true,
}

// eventSubscriptions maps an event type's category to the fixed set of
// subscriptions a broadcast of that type targets (spec §4.6.b).
func eventSubscriptions(eventType string) map[Subscription]bool {
	cat := eventType
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		cat = eventType[:i]
	}
	switch cat {
	case "ticket":
		return map[Subscription]bool{SubAll: true, SubTickets: true}
	case "agent":
		return map[Subscription]bool{SubAll: true, SubAgents: true}
	case "ops_log":
		return map[Subscription]bool{SubAll: true, SubOpsLog: true}
	case "directive":
		return map[Subscription]bool{SubAll: true, SubDirectives: true}
	default:
		// build.*, system.* and anything else reach only ALL subscribers.
		return map[Subscription]bool{SubAll: true}
	}
}

// Message is the envelope written to a connection's socket.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ClientMessage is what HandleClientMessage expects to parse from raw client
// input.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// conn is the subset of *websocket.Conn the hub depends on, so tests can
// substitute a fake without a real socket.
type conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Connection is a live WebSocket tracked by the hub (spec §3).
type Connection struct {
	ID            string
	ClientIP      string
	ConnectedAt   time.Time
	subscriptions map[Subscription]bool

	mu        sync.Mutex
	sock      conn
	lastPing  time.Time
	closed    bool
	writeWait time.Duration
}

func (c *Connection) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.sock.WriteJSON(msg); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Connection) Subscriptions() []Subscription {
	out := make([]Subscription, 0, len(c.subscriptions))
	for s := range c.subscriptions {
		out = append(out, s)
	}
	return out
}

type hubError string

func (e hubError) Error() string { return string(e) }

const errClosed = hubError("ws: connection closed")

// Stats summarizes the hub's current state.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	BySubscription   map[string]int `json:"by_subscription"`
	HeartbeatRunning bool           `json:"heartbeat_running"`
}

// Hub is the connection pool described by spec §4.6.b. The zero value is not
// usable; construct with New.
type Hub struct {
	cfg    config.HubConfig
	logger corelog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
	perIP       map[string]int

	heartbeatMu   sync.Mutex
	heartbeatStop chan struct{}
	heartbeatOn   bool
}

// New constructs a Hub. logger may be nil (defaults to a no-op logger).
func New(cfg config.HubConfig, logger corelog.ComponentAwareLogger) *Hub {
	var l corelog.Logger = corelog.NoOpLogger{}
	if logger != nil {
		l = logger.WithComponent(corelog.ComponentWSHub)
	}
	return &Hub{
		cfg:         cfg,
		logger:      l,
		connections: make(map[string]*Connection),
		perIP:       make(map[string]int),
	}
}

// ClientIP derives the caller's address the way the hub's admission control
// does: the first X-Forwarded-For entry if present, else the request's
// direct peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Connect admits a new connection subject to the global and per-IP caps. On
// rejection it writes a close frame with code 1013 to sock and returns
// false; the caller is responsible for not using sock further either way.
func (h *Hub) Connect(sock conn, connectionID, clientIP string, subscriptions []Subscription) bool {
	h.mu.Lock()
	if len(h.connections) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		closeWithCode(sock, 1013, "server at capacity")
		return false
	}
	if h.perIP[clientIP] >= h.cfg.MaxPerIP {
		h.mu.Unlock()
		closeWithCode(sock, 1013, "too many from your IP")
		return false
	}

	subs := normalizeSubscriptions(subscriptions)
	c := &Connection{
		ID:            connectionID,
		ClientIP:      clientIP,
		ConnectedAt:   time.Now().UTC(),
		subscriptions: subs,
		sock:          sock,
		lastPing:      time.Now().UTC(),
		writeWait:     h.cfg.WriteTimeout,
	}
	h.connections[connectionID] = c
	h.perIP[clientIP]++
	h.mu.Unlock()

	h.logger.Info("connection admitted", map[string]interface{}{"connection_id": connectionID, "client_ip": clientIP})

	_ = c.send(Message{
		Type:      "system:connected",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"connection_id": connectionID,
			"subscriptions": c.Subscriptions(),
		},
	})
	return true
}

func normalizeSubscriptions(subs []Subscription) map[Subscription]bool {
	out := make(map[Subscription]bool)
	for _, s := range subs {
		if validSubscriptions[s] {
			out[s] = true
		}
	}
	if len(out) == 0 {
		out[SubAll] = true
	}
	return out
}

func closeWithCode(sock conn, code int, reason string) {
	_ = sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = sock.Close()
}

// Disconnect removes a connection, closing its socket if still open.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	c, ok := h.connections[id]
	if ok {
		delete(h.connections, id)
		h.perIP[c.ClientIP]--
		if h.perIP[c.ClientIP] <= 0 {
			delete(h.perIP, c.ClientIP)
		}
	}
	h.mu.Unlock()
	if ok {
		c.markClosed()
		_ = c.sock.Close()
	}
}

// UpdateSubscriptions replaces a connection's subscription set. Returns
// false if the connection is unknown.
func (h *Hub) UpdateSubscriptions(id string, subs []Subscription) bool {
	h.mu.RLock()
	c, ok := h.connections[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.subscriptions = normalizeSubscriptions(subs)
	return true
}

// Broadcast sends data tagged with eventType to every connection whose
// subscriptions intersect the event's target set (spec §4.6.b), returning
// the number of successful sends.
func (h *Hub) Broadcast(eventType string, data interface{}) int {
	targets := eventSubscriptions(eventType)
	return h.broadcastTargets(targets, Message{Type: eventType, Data: data, Timestamp: time.Now().UTC()})
}

// BroadcastToSubscription sends message to every connection subscribed to
// sub (or ALL).
func (h *Hub) BroadcastToSubscription(sub Subscription, message Message) int {
	return h.broadcastTargets(map[Subscription]bool{sub: true, SubAll: true}, message)
}

// BroadcastAll sends message to every connection regardless of subscription.
func (h *Hub) BroadcastAll(message Message) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	return h.sendToAll(conns, message)
}

func (h *Hub) broadcastTargets(targets map[Subscription]bool, message Message) int {
	h.mu.RLock()
	conns := make([]*Connection, 0)
	for _, c := range h.connections {
		if c.subscriptions[SubAll] && targets[SubAll] {
			conns = append(conns, c)
			continue
		}
		matched := false
		for s := range targets {
			if c.subscriptions[s] {
				matched = true
				break
			}
		}
		if matched {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	return h.sendToAll(conns, message)
}

func (h *Hub) sendToAll(conns []*Connection, message Message) int {
	sent := 0
	var failed []string
	for _, c := range conns {
		if err := c.send(message); err != nil {
			failed = append(failed, c.ID)
			continue
		}
		sent++
	}
	for _, id := range failed {
		h.Disconnect(id)
	}
	return sent
}

// HandleClientMessage parses raw as a ClientMessage. Invalid JSON replies
// with a system:error message and leaves the connection open. Valid
// messages are passed to handler if non-nil; otherwise built-in
// ping/pong bookkeeping applies.
func (h *Hub) HandleClientMessage(id string, raw []byte, handler func(id string, msg ClientMessage)) {
	h.mu.RLock()
	c, ok := h.connections[id]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = c.send(Message{Type: "system:error", Data: map[string]string{"message": "invalid JSON"}, Timestamp: time.Now().UTC()})
		return
	}

	if handler != nil {
		handler(id, msg)
		return
	}

	switch msg.Type {
	case "system:pong":
		c.mu.Lock()
		c.lastPing = time.Now().UTC()
		c.mu.Unlock()
	case "system:ping":
		_ = c.send(Message{Type: "system:pong", Timestamp: time.Now().UTC()})
	default:
		_ = c.send(Message{Type: "system:error", Data: map[string]string{"message": "unknown message type: " + msg.Type}, Timestamp: time.Now().UTC()})
	}
}

// StartHeartbeat begins broadcasting system:ping every HeartbeatInterval
// until StopHeartbeat is called. Calling it twice without an intervening
// stop is a no-op.
func (h *Hub) StartHeartbeat() {
	h.heartbeatMu.Lock()
	defer h.heartbeatMu.Unlock()
	if h.heartbeatOn {
		return
	}
	h.heartbeatOn = true
	h.heartbeatStop = make(chan struct{})
	stop := h.heartbeatStop
	interval := h.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.BroadcastAll(Message{Type: "system:ping", Timestamp: time.Now().UTC()})
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat cancels the periodic ping task started by StartHeartbeat.
func (h *Hub) StopHeartbeat() {
	h.heartbeatMu.Lock()
	defer h.heartbeatMu.Unlock()
	if !h.heartbeatOn {
		return
	}
	close(h.heartbeatStop)
	h.heartbeatOn = false
}

// Stats reports the hub's current connection counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bySub := make(map[string]int)
	for _, c := range h.connections {
		for s := range c.subscriptions {
			bySub[string(s)]++
		}
	}
	h.heartbeatMu.Lock()
	running := h.heartbeatOn
	h.heartbeatMu.Unlock()
	return Stats{
		TotalConnections: len(h.connections),
		BySubscription:   bySub,
		HeartbeatRunning: running,
	}
}

// Dispatch implements eventbus.OutOfProcessDispatcher: every bus event is
// broadcast to matching connections.
func (h *Hub) Dispatch(e eventbus.Event) {
	h.Broadcast(string(e.Type), e.Payload)
}

var _ eventbus.OutOfProcessDispatcher = (*Hub)(nil)
