package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []Message
	failNext bool
	closed   bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errClosed
	}
	msg, _ := v.(Message)
	f.written = append(f.written, msg)
	return nil
}
func (f *fakeConn) WriteMessage(int, []byte) error { return nil }
func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func testHub() *Hub {
	return New(config.HubConfig{MaxConnections: 10, MaxPerIP: 5, HeartbeatInterval: 30 * time.Second, WriteTimeout: time.Second}, nil)
}

func TestConnectRejectsOverGlobalCap(t *testing.T) {
	h := New(config.HubConfig{MaxConnections: 1, MaxPerIP: 10, WriteTimeout: time.Second}, nil)
	if !h.Connect(&fakeConn{}, "a", "1.2.3.4", nil) {
		t.Fatal("expected first connection admitted")
	}
	if h.Connect(&fakeConn{}, "b", "1.2.3.5", nil) {
		t.Fatal("expected second connection rejected over global cap")
	}
}

func TestConnectRejectsOverPerIPCap(t *testing.T) {
	h := New(config.HubConfig{MaxConnections: 10, MaxPerIP: 1, WriteTimeout: time.Second}, nil)
	if !h.Connect(&fakeConn{}, "a", "1.2.3.4", nil) {
		t.Fatal("expected first connection admitted")
	}
	if h.Connect(&fakeConn{}, "b", "1.2.3.4", nil) {
		t.Fatal("expected second connection from same IP rejected")
	}
}

func TestConnectSendsSystemConnectedMessage(t *testing.T) {
	h := testHub()
	c := &fakeConn{}
	if !h.Connect(c, "conn-1", "1.2.3.4", []Subscription{SubTickets}) {
		t.Fatal("expected connection to be admitted")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) != 1 {
		t.Fatalf("expected exactly one message on connect, got %d", len(c.written))
	}
	msg := c.written[0]
	if msg.Type != "system:connected" {
		t.Fatalf("expected system:connected, got %s", msg.Type)
	}
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map data, got %T", msg.Data)
	}
	if data["connection_id"] != "conn-1" {
		t.Fatalf("expected connection_id conn-1, got %v", data["connection_id"])
	}
	subs, ok := data["subscriptions"].([]Subscription)
	if !ok || len(subs) != 1 || subs[0] != SubTickets {
		t.Fatalf("expected subscriptions [TICKETS], got %v", data["subscriptions"])
	}
}

func TestEmptySubscriptionsDefaultToAll(t *testing.T) {
	h := testHub()
	h.Connect(&fakeConn{}, "a", "1.2.3.4", nil)
	h.mu.RLock()
	c := h.connections["a"]
	h.mu.RUnlock()
	if !c.subscriptions[SubAll] {
		t.Fatal("expected default subscription to be ALL")
	}
}

func TestBroadcastFiltersBySubscription(t *testing.T) {
	h := testHub()
	ticketsConn := &fakeConn{}
	agentsConn := &fakeConn{}
	h.Connect(ticketsConn, "tickets-sub", "10.0.0.1", []Subscription{SubTickets})
	h.Connect(agentsConn, "agents-sub", "10.0.0.2", []Subscription{SubAgents})

	ticketsConn.written = nil
	agentsConn.written = nil

	sent := h.Broadcast("ticket.created", map[string]string{"id": "T-1"})
	if sent != 1 {
		t.Fatalf("expected exactly 1 send for ticket event, got %d", sent)
	}
	if len(ticketsConn.written) != 1 {
		t.Fatal("expected tickets-subscribed connection to receive the event")
	}
	if len(agentsConn.written) != 0 {
		t.Fatal("expected agents-subscribed connection to not receive a ticket event")
	}
}

func TestBroadcastAlwaysReachesAllSubscribers(t *testing.T) {
	h := testHub()
	allConn := &fakeConn{}
	h.Connect(allConn, "all-sub", "10.0.0.3", []Subscription{SubAll})
	allConn.written = nil

	sent := h.Broadcast("ticket.created", nil)
	if sent != 1 || len(allConn.written) != 1 {
		t.Fatal("expected ALL subscriber to receive every event")
	}
}

func TestBroadcastDropsConnectionOnSendFailure(t *testing.T) {
	h := testHub()
	bad := &fakeConn{failNext: true}
	h.Connect(bad, "bad", "10.0.0.4", nil)

	sent := h.Broadcast("system.test", nil)
	if sent != 0 {
		t.Fatalf("expected 0 successful sends, got %d", sent)
	}
	if h.Stats().TotalConnections != 0 {
		t.Fatal("expected failed connection to be disconnected")
	}
}

func TestDisconnectFreesPerIPSlot(t *testing.T) {
	h := New(config.HubConfig{MaxConnections: 10, MaxPerIP: 1, WriteTimeout: time.Second}, nil)
	h.Connect(&fakeConn{}, "a", "1.2.3.4", nil)
	h.Disconnect("a")
	if !h.Connect(&fakeConn{}, "b", "1.2.3.4", nil) {
		t.Fatal("expected slot freed after disconnect")
	}
}

func TestUpdateSubscriptionsChangesTargeting(t *testing.T) {
	h := testHub()
	c := &fakeConn{}
	h.Connect(c, "a", "1.2.3.4", []Subscription{SubAgents})
	if !h.UpdateSubscriptions("a", []Subscription{SubTickets}) {
		t.Fatal("expected update to succeed for known connection")
	}
	if h.Broadcast("agent.started", nil) != 0 {
		t.Fatal("expected connection to no longer receive agent events")
	}
	if h.Broadcast("ticket.created", nil) != 1 {
		t.Fatal("expected connection to now receive ticket events")
	}
}

func TestHandleClientMessageInvalidJSONKeepsConnectionOpenAndRepliesError(t *testing.T) {
	h := testHub()
	c := &fakeConn{}
	h.Connect(c, "a", "1.2.3.4", nil)
	c.written = nil

	h.HandleClientMessage("a", []byte("not json"), nil)

	if h.Stats().TotalConnections != 1 {
		t.Fatal("expected connection to remain open after invalid JSON")
	}
	if len(c.written) != 1 || c.written[0].Type != "system:error" {
		t.Fatalf("expected a system:error reply, got %+v", c.written)
	}
}

func TestHandleClientMessagePongUpdatesLastPing(t *testing.T) {
	h := testHub()
	c := &fakeConn{}
	h.Connect(c, "a", "1.2.3.4", nil)

	h.HandleClientMessage("a", []byte(`{"type":"system:pong"}`), nil)

	h.mu.RLock()
	last := h.connections["a"].lastPing
	h.mu.RUnlock()
	if time.Since(last) > time.Second {
		t.Fatal("expected lastPing to be updated recently")
	}
}

func TestHandleClientMessageInvokesCustomHandler(t *testing.T) {
	h := testHub()
	c := &fakeConn{}
	h.Connect(c, "a", "1.2.3.4", nil)

	var seen ClientMessage
	h.HandleClientMessage("a", []byte(`{"type":"chat","data":"hi"}`), func(id string, msg ClientMessage) {
		seen = msg
	})
	if seen.Type != "chat" {
		t.Fatalf("expected custom handler to receive parsed message, got %+v", seen)
	}
}

func TestStartStopHeartbeatBroadcastsPing(t *testing.T) {
	h := New(config.HubConfig{MaxConnections: 10, MaxPerIP: 10, HeartbeatInterval: 10 * time.Millisecond, WriteTimeout: time.Second}, nil)
	c := &fakeConn{}
	h.Connect(c, "a", "1.2.3.4", nil)
	c.mu.Lock()
	c.written = nil
	c.mu.Unlock()

	h.StartHeartbeat()
	time.Sleep(35 * time.Millisecond)
	h.StopHeartbeat()

	c.mu.Lock()
	n := len(c.written)
	c.mu.Unlock()
	if n == 0 {
		t.Fatal("expected at least one heartbeat ping to be sent")
	}
	for _, m := range c.written {
		if m.Type != "system:ping" {
			t.Fatalf("expected only system:ping messages, got %s", m.Type)
		}
	}
}
