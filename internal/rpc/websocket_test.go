package rpc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/broadcast"
	"github.com/tallyhq/tallyd/internal/metrics"
)

// dial opens a WebSocket client against the fixture's /ws endpoint.
func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame := map[string]any{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func TestSubscribeStreamsCommittedEntities(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	sendCommand(t, conn, map[string]any{"command": "subscribe", "tenants": []string{"t1"}, "id": 1})
	ack := readFrame(t, conn)
	require.Equal(t, "success", ack["status"])
	require.Equal(t, float64(1), ack["id"])

	_, entityID := f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 10, "category": "food"})
	f.drain(t)

	frame := readFrame(t, conn)
	require.Equal(t, broadcast.TypeEntityCreated, frame["type"])
	require.Equal(t, "t1", frame["tenant"])
	require.Equal(t, float64(1), frame["ledgerSequence"])
	ent, _ := frame["entity"].(map[string]any)
	require.Equal(t, entityID, ent["id"])

	f.submit(t, "t1", "UPDATE", entityID, map[string]any{"amount": 20})
	f.drain(t)
	frame = readFrame(t, conn)
	require.Equal(t, broadcast.TypeEntityUpdated, frame["type"])
	require.Equal(t, float64(2), frame["ledgerSequence"])

	f.submit(t, "t1", "DELETE", entityID, nil)
	f.drain(t)
	frame = readFrame(t, conn)
	require.Equal(t, broadcast.TypeEntityDeleted, frame["type"])
}

func TestSubscriberOnlySeesItsTenants(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	sendCommand(t, conn, map[string]any{"command": "subscribe", "tenants": []string{"t1"}})
	readFrame(t, conn)

	// A commit on another tenant produces nothing for this subscriber.
	f.submit(t, "t2", "CREATE", "", map[string]any{"amount": 10, "category": "x"})
	f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 11, "category": "y"})
	f.drain(t)

	frame := readFrame(t, conn)
	require.Equal(t, "t1", frame["tenant"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestUnsubscribeStopsStream(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	sendCommand(t, conn, map[string]any{"command": "subscribe", "tenants": []string{"t1"}})
	readFrame(t, conn)
	sendCommand(t, conn, map[string]any{"command": "unsubscribe", "tenants": []string{"t1"}})
	ack := readFrame(t, conn)
	require.Equal(t, "success", ack["status"])

	f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 10, "category": "x"})
	f.drain(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestCommandValidation(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	sendCommand(t, conn, map[string]any{"command": "subscribe"})
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["status"])

	sendCommand(t, conn, map[string]any{"command": "subscribe", "tenants": []string{"bad|tenant"}})
	frame = readFrame(t, conn)
	require.Equal(t, "error", frame["status"])

	sendCommand(t, conn, map[string]any{"command": "explode", "tenants": []string{"t1"}})
	frame = readFrame(t, conn)
	require.Equal(t, "error", frame["status"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame = readFrame(t, conn)
	require.Equal(t, "error", frame["status"])
	wsErr, _ := frame["error"].(map[string]any)
	require.Equal(t, float64(CodeParse), wsErr["code"])

	// The connection survives bad frames.
	sendCommand(t, conn, map[string]any{"command": "subscribe", "tenants": []string{"t1"}})
	frame = readFrame(t, conn)
	require.Equal(t, "success", frame["status"])
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	sendCommand(t, conn, map[string]any{"command": "subscribe", "tenants": []string{"t1"}})
	readFrame(t, conn)
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	f.hub.Close()
	require.Equal(t, 0, f.hub.Subscribers())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

// Publish delivery mechanics are tested against hand-built connections; no
// socket is needed to exercise queueing and drop accounting.
func TestPublishDropsFramesOnFullQueue(t *testing.T) {
	m := metrics.NewNop()
	hub := NewHub(1, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &wsConn{
		id:      "slow",
		send:    make(chan []byte, 1),
		ctx:     ctx,
		cancel:  cancel,
		tenants: map[string]struct{}{"t1": {}},
	}
	hub.conns[c.id] = c

	ev := broadcast.EntityEvent{Type: broadcast.TypeEntityCreated, Tenant: "t1", LedgerSequence: 1}
	hub.Publish(context.Background(), ev)
	hub.Publish(context.Background(), ev)
	hub.Publish(context.Background(), ev)

	require.Len(t, c.send, 1)
	require.Equal(t, float64(1), testutil.ToFloat64(m.BroadcastsSent))
	require.Equal(t, float64(2), testutil.ToFloat64(m.BroadcastsDrop))
}

func TestPublishSkipsOtherTenants(t *testing.T) {
	m := metrics.NewNop()
	hub := NewHub(4, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &wsConn{
		id:      "c1",
		send:    make(chan []byte, 4),
		ctx:     ctx,
		cancel:  cancel,
		tenants: map[string]struct{}{"t1": {}},
	}
	hub.conns[c.id] = c

	hub.Publish(context.Background(), broadcast.EntityEvent{Type: broadcast.TypeEntityCreated, Tenant: "t2"})
	require.Empty(t, c.send)

	hub.Publish(context.Background(), broadcast.EntityEvent{Type: broadcast.TypeEntityCreated, Tenant: "t1"})
	require.Len(t, c.send, 1)
}
