package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardisd/internal/core/event"
)

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ConnectionCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func TestBroadcastDeliversEnvelope(t *testing.T) {
	s := NewServer(nil)
	conn := dialTestServer(t, s)
	waitForClients(t, s, 1)

	evt := event.New(event.TypePaymentCompleted, map[string]any{
		"payment_id": "pay_1",
		"amount":     "25.00",
	})
	s.Broadcast(evt)

	msg := readJSON(t, conn)
	assert.Equal(t, evt.ID, msg["id"])
	assert.Equal(t, string(event.TypePaymentCompleted), msg["type"])
	assert.Equal(t, event.APIVersion, msg["api_version"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "25.00", data["amount"])
}

func TestSubscribeNarrowsFeed(t *testing.T) {
	s := NewServer(nil)
	conn := dialTestServer(t, s)
	waitForClients(t, s, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command":     "subscribe",
		"event_types": []string{string(event.TypePaymentCompleted)},
	}))
	ack := readJSON(t, conn)
	assert.Equal(t, "response", ack["type"])
	assert.Equal(t, "success", ack["status"])

	// The filtered-out event must not arrive; per-connection sends are
	// FIFO, so the first frame after the ack is the matching event.
	s.Broadcast(event.New(event.TypeHoldCreated, nil))
	matching := event.New(event.TypePaymentCompleted, nil)
	s.Broadcast(matching)

	msg := readJSON(t, conn)
	assert.Equal(t, matching.ID, msg["id"])
}

func TestUnsubscribeRestoresFullFeed(t *testing.T) {
	s := NewServer(nil)
	conn := dialTestServer(t, s)
	waitForClients(t, s, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command":     "subscribe",
		"event_types": []string{string(event.TypeRiskAlert)},
	}))
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"command": "unsubscribe"}))
	readJSON(t, conn)

	evt := event.New(event.TypeWalletCreated, nil)
	s.Broadcast(evt)
	msg := readJSON(t, conn)
	assert.Equal(t, evt.ID, msg["id"])
}

func TestUnknownCommandRejected(t *testing.T) {
	s := NewServer(nil)
	conn := dialTestServer(t, s)
	waitForClients(t, s, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"command": "ledger_closed"}))
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["status"])
	assert.Contains(t, msg["message"], "ledger_closed")
}

func TestSinkFeedsBroadcast(t *testing.T) {
	s := NewServer(nil)
	conn := dialTestServer(t, s)
	waitForClients(t, s, 1)

	bus := event.NewBus(nil)
	bus.Subscribe(s.Sink())

	evt := event.New(event.TypeHoldCaptured, nil)
	bus.Publish(evt)

	msg := readJSON(t, conn)
	assert.Equal(t, evt.ID, msg["id"])
}

func TestCloseDisconnectsClients(t *testing.T) {
	s := NewServer(nil)
	first := dialTestServer(t, s)
	second := dialTestServer(t, s)
	waitForClients(t, s, 2)

	s.Close()
	waitForClients(t, s, 0)

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	}
}
