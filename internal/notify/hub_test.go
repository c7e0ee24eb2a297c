package notify

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &out))
	return out
}

// TestHub_broadcastsNotifications delivers a notification to a dashboard.
func TestHub_broadcastsNotifications(t *testing.T) {
	h := NewHub()
	defer h.Close()
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	h.Notify(Notification{
		ID:         "n-1",
		Kind:       KindCriticalConflict,
		Title:      "Critical sync conflict",
		ConflictID: "c-1",
		Persistent: true,
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, "CRITICAL_CONFLICT", env["type"])
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "c-1", data["conflict_id"])
	assert.Equal(t, true, data["persistent"])
}

// TestHub_subscriptionFilters sends only subscribed kinds once a client
// subscribes.
func TestHub_subscriptionFilters(t *testing.T) {
	h := NewHub()
	defer h.Close()
	conn := dialHub(t, h)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{"CRITICAL_CONFLICT"}}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	h.Notify(Notification{Kind: KindFailure, Title: "Sync failed"})
	h.Notify(Notification{Kind: KindCriticalConflict, ConflictID: "c-9"})

	env := readEnvelope(t, conn)
	assert.Equal(t, "CRITICAL_CONFLICT", env["type"])
}

func TestHub_ping(t *testing.T) {
	h := NewHub()
	defer h.Close()
	conn := dialHub(t, h)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	assert.Equal(t, "pong", readEnvelope(t, conn)["action"])
}

// TestHub_closeDisconnects drops clients and ignores later broadcasts.
func TestHub_closeDisconnects(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	h.Close()
	h.Close()
	h.Notify(Notification{Kind: KindOnline})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Zero(t, h.Clients())
}

func TestHub_rejectsForeignOrigin(t *testing.T) {
	h := NewHub("http://dashboard.local")
	defer h.Close()
	srv := httptest.NewServer(h)
	defer srv.Close()

	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}
