// ABOUTME: Tests for the generic websocket driver
// ABOUTME: Verifies frame normalization and reply round-trips

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketDriverRoundTrip(t *testing.T) {
	connected := make(chan struct{}, 1)
	events := make(chan *Event, 1)
	replies := make(chan wsFrame, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ws-secret", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		require.NoError(t, conn.WriteJSON(wsFrame{
			Type:       "task.created",
			Payload:    json.RawMessage(`{"id":"task-1"}`),
			RespondTo:  "queue-a",
			ReplyToken: "tok-1",
		}))

		var reply wsFrame
		if err := conn.ReadJSON(&reply); err == nil {
			replies <- reply
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	creds := `{"url":"` + wsURL + `","auth_token":"ws-secret"}`
	driver, err := NewWebSocketDriver(Config{
		IntegrationID: "int-w",
		AgentID:       "agent-w",
		Credentials:   json.RawMessage(creds),
		Callbacks: Callbacks{
			OnConnected: func() { connected <- struct{}{} },
			OnEvent:     func(evt *Event) { events <- evt },
		},
	})
	require.NoError(t, err)
	require.NoError(t, driver.Connect(context.Background()))
	defer func() { _ = driver.Disconnect() }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connected callback")
	}

	var evt *Event
	select {
	case evt = <-events:
		assert.Equal(t, PlatformWebSocket, evt.Platform)
		assert.Equal(t, "task.created", evt.Type)
		assert.Equal(t, "queue-a", evt.RespondTo)
		assert.Equal(t, "tok-1", evt.ReplyToken)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	require.NoError(t, driver.SendReply(context.Background(), evt, "ack"))
	select {
	case reply := <-replies:
		assert.Equal(t, "reply", reply.Type)
		assert.Equal(t, "ack", reply.Text)
		assert.Equal(t, "queue-a", reply.RespondTo)
		assert.Equal(t, "tok-1", reply.ReplyToken)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply frame")
	}
}

func TestWebSocketDriverDisconnectedReply(t *testing.T) {
	creds := `{"url":"ws://127.0.0.1:1/ws"}`
	driver, err := NewWebSocketDriver(Config{Credentials: json.RawMessage(creds)})
	require.NoError(t, err)

	err = driver.SendReply(context.Background(), &Event{}, "nope")
	require.Error(t, err)
}

func TestWebSocketDriverRequiresURL(t *testing.T) {
	_, err := NewWebSocketDriver(Config{Credentials: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestNewDriverUnknownPlatform(t *testing.T) {
	_, err := NewDriver("carrier-pigeon", Config{Credentials: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}
