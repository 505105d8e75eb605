package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestHubBroadcastAndReplay(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- hub.Run(ctx) }()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	hub.Publish("hardware", map[string]any{"connected": true, "kind": "bus"})
	require.Eventually(t, func() bool { return len(hub.broadcast) == 0 }, time.Second, time.Millisecond)

	first := dial(t, srv)
	m := readMessage(t, first)
	assert.Equal(t, "hardware", m.Type)
	assert.JSONEq(t, `{"connected":true,"kind":"bus"}`, string(m.Data))

	second := dial(t, srv)
	assert.Equal(t, "hardware", readMessage(t, second).Type, "late clients get the last state")

	hub.Publish("outcome", map[string]string{"kind": "success", "ticket": "TK-AB12CD"})
	for _, c := range []*websocket.Conn{first, second} {
		m := readMessage(t, c)
		assert.Equal(t, "outcome", m.Type)
		assert.JSONEq(t, `{"kind":"success","ticket":"TK-AB12CD"}`, string(m.Data))
	}

	cancel()
	require.NoError(t, <-runDone)
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "hub shutdown closes client connections")
}

func TestPublishUnencodable(t *testing.T) {
	hub := NewHub(nil)
	hub.Publish("bad", func() {})
	assert.Empty(t, hub.snapshot())
}
