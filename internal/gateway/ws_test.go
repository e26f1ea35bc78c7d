// ABOUTME: Websocket end-to-end tests: join snapshots, cross-tab delta
// ABOUTME: broadcast with echo suppression, conflicts, and resync.

package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/meshgate/internal/state"
)

type wsClient struct {
	conn *websocket.Conn
}

func dialWS(t *testing.T, server *httptest.Server, tabID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "join", TabID: tabID}))
	return &wsClient{conn: conn}
}

func (c *wsClient) read(t *testing.T) serverFrame {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame serverFrame
	require.NoError(t, c.conn.ReadJSON(&frame))
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func (c *wsClient) readUntil(t *testing.T, frameType string) serverFrame {
	t.Helper()
	for {
		frame := c.read(t)
		if frame.Type == frameType {
			return frame
		}
	}
}

func (c *wsClient) assertSilent(t *testing.T, wait time.Duration) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(wait)))
	var frame serverFrame
	err := c.conn.ReadJSON(&frame)
	require.Error(t, err, "expected no frame, got %+v", frame)
	assert.True(t, strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline"))
}

func newWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	f := newTestGateway(t, &fakeDispatcher{}, nil)
	server := httptest.NewServer(f.gateway.Handler())
	t.Cleanup(server.Close)
	return server
}

func TestWS_JoinReceivesFullSnapshot(t *testing.T) {
	server := newWSServer(t)
	client := dialWS(t, server, "tab-1")

	frame := client.read(t)
	assert.Equal(t, "state", frame.Type)
	require.NotNil(t, frame.State)
	assert.Equal(t, uint64(0), frame.Version)
}

func TestWS_DeltaBroadcastWithEchoSuppression(t *testing.T) {
	server := newWSServer(t)

	t1 := dialWS(t, server, "tab-1")
	t2 := dialWS(t, server, "tab-2")
	t1.read(t) // initial snapshots
	t2.read(t)

	require.NoError(t, t1.conn.WriteJSON(clientFrame{
		Type:        "delta",
		Path:        "widgets.w1.value",
		Value:       json.RawMessage("42"),
		BaseVersion: 0,
	}))

	// Originator gets a direct ack with the accepted version.
	ack := t1.readUntil(t, "delta")
	assert.Equal(t, "widgets.w1.value", ack.Path)
	assert.Equal(t, uint64(1), ack.Version)

	// The other tab gets the broadcast.
	broadcast := t2.readUntil(t, "delta")
	assert.Equal(t, "widgets.w1.value", broadcast.Path)
	assert.Equal(t, json.RawMessage("42"), broadcast.Value)
	assert.Equal(t, uint64(1), broadcast.Version)
	assert.Equal(t, "tab-1", broadcast.OriginTabID)

	// No echo back to the originator.
	t1.assertSilent(t, 150*time.Millisecond)
}

func TestWS_StaleDeltaGetsVersionConflictWithCurrentState(t *testing.T) {
	server := newWSServer(t)
	client := dialWS(t, server, "tab-1")
	client.read(t)

	// Advance the document to version 2.
	for i := range 2 {
		require.NoError(t, client.conn.WriteJSON(clientFrame{
			Type:        "delta",
			Path:        "loading",
			Value:       json.RawMessage("true"),
			BaseVersion: uint64(i),
		}))
		client.readUntil(t, "delta")
	}

	require.NoError(t, client.conn.WriteJSON(clientFrame{
		Type:        "delta",
		Path:        "loading",
		Value:       json.RawMessage("false"),
		BaseVersion: 0,
	}))

	frame := client.readUntil(t, "error")
	assert.Equal(t, "version_conflict", frame.Code)
	assert.Equal(t, uint64(2), frame.Version)
	require.NotNil(t, frame.State, "conflict carries the authoritative state")
}

func TestWS_ResyncSendsSnapshot(t *testing.T) {
	server := newWSServer(t)
	client := dialWS(t, server, "tab-1")
	client.read(t)

	require.NoError(t, client.conn.WriteJSON(clientFrame{Type: "resync"}))
	frame := client.readUntil(t, "state")
	require.NotNil(t, frame.State)
}

func TestWS_InvokeStreamsPartialThenResult(t *testing.T) {
	server := newWSServer(t)
	client := dialWS(t, server, "tab-1")
	client.read(t)

	require.NoError(t, client.conn.WriteJSON(clientFrame{
		Type:    "invoke",
		Message: mustMessage("run it"),
	}))

	partial := client.readUntil(t, "partial")
	require.NotNil(t, partial.Task)

	result := client.readUntil(t, "result")
	require.NotNil(t, result.Task)
	assert.Equal(t, TaskCompleted, result.Task.Status)
	require.NotNil(t, result.Task.Result)
	assert.Equal(t, "ok", result.Task.Result.Message.Parts[0].Text)
}

func TestWS_RejoinWithHeldStateReconciles(t *testing.T) {
	server := newWSServer(t)

	// An existing tab advances the server document first.
	resident := dialWS(t, server, "tab-1")
	resident.read(t)
	require.NoError(t, resident.conn.WriteJSON(clientFrame{
		Type:  "delta",
		Path:  "widgets.clock",
		Value: json.RawMessage(`{"face":"analog"}`),
	}))
	resident.readUntil(t, "delta")

	// A tab reconnecting with state held across a disconnect goes through
	// reconciliation; the default policy keeps the server document.
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	held := &state.DashboardState{Version: 7, Timestamp: time.Now().Add(time.Hour)}
	require.NoError(t, conn.WriteJSON(clientFrame{Type: "join", TabID: "tab-2", State: held}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame serverFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "state", frame.Type)
	assert.Equal(t, uint64(1), frame.Version, "server document wins under the default policy")

	// The rest of the room repaints to the reconciled snapshot.
	repaint := resident.readUntil(t, "state")
	assert.Equal(t, uint64(1), repaint.Version)
}

func TestWS_FirstFrameMustBeJoin(t *testing.T) {
	server := newWSServer(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "resync"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame serverFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, "bad_join", frame.Code)
}
