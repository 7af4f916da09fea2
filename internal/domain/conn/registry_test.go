package conn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/backend/internal/infrastructure/logging"
	"github.com/chatrelay/backend/internal/types"
)

// stopRecorder records Stop calls.
type stopRecorder struct {
	mu       sync.Mutex
	sessions []string
}

func (s *stopRecorder) Stop(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, session)
	return true
}

func (s *stopRecorder) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// wsPair upgrades one server-side connection per dial and hands it to accept.
func wsPair(t *testing.T, accept func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accept(ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func readFrame(t *testing.T, ws *websocket.Conn) types.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame types.Frame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestConnectSendsAcknowledgement(t *testing.T) {
	registry := NewRegistry(logging.NewNop())

	serverSide := make(chan *websocket.Conn, 1)
	client := wsPair(t, func(ws *websocket.Conn) { serverSide <- ws })

	registry.Connect(<-serverSide, "s1")

	frame := readFrame(t, client)
	assert.Equal(t, types.FrameSessionID, frame.Type)
	assert.Equal(t, "s1", frame.SessionID)
}

func TestSendDeliversToRegisteredChannel(t *testing.T) {
	registry := NewRegistry(logging.NewNop())

	serverSide := make(chan *websocket.Conn, 1)
	client := wsPair(t, func(ws *websocket.Conn) { serverSide <- ws })
	registry.Connect(<-serverSide, "s1")
	readFrame(t, client) // ack

	registry.Send("s1", types.Frame{Type: types.FrameResponseChunk, Content: "hi"})

	frame := readFrame(t, client)
	assert.Equal(t, types.FrameResponseChunk, frame.Type)
	assert.Equal(t, "hi", frame.Content)
}

func TestSendToUnknownSessionIsSilent(t *testing.T) {
	registry := NewRegistry(logging.NewNop())
	// Must not panic or block.
	registry.Send("nope", types.Frame{Type: types.FrameResponseChunk, Content: "x"})
}

func TestDisconnectStopsTask(t *testing.T) {
	stopper := &stopRecorder{}
	registry := NewRegistry(logging.NewNop())
	registry.BindStopper(stopper)

	serverSide := make(chan *websocket.Conn, 1)
	client := wsPair(t, func(ws *websocket.Conn) { serverSide <- ws })
	registry.Connect(<-serverSide, "s1")
	readFrame(t, client) // ack

	registry.Disconnect("s1")
	assert.Equal(t, []string{"s1"}, stopper.calls())

	// Idempotent: a second disconnect does not stop again.
	registry.Disconnect("s1")
	assert.Equal(t, []string{"s1"}, stopper.calls())

	// The channel is gone; sends become silent no-ops.
	registry.Send("s1", types.Frame{Type: types.FrameResponseChunk, Content: "late"})
}

func TestConnectReplacesPreviousRegistration(t *testing.T) {
	registry := NewRegistry(logging.NewNop())

	serverSide := make(chan *websocket.Conn, 2)
	first := wsPair(t, func(ws *websocket.Conn) { serverSide <- ws })
	registry.Connect(<-serverSide, "s1")
	readFrame(t, first) // ack

	second := wsPair(t, func(ws *websocket.Conn) { serverSide <- ws })
	registry.Connect(<-serverSide, "s1")
	readFrame(t, second) // ack

	registry.Send("s1", types.Frame{Type: types.FrameResponseChunk, Content: "to-second"})

	frame := readFrame(t, second)
	assert.Equal(t, "to-second", frame.Content)

	// The replaced channel receives nothing further.
	first.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var stale types.Frame
	assert.Error(t, first.ReadJSON(&stale))
}
