package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/backend/internal/domain/conn"
	"github.com/chatrelay/backend/internal/domain/history"
	"github.com/chatrelay/backend/internal/domain/task"
	"github.com/chatrelay/backend/internal/generation"
	"github.com/chatrelay/backend/internal/infrastructure/logging"
	"github.com/chatrelay/backend/internal/types"
)

type genAdapter struct {
	client *generation.Client
}

func (g genAdapter) Stream(ctx context.Context, msgs []history.Message) (task.ChunkStream, error) {
	stream, err := g.client.Stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// newChatServer wires a full relay stack against the given generation backend.
func newChatServer(t *testing.T, backendURL string) (*httptest.Server, *history.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewNop()
	store := history.NewMemoryStore()
	registry := conn.NewRegistry(logger)
	genClient := generation.New(generation.Config{
		URL:     backendURL,
		Model:   "test-model",
		Timeout: 10 * time.Second,
	}, logger)
	control := task.NewController(store, genAdapter{client: genClient}, registry, logger)
	registry.BindStopper(control)

	router := gin.New()
	router.GET("/api/chat", NewHandler(registry, control, store, logger).HandleConnection)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store
}

func dialChat(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) types.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame types.Frame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame types.InboundFrame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func ndjsonChunk(content string, done bool) []byte {
	line, _ := json.Marshal(map[string]interface{}{
		"message": map[string]string{"content": content},
		"done":    done,
	})
	return append(line, '\n')
}

func TestChatRoundTrip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []history.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Full history goes to the backend: preamble plus the user turn.
		require.Len(t, req.Messages, 2)
		assert.Equal(t, history.RoleSystem, req.Messages[0].Role)
		assert.Equal(t, history.RoleUser, req.Messages[1].Role)
		assert.Equal(t, "hi", req.Messages[1].Content)

		w.Write(ndjsonChunk("He", false))
		w.Write(ndjsonChunk("llo", false))
		w.Write(ndjsonChunk("", true))
	}))
	defer backend.Close()

	srv, store := newChatServer(t, backend.URL)
	ws := dialChat(t, srv, "uuid=u1&session_id=s1")

	ack := readFrame(t, ws)
	require.Equal(t, types.FrameSessionID, ack.Type)
	assert.Equal(t, "s1", ack.SessionID)

	writeFrame(t, ws, types.InboundFrame{Type: types.FrameUserMessage, Content: "hi"})

	assert.Equal(t, types.Frame{Type: types.FrameResponseChunk, Content: "He"}, readFrame(t, ws))
	assert.Equal(t, types.Frame{Type: types.FrameResponseChunk, Content: "llo"}, readFrame(t, ws))
	assert.Equal(t, types.FrameResponseEnd, readFrame(t, ws).Type)

	msgs, err := store.Read(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, history.RoleSystem, msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Content)
	assert.Equal(t, history.Message{Role: history.RoleAssistant, Content: "Hello", Timestamp: msgs[2].Timestamp}, msgs[2])
}

func TestServerGeneratesSessionID(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ndjsonChunk("", true))
	}))
	defer backend.Close()

	srv, _ := newChatServer(t, backend.URL)
	ws := dialChat(t, srv, "uuid=u1")

	ack := readFrame(t, ws)
	require.Equal(t, types.FrameSessionID, ack.Type)
	assert.NotEmpty(t, ack.SessionID)
}

func TestMissingUserIDRejected(t *testing.T) {
	srv, _ := newChatServer(t, "http://127.0.0.1:1")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopGenerationSavesPartial(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ndjsonChunk("Par", false))
		w.(http.Flusher).Flush()
		// Hold the stream open until the relay cancels the request.
		<-r.Context().Done()
	}))
	defer backend.Close()

	srv, store := newChatServer(t, backend.URL)
	ws := dialChat(t, srv, "uuid=u1&session_id=s1")
	readFrame(t, ws) // ack

	writeFrame(t, ws, types.InboundFrame{Type: types.FrameUserMessage, Content: "hi"})
	assert.Equal(t, types.Frame{Type: types.FrameResponseChunk, Content: "Par"}, readFrame(t, ws))

	writeFrame(t, ws, types.InboundFrame{Type: types.FrameStopGeneration})
	assert.Equal(t, types.FrameStopped, readFrame(t, ws).Type)

	msgs, err := store.Read(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, history.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Par", msgs[2].Content)

	// No further chunk frames arrive after stopped.
	ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var stale types.Frame
	assert.Error(t, ws.ReadJSON(&stale))
}

func TestNewMessageSupersedesRunningGeneration(t *testing.T) {
	var second atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !second.Swap(true) {
			w.Write(ndjsonChunk("Old", false))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		w.Write(ndjsonChunk("New", false))
		w.Write(ndjsonChunk("", true))
	}))
	defer backend.Close()

	srv, store := newChatServer(t, backend.URL)
	ws := dialChat(t, srv, "uuid=u1&session_id=s1")
	readFrame(t, ws) // ack

	writeFrame(t, ws, types.InboundFrame{Type: types.FrameUserMessage, Content: "one"})
	assert.Equal(t, types.Frame{Type: types.FrameResponseChunk, Content: "Old"}, readFrame(t, ws))

	writeFrame(t, ws, types.InboundFrame{Type: types.FrameUserMessage, Content: "two"})

	// The superseded task closes with a stopped frame, then the new turn streams.
	assert.Equal(t, types.FrameStopped, readFrame(t, ws).Type)
	assert.Equal(t, types.Frame{Type: types.FrameResponseChunk, Content: "New"}, readFrame(t, ws))
	assert.Equal(t, types.FrameResponseEnd, readFrame(t, ws).Type)

	msgs, err := store.Read(context.Background(), "u1", "s1")
	require.NoError(t, err)
	// system, user one, assistant Old (partial), user two, assistant New.
	require.Len(t, msgs, 5)
	assert.Equal(t, "Old", msgs[2].Content)
	assert.Equal(t, "two", msgs[3].Content)
	assert.Equal(t, "New", msgs[4].Content)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ndjsonChunk("ok", false))
		w.Write(ndjsonChunk("", true))
	}))
	defer backend.Close()

	srv, _ := newChatServer(t, backend.URL)
	ws := dialChat(t, srv, "uuid=u1&session_id=s1")
	readFrame(t, ws) // ack

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)))
	writeFrame(t, ws, types.InboundFrame{Type: types.FrameUserMessage})

	// The channel survives all three; a real message still works.
	writeFrame(t, ws, types.InboundFrame{Type: types.FrameUserMessage, Content: "hi"})
	assert.Equal(t, types.Frame{Type: types.FrameResponseChunk, Content: "ok"}, readFrame(t, ws))
	assert.Equal(t, types.FrameResponseEnd, readFrame(t, ws).Type)
}

func TestStopWhenIdleSendsNothing(t *testing.T) {
	srv, _ := newChatServer(t, "http://127.0.0.1:1")
	ws := dialChat(t, srv, "uuid=u1&session_id=s1")
	readFrame(t, ws) // ack

	writeFrame(t, ws, types.InboundFrame{Type: types.FrameStopGeneration})

	ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var frame types.Frame
	assert.Error(t, ws.ReadJSON(&frame))
}
