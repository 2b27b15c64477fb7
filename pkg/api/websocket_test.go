package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowstudio/pkg/projector"
	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/stream"
)

func dialHub(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type envelopeLog struct {
	mu   sync.Mutex
	envs []runtime.Envelope
}

func (l *envelopeLog) add(env runtime.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = append(l.envs, env)
}

func (l *envelopeLog) nodes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, env := range l.envs {
		out = append(out, env.NodeID)
	}
	return out
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketPingAndUnknownMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialHub(t, env, env.token(t, "acme"))

	require.NoError(t, conn.WriteJSON(stream.ClientMessage{Type: stream.MessagePing}))
	var pong runtime.Envelope
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, stream.MessagePong, pong.Type)

	require.NoError(t, conn.WriteJSON(stream.ClientMessage{Type: "shout"}))
	var reply runtime.Envelope
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, stream.MessageError, reply.Type)
	assert.Contains(t, string(reply.Data), "unknown message type")

	require.NoError(t, conn.WriteJSON(stream.ClientMessage{Type: stream.MessageSubscribe}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, stream.MessageError, reply.Type)
}

func TestWebSocketDeliversSessionStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")
	hub := env.server.Hub()

	src, err := stream.NewWebSocketSource(env.http.URL, token)
	require.NoError(t, err)

	var got envelopeLog
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- src.Stream(ctx, "run-1", got.add)
	}()

	require.Eventually(t, func() bool {
		return hub.GetSessionSubscribers("acme", "run-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/run-1/events", token,
		`[{"node_id":"start","status":"completed"},{"node_id":"ask","status":"running"}]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// another company's session with the same id stays invisible
	other := env.token(t, "globex")
	resp = env.do(t, http.MethodPost, "/api/v1/sessions/run-1/events", other,
		`{"node_id":"leak","status":"running"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(got.nodes()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"start", "ask"}, got.nodes())

	cancel()
	select {
	case err := <-streamDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}

	require.Eventually(t, func() bool {
		return hub.GetSessionSubscribers("acme", "run-1") == 0 &&
			env.bus.Subscribers("acme", "run-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketSharesFeedAcrossConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")
	hub := env.server.Hub()

	first := dialHub(t, env, token)
	second := dialHub(t, env, token)
	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.WriteJSON(stream.ClientMessage{Type: stream.MessageSubscribe, SessionID: "run-7"}))
	}

	require.Eventually(t, func() bool {
		return hub.GetSessionSubscribers("acme", "run-7") == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.bus.Subscribers("acme", "run-7"))
	assert.Equal(t, 2, hub.GetConnectedClients())

	require.NoError(t, env.bus.Publish(context.Background(),
		runtime.NewStatusEnvelope("acme", "run-7", "ask", runtime.StatusRunning)))

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got runtime.Envelope
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "ask", got.NodeID)
		assert.Equal(t, string(runtime.StatusRunning), got.Status)
	}

	require.NoError(t, first.WriteJSON(stream.ClientMessage{Type: stream.MessageUnsubscribe, SessionID: "run-7"}))
	require.Eventually(t, func() bool {
		return hub.GetSessionSubscribers("acme", "run-7") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.bus.Subscribers("acme", "run-7"))

	second.Close()
	require.Eventually(t, func() bool {
		return env.bus.Subscribers("acme", "run-7") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProjectorOverWebSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")

	src, err := stream.NewWebSocketSource(env.http.URL, token)
	require.NoError(t, err)

	p := projector.New()
	defer p.Close()
	require.NoError(t, p.Open(context.Background(), "run-9", src))

	require.Eventually(t, func() bool {
		return env.server.Hub().GetSessionSubscribers("acme", "run-9") == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/run-9/events", token,
		`[{"node_id":"ask","status":"running"},{"node_id":"ask","status":"completed"}]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		st, ok := p.Snapshot().Status("ask")
		return ok && st == runtime.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, projector.StateStreaming, p.Snapshot().State)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")

	src := stream.NewSSESource(env.http.URL, token)

	var got envelopeLog
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Stream(ctx, "run-3", got.add)

	require.Eventually(t, func() bool {
		return env.bus.Subscribers("acme", "run-3") == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/run-3/events", token,
		`[{"node_id":"start","status":"completed"},{"node_id":"out","status":"failed"}]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(got.nodes()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"start", "out"}, got.nodes())

	cancel()
	require.Eventually(t, func() bool {
		return env.bus.Subscribers("acme", "run-3") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
