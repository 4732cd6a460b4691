package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-board/internal/auth"
	"github.com/manpreetbhatti/lattice-board/internal/room"
	"github.com/manpreetbhatti/lattice-board/internal/store"
)

const testSecret = "test-secret"

type testEnv struct {
	server *httptest.Server
	authn  *auth.JWTAuthenticator
	hub    *room.Hub
}

func setup(t *testing.T, policy auth.Policy, limits Limits) *testEnv {
	t.Helper()
	return setupWithStore(t, store.NewMemoryStore(), policy, limits)
}

func setupWithStore(t *testing.T, s store.Store, policy auth.Policy, limits Limits) *testEnv {
	t.Helper()
	authn := auth.NewJWTAuthenticator(testSecret, "")
	hub := room.NewHub(room.Options{Store: s, Access: policy, AutoCreate: true})
	srv := NewServer(Options{
		Hub:           hub,
		Authenticator: authn,
		Access:        policy,
		Log:           s,
		ReplayCeiling: time.Millisecond,
		Limits:        limits,
	})

	r := chi.NewRouter()
	r.Get("/ws/collaborate/{room}", srv.Collaborate)
	r.Get("/ws/replay/{room}", srv.Replay)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, authn: authn, hub: hub}
}

func (e *testEnv) token(t *testing.T, staff bool) string {
	t.Helper()
	tok, err := e.authn.Issue(auth.Identity{ID: uuid.New(), Staff: staff}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame %s", data)
}

// joined waits until n connections are members of a room.
func (e *testEnv) joined(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.hub.ConnectionCount() == n }, 2*time.Second, 5*time.Millisecond)
}

// relays checks that a frame sent by from reaches to.
func relays(t *testing.T, from, to *websocket.Conn) {
	t.Helper()
	send(t, from, `{"eventtype":"files_added","fileids":["sync"]}`)
	assert.Equal(t, "files_added", read(t, to)["eventtype"])
}

func TestCollaborateFanOut(t *testing.T) {
	env := setup(t, auth.Policy{AllowAnonymous: true}, Limits{})
	a := env.dial(t, "/ws/collaborate/R1", env.token(t, false))
	b := env.dial(t, "/ws/collaborate/R1", "")
	env.joined(t, 2)

	send(t, a, `{"eventtype":"collaborator_change","changes":[{"pointer":{"x":1},"username":"a"}]}`)
	msg := read(t, b)
	assert.Equal(t, "collaborator_change", msg["eventtype"])
	change := msg["changes"].([]any)[0].(map[string]any)
	assert.NotEmpty(t, change["userRoomId"])

	assertSilent(t, a)
}

func TestCollaborateViolationKeepsConnection(t *testing.T) {
	env := setup(t, auth.Policy{AllowAnonymous: true}, Limits{})
	a := env.dial(t, "/ws/collaborate/R1", "")
	b := env.dial(t, "/ws/collaborate/R1", "")
	env.joined(t, 2)

	send(t, a, `{"eventtype":"consolelog"}`)
	send(t, a, `not json`)
	relays(t, a, b)
}

func TestCollaborateLoginRequired(t *testing.T) {
	env := setup(t, auth.Policy{}, Limits{})
	conn := env.dial(t, "/ws/collaborate/R1", "")

	assert.Equal(t, "login_required", read(t, conn)["eventtype"])
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), err)
	assert.Equal(t, CloseLoginRequired, closeErr.Code)
}

func TestCollaboratePublicRoom(t *testing.T) {
	env := setup(t, auth.Policy{PublicRooms: []string{"open"}}, Limits{})
	a := env.dial(t, "/ws/collaborate/open", "")
	b := env.dial(t, "/ws/collaborate/open", "")
	env.joined(t, 2)
	relays(t, b, a)
}

func TestCollaborateRejectsBadRequests(t *testing.T) {
	env := setup(t, auth.Policy{AllowAnonymous: true}, Limits{})

	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/collaborate/bad%20name", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"/ws/collaborate/R1?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCollaborateRateLimit(t *testing.T) {
	env := setup(t, auth.Policy{AllowAnonymous: true}, Limits{MessagesPerSecond: 0.001, Burst: 2, MaxMessageSize: 1024})
	a := env.dial(t, "/ws/collaborate/R1", "")
	b := env.dial(t, "/ws/collaborate/R1", "")
	env.joined(t, 2)

	send(t, a, `{"eventtype":"files_added","fileids":["1"]}`)
	send(t, a, `{"eventtype":"files_added","fileids":["2"]}`)
	send(t, a, `{"eventtype":"files_added","fileids":["3"]}`)
	assert.Equal(t, []any{"1"}, read(t, b)["fileids"])
	assert.Equal(t, []any{"2"}, read(t, b)["fileids"])
	assertSilent(t, b)
}

func TestReplayRequiresStaff(t *testing.T) {
	env := setup(t, auth.Policy{AllowAnonymous: true}, Limits{})
	conn := env.dial(t, "/ws/replay/R1", env.token(t, false))

	assert.Equal(t, "login_required", read(t, conn)["eventtype"])
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), err)
	assert.Equal(t, CloseLoginRequired, closeErr.Code)
}

func TestReplayPlaysRecordedRoom(t *testing.T) {
	env := setup(t, auth.Policy{AllowAnonymous: true}, Limits{})
	viewer := env.dial(t, "/ws/replay/R1", env.token(t, true))

	send(t, viewer, `{"eventtype":"start_replay"}`)
	reset := read(t, viewer)
	assert.Equal(t, "reset_scene", reset["eventtype"])
	assert.EqualValues(t, 0, reset["steps"])
	assert.Equal(t, "pause_replay", read(t, viewer)["eventtype"])
}

// panickingLog blows up on synchronous element log writes.
type panickingLog struct {
	*store.MemoryStore
}

func (p panickingLog) AppendLogRecord(ctx context.Context, record *store.LogRecord) error {
	if record.EventType == "elements_changed" {
		panic("log write exploded")
	}
	return p.MemoryStore.AppendLogRecord(ctx, record)
}

func TestCollaborateHandlerPanicLeavesRoom(t *testing.T) {
	s := panickingLog{store.NewMemoryStore()}
	_, _, err := s.GetOrCreateRoom(context.Background(), "R1", store.RoomDefaults{TrackingEnabled: true})
	require.NoError(t, err)
	env := setupWithStore(t, s, auth.Policy{AllowAnonymous: true}, Limits{})
	a := env.dial(t, "/ws/collaborate/R1", "")
	b := env.dial(t, "/ws/collaborate/R1", "")
	env.joined(t, 2)

	send(t, a, `{"eventtype":"elements_changed","elements":[]}`)

	assert.Equal(t, "collaborator_left", read(t, b)["eventtype"])
	env.joined(t, 1)
}
