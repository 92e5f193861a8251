package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hrygo/branchtalk/internal/profile"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

// authDriver implements the handshake subset of store.Driver in memory;
// everything else panics via the embedded nil interface.
type authDriver struct {
	store.Driver
	tokens map[string]*store.AccessToken
	users  map[string]*store.User
}

func (d *authDriver) Close() error { return nil }

func (d *authDriver) GetAccessToken(_ context.Context, id string) (*store.AccessToken, error) {
	token, ok := d.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return token, nil
}

func (d *authDriver) GetUser(_ context.Context, id string) (*store.User, error) {
	user, ok := d.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return user, nil
}

func newWebsocketTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	driver := &authDriver{
		tokens: map[string]*store.AccessToken{
			"tok1": {ID: "tok1", UserID: "u1", SecretHash: string(hash)},
		},
		users: map[string]*store.User{
			"u1": {ID: "u1", Username: "alice"},
		},
	}
	p := &profile.Profile{Mode: "dev", ModelTimeout: 1, AIRatePerMinute: 60, AIRateBurst: 10}

	srv, err := NewServer(context.Background(), p, store.New(driver, p))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.echoServer)
	t.Cleanup(ts.Close)
	return srv, ts
}

func websocketURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=" + token
}

func TestWebsocketBadTokenClosesWithPolicyViolation(t *testing.T) {
	_, ts := newWebsocketTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(ts, "tok1.wrong"), nil)
	require.NoError(t, err, "the upgrade is accepted before auth is answered")
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestWebsocketMalformedTokenClosesWithPolicyViolation(t *testing.T) {
	_, ts := newWebsocketTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(websocketURL(ts, "no-dot"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestWebsocketValidTokenConnects(t *testing.T) {
	_, ts := newWebsocketTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(websocketURL(ts, "tok1.s3cret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var event struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, wire.EventConnected, event.Type)
	assert.Equal(t, "u1", event.UserID)
}

func TestShutdownClosesSessionsGoingAway(t *testing.T) {
	srv, ts := newWebsocketTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(websocketURL(ts, "tok1.s3cret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The session is registered before connected is sent, so once the frame
	// arrives CloseAll is guaranteed to see it.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	srv.conns.CloseAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
