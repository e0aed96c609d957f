package transport_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/casmbu/nodejs-gateway/internal/backend"
	"github.com/casmbu/nodejs-gateway/internal/eventbus"
	"github.com/casmbu/nodejs-gateway/internal/session"
	"github.com/casmbu/nodejs-gateway/internal/store"
	"github.com/casmbu/nodejs-gateway/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st := store.New()
	bc := backend.New(backend.Config{URL: "http://unused.invalid"})
	mgr := session.New(st, bc, eventbus.New(), session.Config{GracePeriod: 50 * time.Millisecond})
	up := transport.NewUpgrader(mgr, nil)

	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	return srv, st
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestUpgrader_RegistersSocketOnConnect(t *testing.T) {
	srv, st := newTestServer(t)
	dial(t, srv)

	require.Eventually(t, func() bool {
		preAuth, _ := st.CountSockets()
		return preAuth == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUpgrader_DisconnectRemovesSocket(t *testing.T) {
	srv, st := newTestServer(t)
	conn := dial(t, srv)

	require.Eventually(t, func() bool {
		preAuth, _ := st.CountSockets()
		return preAuth == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		preAuth, _ := st.CountSockets()
		return preAuth == 0
	}, time.Second, 10*time.Millisecond)
}

func TestUpgrader_FailedAuthenticateClosesConnection(t *testing.T) {
	srv, st := newTestServer(t)
	conn := dial(t, srv)

	require.Eventually(t, func() bool {
		preAuth, _ := st.CountSockets()
		return preAuth == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"name": "authenticate",
		"data": map[string]any{"authToken": "nope"},
	}))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	_, authenticated := st.CountSockets()
	require.Zero(t, authenticated)
}
