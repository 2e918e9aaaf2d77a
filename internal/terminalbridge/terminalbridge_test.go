package terminalbridge_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub009/internal/terminalbridge"
)

func TestDeliverWritesToRegisteredInbox(t *testing.T) {
	bridge := terminalbridge.New(zerolog.Nop())
	upgrader := websocket.Upgrader{}

	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		bridge.Register("casey", conn)
		close(registered)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("server never registered the inbox")
	}
	require.Eventually(t, func() bool { return bridge.Connected("casey") }, time.Second, 10*time.Millisecond)

	ok, err := bridge.Deliver("casey", "hello casey")
	require.NoError(t, err)
	require.True(t, ok)

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := clientConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello casey", string(msg))
}

func TestDeliverFailsWhenNotRegistered(t *testing.T) {
	bridge := terminalbridge.New(zerolog.Nop())
	ok, err := bridge.Deliver("nobody", "x")
	require.False(t, ok)
	require.Error(t, err)
}
