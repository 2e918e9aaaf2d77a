// Package terminalbridge implements the concrete terminal-inbox
// deliverer the Forwarding Overlay uses when a rule targets a human
// terminal instead of another specialist (spec §4.5).
//
// Grounded on the teacher's own WebSocket connection table
// (adred-codev-ws_poc/ws/internal/shared/server.go keeps a map of live
// client sockets written to by a broadcast path) using gorilla/websocket
// where the teacher used the stdlib-adjacent x/net websocket; this pack
// otherwise has no raw-TCP terminal surface to imitate, so the write
// path below mirrors the teacher's client-registry-plus-mutex shape.
package terminalbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// writeTimeout bounds how long a stalled terminal socket can hold up a
// forward attempt before the overlay's fail-open kicks in (spec I6).
const writeTimeout = 2 * time.Second

// Bridge holds one live WebSocket connection per registered terminal
// name, written to from DeliverToTerminal and populated by Register as
// terminals open their inbox socket.
type Bridge struct {
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func New(logger zerolog.Logger) *Bridge {
	return &Bridge{logger: logger, conns: make(map[string]*websocket.Conn)}
}

// Register associates a terminal name with its inbox socket. Replacing
// an existing connection closes the old one (spec: only the latest
// terminal session for a name receives forwards).
func (b *Bridge) Register(terminalName string, conn *websocket.Conn) {
	b.mu.Lock()
	old := b.conns[terminalName]
	b.conns[terminalName] = conn
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Unregister drops a terminal's socket, typically on disconnect.
func (b *Bridge) Unregister(terminalName string) {
	b.mu.Lock()
	conn := b.conns[terminalName]
	delete(b.conns, terminalName)
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Deliver implements overlay.TerminalDeliverer: push formatted text to
// the named terminal's inbox socket if one is registered.
func (b *Bridge) Deliver(terminalName string, formatted string) (bool, error) {
	b.mu.Lock()
	conn := b.conns[terminalName]
	b.mu.Unlock()
	if conn == nil {
		return false, fmt.Errorf("terminalbridge: no registered inbox for %q", terminalName)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(formatted)); err != nil {
		b.logger.Warn().Str("terminal", terminalName).Err(err).Msg("terminal inbox write failed, unregistering")
		b.Unregister(terminalName)
		return false, err
	}
	return true, nil
}

// Connected reports whether a terminal currently has a live inbox
// socket.
func (b *Bridge) Connected(terminalName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[terminalName]
	return ok
}
