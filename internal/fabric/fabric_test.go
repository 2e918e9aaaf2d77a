package fabric_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub009/internal/fabric"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/overlay"
	"github.com/ckoons/Tekton-sub009/internal/portmap"
)

// startEcho starts a bare TCP listener that answers every frame with
// {"response":"ok"}, returning the port it bound.
func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					_, err := r.ReadString('\n')
					if err != nil {
						return
					}
					c.Write([]byte(`{"response":"ok"}` + "\n"))
				}
			}(conn)
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	for _, r := range portStr {
		port = port*10 + int(r-'0')
	}
	return port
}

func newTestOverlay(t *testing.T) *overlay.Overlay {
	t.Helper()
	ov, err := overlay.New(t.TempDir()+"/forwarding.json", nil, zerolog.Nop())
	require.NoError(t, err)
	return ov
}

func TestFabricSendRoundTrip(t *testing.T) {
	port := startEcho(t)
	catalog := portmap.Catalog{"apollo": port}
	mapper := portmap.New(port, port, catalog, "127.0.0.1")

	f := fabric.New(mapper, newTestOverlay(t), nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()

	resp, err := f.Send(context.Background(), "apollo-ci", "hello", time.Second)
	require.NoError(t, err)
	require.True(t, resp.OK)
}

func TestFabricBroadcastCoversEveryTarget(t *testing.T) {
	port := startEcho(t)
	// Both names resolve to the single test listener: offsets are zero
	// for both so the ai_port formula collapses to the same physical port.
	mapper := portmap.New(port, port, portmap.Catalog{"apollo": port, "athena": port}, "127.0.0.1")

	f := fabric.New(mapper, newTestOverlay(t), nil, fabric.Config{BroadcastRatePerSec: 100, BroadcastBurst: 10}, zerolog.Nop())
	defer f.Close()

	results, err := f.Broadcast(context.Background(), []fabrictypes.SpecialistId{"apollo-ci", "athena-ci"}, "hi", time.Second)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, id := range []fabrictypes.SpecialistId{"apollo-ci", "athena-ci"} {
		res, ok := results[id]
		require.True(t, ok)
		require.True(t, res.OK())
	}
}

func TestFabricSendUnknownSpecialist(t *testing.T) {
	mapper := portmap.New(8000, 9000, portmap.Catalog{}, "127.0.0.1")
	f := fabric.New(mapper, newTestOverlay(t), nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()

	_, err := f.Send(context.Background(), "nonexistent-ci", "hi", time.Second)
	require.Error(t, err)
	var fe *fabrictypes.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, fabrictypes.ErrUnknownSpecialist, fe.Kind)
}

func TestFabricCollectStreamsAsTheyArrive(t *testing.T) {
	port := startEcho(t)
	mapper := portmap.New(port, port, portmap.Catalog{"apollo": port, "athena": port}, "127.0.0.1")
	f := fabric.New(mapper, newTestOverlay(t), nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()

	out := f.Collect(context.Background(), []fabrictypes.SpecialistId{"apollo-ci", "athena-ci"}, "hi", time.Second)
	seen := make(map[fabrictypes.SpecialistId]bool)
	for res := range out {
		seen[res.SpecialistId] = true
	}
	require.Len(t, seen, 2)
}
