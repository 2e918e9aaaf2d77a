package roster_test

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub009/internal/discovery"
	"github.com/ckoons/Tekton-sub009/internal/fabric"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/overlay"
	"github.com/ckoons/Tekton-sub009/internal/portmap"
	"github.com/ckoons/Tekton-sub009/internal/roster"
)

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

func TestHireFireGetRoster(t *testing.T) {
	port := startEcho(t)
	mapper := portmap.New(port, port, portmap.Catalog{"apollo": port}, "127.0.0.1")
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()
	d := discovery.New(f, mapper, nil, time.Minute, time.Second)

	r := roster.New(d)
	require.NoError(t, r.Hire(context.Background(), "apollo-ci", "coder"))
	require.Len(t, r.GetRoster(), 1)

	r.Fire("apollo-ci")
	require.Empty(t, r.GetRoster())
}

func TestHireRejectsUnhealthyTarget(t *testing.T) {
	mapper := portmap.New(8000, 9000, portmap.Catalog{"apollo": 8000}, "127.0.0.1") // nothing listening on 9000
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{ConnectTimeout: 50 * time.Millisecond}, zerolog.Nop())
	defer f.Close()
	d := discovery.New(f, mapper, nil, time.Minute, 100*time.Millisecond)

	r := roster.New(d)
	err = r.Hire(context.Background(), "apollo-ci", "coder")
	require.Error(t, err)
	var fe *fabrictypes.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, fabrictypes.ErrUnhealthyTarget, fe.Kind)
	require.Empty(t, r.GetRoster())
}

func TestRecordSendUpdatesPerformanceOnlyForHired(t *testing.T) {
	port := startEcho(t)
	mapper := portmap.New(port, port, portmap.Catalog{"apollo": port, "athena": port}, "127.0.0.1")
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()
	d := discovery.New(f, mapper, nil, time.Minute, time.Second)

	r := roster.New(d)
	require.NoError(t, r.Hire(context.Background(), "apollo-ci", "coder"))
	r.RecordSend("apollo-ci", true, 42)
	r.RecordSend("athena-ci", true, 10) // not hired, ignored

	entry, ok := r.Performance("apollo-ci")
	require.True(t, ok)
	require.Equal(t, int64(1), entry.SendsOK)
	require.Equal(t, int64(42), entry.LastLatency)

	_, ok = r.Performance("athena-ci")
	require.False(t, ok)
}

func TestReassignRejectsUnhealthyTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var acceptedMu sync.Mutex
	var accepted []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			acceptedMu.Lock()
			accepted = append(accepted, conn)
			acceptedMu.Unlock()
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					if _, err := r.ReadString('\n'); err != nil {
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

	mapper := portmap.New(port, port, portmap.Catalog{"apollo": port}, "127.0.0.1")
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{ConnectTimeout: 50 * time.Millisecond}, zerolog.Nop())
	defer f.Close()
	d := discovery.New(f, mapper, nil, time.Minute, 100*time.Millisecond)

	r := roster.New(d)
	require.NoError(t, r.Hire(context.Background(), "apollo-ci", "coder"))

	// Take the specialist down, both the listener and the connection the
	// channel already holds (a probe reuses it), so the reassign probe
	// (which always invalidates the cache first) finds it unreachable.
	ln.Close()
	acceptedMu.Lock()
	for _, c := range accepted {
		c.Close()
	}
	acceptedMu.Unlock()

	err = r.Reassign(context.Background(), "apollo-ci", "reviewer")
	require.Error(t, err)
	var fe *fabrictypes.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, fabrictypes.ErrUnhealthyTarget, fe.Kind)
}

func TestReassignSucceedsWhenHealthy(t *testing.T) {
	port := startEcho(t)
	mapper := portmap.New(port, port, portmap.Catalog{"apollo": port}, "127.0.0.1")
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()
	d := discovery.New(f, mapper, nil, time.Minute, time.Second)

	r := roster.New(d)
	require.NoError(t, r.Hire(context.Background(), "apollo-ci", "coder"))
	require.NoError(t, r.Reassign(context.Background(), "apollo-ci", "reviewer"))

	entry, ok := r.Performance("apollo-ci")
	require.True(t, ok)
	require.Equal(t, "reviewer", entry.Role)
}
