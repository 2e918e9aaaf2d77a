package discovery_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub009/internal/discovery"
	"github.com/ckoons/Tekton-sub009/internal/fabric"
	"github.com/ckoons/Tekton-sub009/internal/loadshed"
	"github.com/ckoons/Tekton-sub009/internal/overlay"
	"github.com/ckoons/Tekton-sub009/internal/portmap"
)

func startInfoEcho(t *testing.T) int {
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
					c.Write([]byte(`{"response":"ok","model_name":"claude"}` + "\n"))
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

func TestProbeHealthyCaches(t *testing.T) {
	port := startInfoEcho(t)
	mapper := portmap.New(port, port, portmap.Catalog{"apollo": port}, "127.0.0.1")
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()

	d := discovery.New(f, mapper, nil, time.Minute, time.Second)
	info := d.Probe(context.Background(), "apollo-ci")
	require.Equal(t, discovery.HealthHealthy, info.Health)
	require.Equal(t, "claude", info.ModelName)

	again := d.Probe(context.Background(), "apollo-ci")
	require.Equal(t, info.ProbedAt, again.ProbedAt)
}

func TestProbeUnknownSpecialist(t *testing.T) {
	mapper := portmap.New(8000, 9000, portmap.Catalog{}, "127.0.0.1")
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()

	d := discovery.New(f, mapper, nil, time.Minute, time.Second)
	info := d.Probe(context.Background(), "nonexistent-ci")
	require.Equal(t, discovery.HealthUnknown, info.Health)
}

func TestListSpecialistsFilter(t *testing.T) {
	mapper := portmap.New(8000, 9000, portmap.DefaultCatalog(8000), "127.0.0.1")
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()

	d := discovery.New(f, mapper, nil, time.Minute, time.Second)
	all := d.ListSpecialists("")
	require.NotEmpty(t, all)

	filtered := d.ListSpecialists("apollo")
	require.Len(t, filtered, 1)
	require.Equal(t, "apollo-ci", string(filtered[0]))
}

func TestManifestIncludesLoadState(t *testing.T) {
	port := startInfoEcho(t)
	mapper := portmap.New(port, port, portmap.Catalog{"apollo": port}, "127.0.0.1")
	ov, err := overlay.New(t.TempDir()+"/f.json", nil, zerolog.Nop())
	require.NoError(t, err)
	f := fabric.New(mapper, ov, nil, fabric.Config{}, zerolog.Nop())
	defer f.Close()

	gate := loadshed.New(85.0, time.Hour, zerolog.Nop())
	d := discovery.New(f, mapper, gate, time.Minute, time.Second)
	m := d.Manifest(context.Background())
	require.Len(t, m.Specialists, 1)
	require.False(t, m.GeneratedAt.IsZero())
	require.True(t, m.LoadState.Admitting)
}
