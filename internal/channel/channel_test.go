package channel_test

import (
	"bufio"
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub009/internal/channel"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/wire"
)

// echoSpecialist starts a TCP listener that answers every frame with a
// fixed {"response":"hello"}.
func echoSpecialist(t *testing.T) (fabrictypes.Endpoint, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

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
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					_ = line
					c.Write([]byte(`{"response":"hello"}` + "\n"))
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	fscan(portStr, &port)

	return fabrictypes.Endpoint{Host: host, Port: port}, func() { ln.Close() }
}

func fscan(s string, port *int) {
	for _, r := range s {
		if r < '0' || r > '9' {
			continue
		}
		*port = *port*10 + int(r-'0')
	}
}

func TestChannelSendSucceeds(t *testing.T) {
	ep, cleanup := echoSpecialist(t)
	defer cleanup()

	c := channel.New("apollo-ci", ep, channel.DefaultDialer, channel.Config{}, zerolog.Nop())
	defer c.Close()

	fut, err := c.Enqueue(fabrictypes.FrameChat, "hello", time.Second)
	require.NoError(t, err)

	select {
	case res := <-fut:
		require.Nil(t, res.Err)
		require.True(t, res.Response.OK)
		require.Equal(t, "hello", res.Response.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestChannelFIFOOrderUnderLoad(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var order []string
	orderCh := make(chan string, 32)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			orderCh <- line
			time.Sleep(5 * time.Millisecond)
			conn.Write([]byte(`{"response":"ok"}` + "\n"))
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	fscan(portStr, &port)
	ep := fabrictypes.Endpoint{Host: host, Port: port}

	c := channel.New("apollo-ci", ep, channel.DefaultDialer, channel.Config{}, zerolog.Nop())
	defer c.Close()

	var futures []<-chan fabrictypes.Result
	for i := 0; i < 5; i++ {
		fut, err := c.Enqueue(fabrictypes.FrameChat, string(rune('1'+i)), time.Second)
		require.NoError(t, err)
		futures = append(futures, fut)
	}
	for _, fut := range futures {
		select {
		case res := <-fut:
			require.Nil(t, res.Err)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out")
		}
	}

	close(orderCh)
	for line := range orderCh {
		order = append(order, line)
	}
	require.Len(t, order, 5)
	for i, line := range order {
		require.Equal(t, `{"type":"chat","content":"`+string(rune('1'+i))+`"}`+"\n", line)
	}
}

func TestChannelQueueFull(t *testing.T) {
	ep := fabrictypes.Endpoint{Host: "127.0.0.1", Port: 1} // nothing listening
	c := channel.New("apollo-ci", ep, channel.DefaultDialer, channel.Config{QueueCap: 2, ConnectTimeout: 50 * time.Millisecond}, zerolog.Nop())
	defer c.Close()

	_, err := c.Enqueue(fabrictypes.FrameChat, "a", time.Second)
	require.NoError(t, err)
	_, err = c.Enqueue(fabrictypes.FrameChat, "b", time.Second)
	require.NoError(t, err)
	_, err = c.Enqueue(fabrictypes.FrameChat, "c", time.Second)
	require.Error(t, err)
	var fe *fabrictypes.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, fabrictypes.ErrQueueFull, fe.Kind)
}

func TestChannelUnreachable(t *testing.T) {
	ep := fabrictypes.Endpoint{Host: "127.0.0.1", Port: 1}
	c := channel.New("athena-ci", ep, channel.DefaultDialer, channel.Config{ConnectTimeout: 100 * time.Millisecond}, zerolog.Nop())
	defer c.Close()

	fut, err := c.Enqueue(fabrictypes.FrameChat, "ping", time.Second)
	require.NoError(t, err)
	select {
	case res := <-fut:
		require.NotNil(t, res.Err)
		require.Equal(t, fabrictypes.ErrUnreachable, res.Err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestChannelCloseDrainsWithChannelClosed(t *testing.T) {
	ep := fabrictypes.Endpoint{Host: "127.0.0.1", Port: 1}
	c := channel.New("athena-ci", ep, channel.DefaultDialer, channel.Config{ConnectTimeout: 5 * time.Second}, zerolog.Nop())

	fut, err := c.Enqueue(fabrictypes.FrameChat, "x", time.Minute)
	require.NoError(t, err)
	c.Close()

	select {
	case res := <-fut:
		require.NotNil(t, res.Err)
		// Whichever of Unreachable (dial lost the race) or ChannelClosed
		// (close() drained it first) fires, the request must never be
		// abandoned silently (invariant I4).
		require.Contains(t, []fabrictypes.ErrorKind{fabrictypes.ErrUnreachable, fabrictypes.ErrChannelClosed}, res.Err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	_, err = c.Enqueue(fabrictypes.FrameChat, "y", time.Second)
	require.Error(t, err)
}

// TestChannelTransportErrorMidReadReconnects covers spec §8's seed
// scenario: a connection dropped mid-read fails the in-flight request
// with TransportError (not a flattened generic error) and the channel
// reconnects cleanly for the next send.
func TestChannelTransportErrorMidReadReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var conns int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if atomic.AddInt32(&conns, 1) == 1 {
				// First connection: read the request, then hang up without
				// responding — a connection dropped mid-read.
				go func(c net.Conn) {
					defer c.Close()
					bufio.NewReader(c).ReadString('\n')
				}(conn)
				continue
			}
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

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	fscan(portStr, &port)
	ep := fabrictypes.Endpoint{Host: host, Port: port}

	c := channel.New("apollo-ci", ep, channel.DefaultDialer, channel.Config{}, zerolog.Nop())
	defer c.Close()

	fut1, err := c.Enqueue(fabrictypes.FrameChat, "first", time.Second)
	require.NoError(t, err)
	select {
	case res := <-fut1:
		require.NotNil(t, res.Err)
		require.Equal(t, fabrictypes.ErrTransportError, res.Err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport error")
	}

	fut2, err := c.Enqueue(fabrictypes.FrameChat, "second", time.Second)
	require.NoError(t, err)
	select {
	case res := <-fut2:
		require.Nil(t, res.Err)
		require.True(t, res.Response.OK)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovered send")
	}
}

// TestChannelTimeoutSelfHealsAndDropsStaleFrame covers spec §8's seed
// scenario: an on-wire timeout closes and redials the socket so a late
// response for the abandoned frame is never read as the next request's
// answer.
func TestChannelTimeoutSelfHealsAndDropsStaleFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var conns int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if atomic.AddInt32(&conns, 1) == 1 {
				go func(c net.Conn) {
					defer c.Close()
					bufio.NewReader(c).ReadString('\n')
					time.Sleep(200 * time.Millisecond)
					// Stale frame: written long after the client has given
					// up and redialed; must never surface as a later
					// request's answer.
					c.Write([]byte(`{"response":"stale"}` + "\n"))
				}(conn)
				continue
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					c.Write([]byte(`{"response":"fresh"}` + "\n"))
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	fscan(portStr, &port)
	ep := fabrictypes.Endpoint{Host: host, Port: port}

	c := channel.New("apollo-ci", ep, channel.DefaultDialer, channel.Config{}, zerolog.Nop())
	defer c.Close()

	fut1, err := c.Enqueue(fabrictypes.FrameChat, "first", 50*time.Millisecond)
	require.NoError(t, err)
	select {
	case res := <-fut1:
		require.NotNil(t, res.Err)
		require.Equal(t, fabrictypes.ErrTimeout, res.Err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout result")
	}

	fut2, err := c.Enqueue(fabrictypes.FrameChat, "second", time.Second)
	require.NoError(t, err)
	select {
	case res := <-fut2:
		require.Nil(t, res.Err)
		require.Equal(t, "fresh", res.Response.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fresh response")
	}
}

// TestChannelOversizeFrameProtocolErrorRecovers covers spec §8's seed
// scenario: an oversize frame fails with ProtocolError (not
// TransportError) and the channel recovers for the next send.
func TestChannelOversizeFrameProtocolErrorRecovers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var conns int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if atomic.AddInt32(&conns, 1) == 1 {
				go func(c net.Conn) {
					defer c.Close()
					bufio.NewReader(c).ReadString('\n')
					// Oversize frame: no newline within MaxFrameSize+1 bytes.
					c.Write(bytes.Repeat([]byte("x"), wire.MaxFrameSize+1))
				}(conn)
				continue
			}
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

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	fscan(portStr, &port)
	ep := fabrictypes.Endpoint{Host: host, Port: port}

	c := channel.New("apollo-ci", ep, channel.DefaultDialer, channel.Config{}, zerolog.Nop())
	defer c.Close()

	fut1, err := c.Enqueue(fabrictypes.FrameChat, "first", time.Second)
	require.NoError(t, err)
	select {
	case res := <-fut1:
		require.NotNil(t, res.Err)
		require.Equal(t, fabrictypes.ErrProtocolError, res.Err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for protocol error")
	}

	fut2, err := c.Enqueue(fabrictypes.FrameChat, "second", time.Second)
	require.NoError(t, err)
	select {
	case res := <-fut2:
		require.Nil(t, res.Err)
		require.True(t, res.Response.OK)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovered send")
	}
}
