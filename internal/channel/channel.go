// Package channel implements the Specialist Channel (spec §4.3): one TCP
// connection per specialist, single-flight request/response discipline,
// a bounded FIFO of Pending requests, reconnect-on-send, and per-request
// deadlines that start on the wire, not on enqueue.
//
// Grounded on the teacher's connection lifecycle idiom (sync.Once close,
// atomic counters, a dedicated goroutine owning the socket —
// ws/internal/shared/connection.go, ws/internal/single/core/pump_write.go)
// generalized from a broadcast-fanout WebSocket client to a single-flight
// TCP request/response pipeline, since no pipelining or fanout applies here.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/obsmetrics"
	"github.com/ckoons/Tekton-sub009/internal/wire"
)

// State is one of the six states in spec §3/§4.3.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Idle         State = "idle"
	InFlight     State = "in_flight"
	Draining     State = "draining"
	Failed       State = "failed"
)

// pending is a Request together with its single-use completion handle.
type pending struct {
	req  fabrictypes.Request
	done chan fabrictypes.Result
}

// Dialer opens the TCP connection to a specialist's endpoint. Exposed as
// a field (not hardcoded net.Dial) so tests can substitute an in-memory
// pipe without a real listener.
type Dialer func(ctx context.Context, endpoint fabrictypes.Endpoint) (net.Conn, error)

func DefaultDialer(ctx context.Context, endpoint fabrictypes.Endpoint) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port))
}

// Config tunes a single Channel; shared defaults come from internal/config.
type Config struct {
	QueueCap       int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Channel owns exactly one TCP connection to one specialist (invariant
// I1) and processes Pending requests strictly FIFO, one outstanding
// frame on the wire at a time (invariant I2).
type Channel struct {
	id       fabrictypes.SpecialistId
	endpoint fabrictypes.Endpoint
	dial     Dialer
	cfg      Config
	logger   zerolog.Logger

	mu    sync.Mutex
	state State
	queue []*pending
	conn  net.Conn
	rd    *bufio.Reader

	wake      chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}
}

// New constructs a Channel and starts its single I/O worker goroutine.
// Channels are created lazily by Fabric Core on first send to a
// specialist (spec lifecycle) and retained until explicit Close.
func New(id fabrictypes.SpecialistId, endpoint fabrictypes.Endpoint, dial Dialer, cfg Config, logger zerolog.Logger) *Channel {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 1024
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.ConnectTimeout
	}
	if dial == nil {
		dial = DefaultDialer
	}
	c := &Channel{
		id:       id,
		endpoint: endpoint,
		dial:     dial,
		cfg:      cfg,
		logger:   logger.With().Str("specialist_id", string(id)).Logger(),
		state:    Disconnected,
		wake:     make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.state = s
	obsmetrics.ChannelState.WithLabelValues(string(c.id), string(s)).Set(1)
}

// Enqueue appends a Pending to the FIFO and returns a future the caller
// receives exactly one Result from. Returns QueueFull immediately if the
// channel is at capacity — callers never block on a full queue (spec:
// "No blocking on producers"). timeout is the caller's on-wire budget;
// it is reapplied fresh when the frame is actually written, not consumed
// by time spent waiting in the FIFO.
func (c *Channel) Enqueue(kind fabrictypes.FrameKind, body string, timeout time.Duration) (<-chan fabrictypes.Result, error) {
	c.mu.Lock()
	if c.state == Draining {
		c.mu.Unlock()
		return nil, fabrictypes.NewError(fabrictypes.ErrChannelClosed, c.id, "channel is closed", nil)
	}
	if len(c.queue) >= c.cfg.QueueCap {
		c.mu.Unlock()
		obsmetrics.QueueFullTotal.WithLabelValues(string(c.id)).Inc()
		return nil, fabrictypes.NewError(fabrictypes.ErrQueueFull, c.id,
			fmt.Sprintf("queue at capacity (%d)", c.cfg.QueueCap), nil)
	}
	p := &pending{
		req: fabrictypes.Request{
			ID:         uuid.NewString(),
			Body:       body,
			Kind:       kind,
			Timeout:    timeout,
			EnqueuedAt: time.Now(),
		},
		done: make(chan fabrictypes.Result, 1),
	}
	c.queue = append(c.queue, p)
	obsmetrics.ChannelQueueDepth.WithLabelValues(string(c.id)).Set(float64(len(c.queue)))
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return p.done, nil
}

// Close drains all Pending requests with ChannelClosed and releases the
// connection. Terminal: the channel cannot be reused after Close.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		<-c.doneCh
	})
}

func (c *Channel) run() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.closeCh:
			c.drainAll()
			return
		case <-c.wake:
			c.drainQueueOnce()
		}
	}
}

// drainAll fails every still-pending request with ChannelClosed and
// releases the socket. Terminal per the state machine's "Any -> close()
// -> Draining" row.
func (c *Channel) drainAll() {
	c.mu.Lock()
	c.setState(Draining)
	pendingItems := c.queue
	c.queue = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range pendingItems {
		p.done <- fabrictypes.Result{SpecialistId: c.id,
			Err: fabrictypes.NewError(fabrictypes.ErrChannelClosed, c.id, "channel closed", nil)}
	}
}

// drainQueueOnce processes as much of the FIFO as a single wake-up
// affords: dial if needed (failing only the head on dial failure, per
// spec's "leave tail for next send"), then pop-write-read-complete until
// the queue empties or an unrecoverable error stops the cycle.
func (c *Channel) drainQueueOnce() {
	for {
		if c.expireStaleHead() {
			continue
		}

		c.mu.Lock()
		if c.state == Draining {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.setState(Idle)
			c.mu.Unlock()
			return
		}
		needDial := c.conn == nil
		c.mu.Unlock()

		if needDial {
			c.mu.Lock()
			c.setState(Connecting)
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
			conn, err := c.dial(ctx, c.endpoint)
			cancel()
			if err != nil {
				obsmetrics.ReconnectsTotal.WithLabelValues(string(c.id), "failure").Inc()
				c.failHead(fabrictypes.NewError(fabrictypes.ErrUnreachable, c.id,
					"dial failed: "+err.Error(), err))
				c.mu.Lock()
				c.setState(Disconnected)
				c.mu.Unlock()
				// Tail stays queued; only a fresh enqueue retries (spec table).
				return
			}
			obsmetrics.ReconnectsTotal.WithLabelValues(string(c.id), "success").Inc()
			c.mu.Lock()
			c.conn = conn
			c.rd = bufio.NewReader(conn)
			c.setState(Idle)
			c.mu.Unlock()
		}

		if !c.processOne() {
			return
		}
	}
}

// expireStaleHead implements the queue-wait SLO: a Pending that has sat
// in the FIFO longer than its own timeout budget (default equal to the
// deadline, per spec §4.3) is failed with Timeout without ever reaching
// the wire, so one jammed specialist can't hold a caller past what they
// asked to wait in total. Returns true if it expired and popped an item
// (caller should re-check the loop condition before proceeding).
func (c *Channel) expireStaleHead() bool {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	head := c.queue[0]
	slo := head.req.Timeout
	if slo <= 0 {
		slo = c.cfg.ConnectTimeout
	}
	if time.Since(head.req.EnqueuedAt) <= slo {
		c.mu.Unlock()
		return false
	}
	c.queue = c.queue[1:]
	obsmetrics.ChannelQueueDepth.WithLabelValues(string(c.id)).Set(float64(len(c.queue)))
	c.mu.Unlock()

	head.done <- fabrictypes.Result{SpecialistId: c.id,
		Err: fabrictypes.NewError(fabrictypes.ErrTimeout, c.id, "exceeded queue-wait SLO", nil)}
	obsmetrics.SendsTotal.WithLabelValues(string(c.id), "timeout").Inc()
	return true
}

// processOne pops the head Pending, writes its frame, reads the
// response under the head's deadline, and completes it. Returns false
// when the cycle should stop: after a transport error (socket torn
// down), or after a timeout or decode failure whose redial failed. It
// returns true on success, on an encode error, and after a timeout or
// decode failure whose redial succeeded.
func (c *Channel) processOne() bool {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	obsmetrics.ChannelQueueDepth.WithLabelValues(string(c.id)).Set(float64(len(c.queue)))
	conn := c.conn
	c.setState(InFlight)
	c.mu.Unlock()

	wireStart := time.Now()
	frame, err := wire.Encode(p.req.Kind, p.req.Body)
	if err != nil {
		p.done <- fabrictypes.Result{SpecialistId: c.id, Err: err.(*fabrictypes.Error)}
		return true
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := conn.Write(frame); err != nil {
		return c.handleTransportError(p, err)
	}

	// Deadline timer starts here, on the wire, never on enqueue — queue
	// wait never eats into the caller's on-wire budget (spec §4.3).
	onWireTimeout := p.req.Timeout
	if onWireTimeout <= 0 {
		onWireTimeout = c.cfg.ConnectTimeout
	}
	conn.SetReadDeadline(time.Now().Add(onWireTimeout))
	line, err := wire.ReadFrame(c.rd)
	if err != nil {
		if isTimeout(err) {
			return c.handleTimeout(p)
		}
		return c.handleTransportError(p, err)
	}

	resp, err := wire.Decode(line)
	latency := time.Since(wireStart)
	if err != nil {
		return c.handleProtocolError(p, err.(*fabrictypes.Error))
	}
	resp.LatencyMs = latency.Milliseconds()
	outcome := "ok"
	if !resp.OK {
		outcome = "specialist_error"
	}
	obsmetrics.SendsTotal.WithLabelValues(string(c.id), outcome).Inc()
	obsmetrics.SendLatencySeconds.WithLabelValues(string(c.id)).Observe(latency.Seconds())
	p.done <- fabrictypes.Result{SpecialistId: c.id, Response: &resp}
	return true
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// handleTransportError implements "InFlight, write/read error -> Failed:
// fail head Pending with the error's own kind; schedule reconnect". cause
// is often already a *fabrictypes.Error from wire.ReadFrame (e.g.
// ErrProtocolError for an oversize frame) — its Kind is preserved rather
// than flattened to TransportError, so callers can still tell a
// malformed-frame failure from an actual socket error. A bare error
// (e.g. a net.Conn.Write failure) is wrapped as TransportError, the only
// kind a raw I/O error can mean here. We close the socket immediately;
// the next wake's dial check (conn == nil) is the "schedule reconnect".
func (c *Channel) handleTransportError(p *pending, cause error) bool {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.rd = nil
	c.setState(Failed)
	c.mu.Unlock()

	fe, ok := cause.(*fabrictypes.Error)
	if !ok {
		fe = fabrictypes.NewError(fabrictypes.ErrTransportError, c.id, "transport error", cause)
	} else {
		fe.SpecialistId = c.id
	}
	p.done <- fabrictypes.Result{SpecialistId: c.id, Err: fe}
	obsmetrics.SendsTotal.WithLabelValues(string(c.id), string(fe.Kind)).Inc()

	c.mu.Lock()
	c.setState(Disconnected)
	c.mu.Unlock()
	return false
}

// handleTimeout implements "InFlight, deadline expired -> Idle: fail
// head Pending with Timeout; close and reopen connection (stale frame
// risk)". A late response for the timed-out frame must never be read as
// the next request's answer, so the socket is torn down and immediately
// redialed before any further queue item is attempted.
func (c *Channel) handleTimeout(p *pending) bool {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.rd = nil
	c.mu.Unlock()

	p.done <- fabrictypes.Result{SpecialistId: c.id,
		Err: fabrictypes.NewError(fabrictypes.ErrTimeout, c.id, "deadline expired awaiting response", nil)}
	obsmetrics.SendsTotal.WithLabelValues(string(c.id), "timeout").Inc()

	return c.redialAfterFailure()
}

// handleProtocolError implements "InFlight, decode failure -> Idle: fail
// head Pending with ProtocolError; close and reopen connection" (spec
// §7: wire alignment is presumed lost once a frame fails to parse, so
// the connection is never reused for the next queued item).
func (c *Channel) handleProtocolError(p *pending, fe *fabrictypes.Error) bool {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.rd = nil
	c.mu.Unlock()

	p.done <- fabrictypes.Result{SpecialistId: c.id, Err: fe}
	obsmetrics.SendsTotal.WithLabelValues(string(c.id), "protocol_error").Inc()

	return c.redialAfterFailure()
}

// redialAfterFailure immediately reopens the socket after the caller has
// already closed it, shared by handleTimeout and handleProtocolError.
func (c *Channel) redialAfterFailure() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	conn, err := c.dial(ctx, c.endpoint)
	cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		obsmetrics.ReconnectsTotal.WithLabelValues(string(c.id), "failure").Inc()
		c.setState(Disconnected)
		return false
	}
	obsmetrics.ReconnectsTotal.WithLabelValues(string(c.id), "success").Inc()
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.setState(Idle)
	return true
}

// failHead fails only the current head of the queue, leaving the tail
// queued (spec's "Connecting, dial failure -> Disconnected: fail the
// head Pending with Unreachable; leave tail for next send").
func (c *Channel) failHead(err *fabrictypes.Error) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	obsmetrics.ChannelQueueDepth.WithLabelValues(string(c.id)).Set(float64(len(c.queue)))
	c.mu.Unlock()

	p.done <- fabrictypes.Result{SpecialistId: c.id, Err: err}
	obsmetrics.SendsTotal.WithLabelValues(string(c.id), "unreachable").Inc()
}

// QueueLen reports the current FIFO depth.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
