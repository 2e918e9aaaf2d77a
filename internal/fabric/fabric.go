// Package fabric implements Fabric Core (spec §4.4): the process-wide
// registry of Specialist Channels, send/broadcast/collect, health
// probing hooks, and channel lifecycle.
//
// Grounded on the teacher's map-of-connections-under-a-short-lock idiom
// (ws/internal/shared/server.go keeps a clients map guarded by a mutex
// held only for lookup/insert, never I/O) and on Rhetor's ai_manager.py
// send_to_ai/list_available_ais for the send/broadcast/roster-counter
// shape this generalizes from Python to a typed Go API.
package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ckoons/Tekton-sub009/internal/channel"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/obsmetrics"
	"github.com/ckoons/Tekton-sub009/internal/overlay"
	"github.com/ckoons/Tekton-sub009/internal/portmap"
)

// Observer hooks (spec §6). SendCompletedFunc hooks are invoked
// synchronously after the user-visible completion; a slow or panicking
// observer must never delay the wire or take the fabric down. Failures
// are logged and swallowed (spec §7). ChannelStateChangedFunc hooks are
// stored by OnChannelStateChanged but nothing invokes them: channels do
// not report their state transitions to the Fabric.
type SendCompletedFunc func(id fabrictypes.SpecialistId, latencyMs int64, ok bool)
type ChannelStateChangedFunc func(id fabrictypes.SpecialistId, old, new string)

// PerformanceRecorder lets Roster (§4.7) observe every send completion
// without Fabric importing roster and creating a cycle; fabric calls
// this after every send if the caller registered one.
type PerformanceRecorder interface {
	RecordSend(id fabrictypes.SpecialistId, ok bool, latencyMs int64)
}

// Config tunes Fabric Core; mirrors internal/config.Config's relevant
// fields so callers can pass it straight through.
type Config struct {
	ChannelQueueCap     int
	ConnectTimeout      time.Duration
	DefaultDeadline     time.Duration
	BroadcastSlack      time.Duration
	BroadcastRatePerSec float64
	BroadcastBurst      int
}

// Fabric is the process-wide coordinator. Created once per process
// (spec lifecycle) and passed explicitly into client facades — no
// hidden package-level singleton (spec §9's "global singletons" flag).
type Fabric struct {
	mapper  *portmap.Mapper
	overlay *overlay.Overlay
	dial    channel.Dialer
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	channels map[fabrictypes.SpecialistId]*channel.Channel

	broadcastLimiter *rate.Limiter

	onSendCompleted       []SendCompletedFunc
	onChannelStateChanged []ChannelStateChangedFunc
	perf                  PerformanceRecorder
	admission             AdmissionGate
}

// AdmissionGate gates broadcast-scale fan-out under host load; send()
// never consults it (spec: admission control applies to broadcast, not
// to a single send). internal/loadshed.Gate satisfies this.
type AdmissionGate interface {
	Admit() bool
}

// SetAdmissionGate wires a host-load gate into Broadcast.
func (f *Fabric) SetAdmissionGate(g AdmissionGate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admission = g
}

func New(mapper *portmap.Mapper, ov *overlay.Overlay, dial channel.Dialer, cfg Config, logger zerolog.Logger) *Fabric {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Second
	}
	if cfg.BroadcastSlack <= 0 {
		cfg.BroadcastSlack = 250 * time.Millisecond
	}
	if cfg.BroadcastRatePerSec <= 0 {
		cfg.BroadcastRatePerSec = 20
	}
	if cfg.BroadcastBurst <= 0 {
		cfg.BroadcastBurst = 10
	}
	return &Fabric{
		mapper:           mapper,
		overlay:          ov,
		dial:             dial,
		cfg:              cfg,
		logger:           logger,
		channels:         make(map[fabrictypes.SpecialistId]*channel.Channel),
		broadcastLimiter: rate.NewLimiter(rate.Limit(cfg.BroadcastRatePerSec), cfg.BroadcastBurst),
	}
}

// OnSendCompleted registers an observer hook (spec §6); failures inside
// the hook are recovered and logged, never propagated to the caller.
func (f *Fabric) OnSendCompleted(fn SendCompletedFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSendCompleted = append(f.onSendCompleted, fn)
}

// OnChannelStateChanged registers a channel-state observer. Registered
// hooks are stored only; no code path calls them.
func (f *Fabric) OnChannelStateChanged(fn ChannelStateChangedFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChannelStateChanged = append(f.onChannelStateChanged, fn)
}

// SetPerformanceRecorder wires the Roster's counters into every send
// completion (spec §4.7: "Performance counters are incremented by the
// fabric on every send completion if the id is in the roster").
func (f *Fabric) SetPerformanceRecorder(p PerformanceRecorder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perf = p
}

// channelFor returns the (lazily created) Channel for id, resolving its
// endpoint via Port Mapper. The map lock is held only for lookup/insert,
// never across I/O (spec §5).
func (f *Fabric) channelFor(id fabrictypes.SpecialistId) (*channel.Channel, error) {
	f.mu.Lock()
	if ch, ok := f.channels[id]; ok {
		f.mu.Unlock()
		return ch, nil
	}
	f.mu.Unlock()

	endpoint, err := f.mapper.EndpointFor(id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[id]; ok {
		return ch, nil
	}
	ch := channel.New(id, endpoint, f.dial, channel.Config{
		QueueCap:       f.cfg.ChannelQueueCap,
		ConnectTimeout: f.cfg.ConnectTimeout,
	}, f.logger)
	f.channels[id] = ch
	return ch, nil
}

// Send implements send(id, body, deadline) -> Response (spec §4.4).
// Normalizes nothing itself (shellfacade does name normalization);
// applies the forwarding overlay, resolves/creates the channel, enqueues,
// and awaits completion or ctx cancellation.
func (f *Fabric) Send(ctx context.Context, id fabrictypes.SpecialistId, body string, timeout time.Duration) (fabrictypes.Response, error) {
	return f.sendFrame(ctx, id, fabrictypes.FrameChat, body, timeout)
}

func (f *Fabric) sendFrame(ctx context.Context, id fabrictypes.SpecialistId, kind fabrictypes.FrameKind, body string, timeout time.Duration) (fabrictypes.Response, error) {
	if timeout <= 0 {
		timeout = f.cfg.DefaultDeadline
	}

	// Overlay is consulted on every send (invariant I6); any overlay
	// failure (cycle, bad config, inbox error) fails open to the
	// original destination with a warning, never a request error.
	dest := f.overlay.Resolve(id)
	if dest.Err != nil {
		f.logger.Warn().Str("specialist_id", string(id)).Err(dest.Err).Msg("forwarding overlay failed, sending to original destination")
		return f.sendDirect(ctx, id, id, kind, body, timeout)
	}

	switch dest.Kind {
	case overlay.DestSpecialist:
		return f.sendDirect(ctx, id, dest.SpecialistId, kind, body, timeout)
	case overlay.DestTerminal:
		delivered, err := f.overlay.DeliverToTerminal(dest.TerminalName, dest.Format, id, body)
		if err == nil && delivered {
			return fabrictypes.Response{OK: true, Content: "forwarded to " + string(dest.TerminalName)}, nil
		}
		// Fail-open per I6: inbox delivery failed, fall back to the
		// original specialist.
		f.logger.Warn().Str("specialist_id", string(id)).Err(err).Msg("terminal inbox delivery failed, falling back to specialist")
		return f.sendDirect(ctx, id, id, kind, body, timeout)
	default:
		return f.sendDirect(ctx, id, id, kind, body, timeout)
	}
}

func (f *Fabric) sendDirect(ctx context.Context, originalID, destID fabrictypes.SpecialistId, kind fabrictypes.FrameKind, body string, timeout time.Duration) (fabrictypes.Response, error) {
	ch, err := f.channelFor(destID)
	if err != nil {
		return fabrictypes.Response{}, err
	}

	fut, err := ch.Enqueue(kind, body, timeout)
	if err != nil {
		f.recordCompletion(originalID, false, 0)
		return fabrictypes.Response{}, err
	}

	select {
	case res := <-fut:
		ok := res.Err == nil && res.Response != nil && res.Response.OK
		var latency int64
		if res.Response != nil {
			latency = res.Response.LatencyMs
		}
		f.recordCompletion(originalID, ok, latency)
		if res.Err != nil {
			return fabrictypes.Response{}, res.Err
		}
		return *res.Response, nil
	case <-ctx.Done():
		f.recordCompletion(originalID, false, 0)
		return fabrictypes.Response{}, fabrictypes.NewError(fabrictypes.ErrTimeout, originalID, "caller context cancelled", ctx.Err())
	}
}

func (f *Fabric) recordCompletion(id fabrictypes.SpecialistId, ok bool, latencyMs int64) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	obsmetrics.SendsTotal.WithLabelValues(string(id), outcome).Inc()
	obsmetrics.SendLatencySeconds.WithLabelValues(string(id)).Observe(float64(latencyMs) / 1000.0)

	f.mu.Lock()
	hooks := append([]SendCompletedFunc(nil), f.onSendCompleted...)
	perf := f.perf
	f.mu.Unlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error().Interface("panic", r).Msg("on_send_completed observer panicked, swallowed")
				}
			}()
			hook(id, latencyMs, ok)
		}()
	}
	if perf != nil {
		perf.RecordSend(id, ok, latencyMs)
	}
}

// Broadcast implements broadcast(ids, body, deadline) -> map<id, Result>
// (spec §4.4, invariant I5): exactly one entry per addressed id, a
// failing specialist never blocks the aggregate beyond its own deadline.
func (f *Fabric) Broadcast(ctx context.Context, ids []fabrictypes.SpecialistId, body string, timeout time.Duration) (map[fabrictypes.SpecialistId]fabrictypes.Result, error) {
	if len(ids) == 0 {
		return nil, fabrictypes.NewError(fabrictypes.ErrInvalidArgument, "", "broadcast requires at least one target", nil)
	}
	if timeout <= 0 {
		timeout = f.cfg.DefaultDeadline
	}

	f.mu.Lock()
	gate := f.admission
	f.mu.Unlock()
	if gate != nil && !gate.Admit() {
		return nil, fabrictypes.NewError(fabrictypes.ErrInvalidArgument, "", "broadcast rejected: host under load", nil)
	}

	obsmetrics.BroadcastsTotal.Inc()
	obsmetrics.BroadcastTargets.Observe(float64(len(ids)))

	aggCtx, cancel := context.WithTimeout(ctx, timeout+f.cfg.BroadcastSlack)
	defer cancel()

	results := make(map[fabrictypes.SpecialistId]fabrictypes.Result, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.broadcastLimiter.Wait(aggCtx); err != nil {
				mu.Lock()
				results[id] = fabrictypes.Result{SpecialistId: id, Err: fabrictypes.NewError(fabrictypes.ErrTimeout, id, "broadcast pacing deadline exceeded", err)}
				mu.Unlock()
				return
			}
			resp, err := f.sendFrame(aggCtx, id, fabrictypes.FrameChat, body, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fe, ok := err.(*fabrictypes.Error); ok {
					results[id] = fabrictypes.Result{SpecialistId: id, Err: fe}
				} else {
					results[id] = fabrictypes.Result{SpecialistId: id, Err: fabrictypes.NewError(fabrictypes.ErrTransportError, id, err.Error(), err)}
				}
				return
			}
			results[id] = fabrictypes.Result{SpecialistId: id, Response: &resp}
		}()
	}
	wg.Wait()

	// I5: exactly one entry per addressed id even if a goroutine somehow
	// never wrote one (defensive against a future refactor dropping a path).
	for _, id := range ids {
		if _, ok := results[id]; !ok {
			results[id] = fabrictypes.Result{SpecialistId: id, Err: fabrictypes.NewError(fabrictypes.ErrTimeout, id, "no result recorded before aggregate deadline", nil)}
		}
	}
	return results, nil
}

// Collect implements collect(correlation_set, deadline) -> stream (spec
// §4.4): callers react as responses arrive instead of waiting on the
// aggregate. Any unresolved id at the deadline is emitted as Timeout.
func (f *Fabric) Collect(ctx context.Context, ids []fabrictypes.SpecialistId, body string, timeout time.Duration) <-chan fabrictypes.Result {
	out := make(chan fabrictypes.Result, len(ids))
	if len(ids) == 0 {
		close(out)
		return out
	}
	if timeout <= 0 {
		timeout = f.cfg.DefaultDeadline
	}
	aggCtx, cancel := context.WithTimeout(ctx, timeout+f.cfg.BroadcastSlack)

	go func() {
		defer cancel()
		defer close(out)
		var wg sync.WaitGroup
		for _, id := range ids {
			id := id
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := f.sendFrame(aggCtx, id, fabrictypes.FrameChat, body, timeout)
				if err != nil {
					fe, ok := err.(*fabrictypes.Error)
					if !ok {
						fe = fabrictypes.NewError(fabrictypes.ErrTransportError, id, err.Error(), err)
					}
					out <- fabrictypes.Result{SpecialistId: id, Err: fe}
					return
				}
				out <- fabrictypes.Result{SpecialistId: id, Response: &resp}
			}()
		}
		wg.Wait()
	}()
	return out
}

// Probe opens (or reuses) a channel and sends a ping frame — the
// transport primitive Discovery's health check is built on (spec §4.6).
func (f *Fabric) Probe(ctx context.Context, id fabrictypes.SpecialistId, timeout time.Duration) (fabrictypes.Response, error) {
	return f.sendFrame(ctx, id, fabrictypes.FramePing, "", timeout)
}

// Info sends an {"type":"info"} probe for identity/capabilities.
func (f *Fabric) Info(ctx context.Context, id fabrictypes.SpecialistId, timeout time.Duration) (fabrictypes.Response, error) {
	return f.sendFrame(ctx, id, fabrictypes.FrameInfo, "", timeout)
}

// Close drains all channels (spec §4.4).
func (f *Fabric) Close() {
	f.mu.Lock()
	channels := make([]*channel.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		channels = append(channels, ch)
	}
	f.channels = make(map[fabrictypes.SpecialistId]*channel.Channel)
	f.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}

// NewRequestID generates a fabric-internal request id (spec §3: assigned
// by the fabric, never reaches the wire).
func NewRequestID() string {
	return uuid.NewString()
}
