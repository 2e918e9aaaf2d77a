// Package loadshed implements host-resource admission control: a
// background sampler over CPU/memory (spec's "manifest includes this
// process's own load posture" addition, SPEC_FULL.md §3) that gates
// expensive fan-out operations like broadcast when the host is
// saturated, rather than letting every specialist queue pile up at once.
//
// Grounded on the teacher's connection-count backpressure idiom
// (adred-codev-ws_poc/ws rejects new connections past a configured
// ceiling) generalized here from "connection count" to "host CPU", using
// shirou/gopsutil/v3 for the actual sampling the teacher never needed
// (a single-host TCP server, not a fan-out broadcaster).
package loadshed

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// State is a point-in-time snapshot of host load, exposed verbatim in
// Discovery's manifest() (spec §4.6).
type State struct {
	CPUPercent    float64
	MemPercent    float64
	Admitting     bool
	SampledAt     time.Time
}

// Gate samples host load on an interval and answers "may I admit more
// fan-out work" for Fabric's broadcast path. Safe for concurrent use.
type Gate struct {
	cpuRejectThreshold float64
	interval           time.Duration
	logger             zerolog.Logger

	cpuPercent atomic.Uint64 // math.Float64bits
	memPercent atomic.Uint64
	sampledAt  atomic.Int64 // unix nano

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func New(cpuRejectThreshold float64, interval time.Duration, logger zerolog.Logger) *Gate {
	if cpuRejectThreshold <= 0 {
		cpuRejectThreshold = 85.0
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Gate{cpuRejectThreshold: cpuRejectThreshold, interval: interval, logger: logger}
}

// Start begins background sampling. Idempotent; safe to call once at
// process start. Stops when ctx is cancelled.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.mu.Unlock()

	go g.sampleLoop(runCtx)
}

func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Gate) sampleLoop(ctx context.Context) {
	g.sampleOnce()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sampleOnce()
		}
	}
}

func (g *Gate) sampleOnce() {
	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("loadshed: cpu sample failed, keeping previous reading")
		return
	}

	memPct := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}

	storeFloat(&g.cpuPercent, cpuPct)
	storeFloat(&g.memPercent, memPct)
	g.sampledAt.Store(time.Now().UnixNano())
}

// Admit reports whether a broadcast-scale fan-out should be let through
// right now. Below the CPU threshold, always true; never blocks a
// single specialist send (spec's admission control applies to broadcast
// only, not to send).
func (g *Gate) Admit() bool {
	return loadFloat(&g.cpuPercent) < g.cpuRejectThreshold
}

// Snapshot returns the current state for manifest().
func (g *Gate) Snapshot() State {
	ns := g.sampledAt.Load()
	return State{
		CPUPercent: loadFloat(&g.cpuPercent),
		MemPercent: loadFloat(&g.memPercent),
		Admitting:  g.Admit(),
		SampledAt:  time.Unix(0, ns),
	}
}

func storeFloat(a *atomic.Uint64, f float64) { a.Store(math.Float64bits(f)) }
func loadFloat(a *atomic.Uint64) float64     { return math.Float64frombits(a.Load()) }
