// Package discovery implements Discovery & Health (spec §4.6):
// list_specialists, probe with a short TTL cache, and manifest — the
// self-description surface other components and aish poll.
//
// Grounded on original_source's ai_manager.py health-check loop
// ("any parseable response" == healthy) and on the teacher's
// resource-sampling idiom for host load (ws reports conn counts; this
// generalizes to gopsutil CPU/mem via internal/loadshed).
package discovery

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ckoons/Tekton-sub009/internal/fabric"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/loadshed"
	"github.com/ckoons/Tekton-sub009/internal/portmap"
)

// HealthState mirrors the probe outcome exposed to callers.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// SpecialistInfo is one row of list_specialists()/manifest().
type SpecialistInfo struct {
	ID        fabrictypes.SpecialistId
	Endpoint  fabrictypes.Endpoint
	Health    HealthState
	ModelName string
	ProbedAt  time.Time
}

// Manifest is the self-description document (spec §4.6): every known
// specialist plus this process's own admission-control posture.
type Manifest struct {
	Specialists []SpecialistInfo
	LoadState   loadshed.State
	GeneratedAt time.Time
}

type cacheEntry struct {
	info    SpecialistInfo
	cachedAt time.Time
}

// Discovery wraps a Fabric + Mapper pair with a probe cache.
type Discovery struct {
	fab    *fabric.Fabric
	mapper *portmap.Mapper
	gate   *loadshed.Gate
	ttl    time.Duration
	timeout time.Duration

	mu    sync.Mutex
	cache map[fabrictypes.SpecialistId]cacheEntry
}

func New(fab *fabric.Fabric, mapper *portmap.Mapper, gate *loadshed.Gate, ttl, probeTimeout time.Duration) *Discovery {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Discovery{
		fab:     fab,
		mapper:  mapper,
		gate:    gate,
		ttl:     ttl,
		timeout: probeTimeout,
		cache:   make(map[fabrictypes.SpecialistId]cacheEntry),
	}
}

// ListSpecialists implements list_specialists(filter?) (spec §4.6).
// filter, if non-empty, is matched as a case-insensitive substring of the
// canonical name (the "--type" class filter from the shell facade).
func (d *Discovery) ListSpecialists(filter string) []fabrictypes.SpecialistId {
	all := d.mapper.AllSpecialists()
	if filter == "" {
		return all
	}
	out := make([]fabrictypes.SpecialistId, 0, len(all))
	for _, id := range all {
		if strings.Contains(strings.ToLower(string(id)), strings.ToLower(filter)) {
			out = append(out, id)
		}
	}
	return out
}

// Probe implements probe(id) -> HealthState (spec §4.6): cached for ttl,
// "any parseable response with no transport error" counts as healthy
// (original_source's health check, not a strict schema match). Health
// itself is determined by a ping frame per spec §4.6 — info is only
// queried afterward, and only to fill in ModelName for a healthy
// specialist, never to decide health.
func (d *Discovery) Probe(ctx context.Context, id fabrictypes.SpecialistId) SpecialistInfo {
	d.mu.Lock()
	if entry, ok := d.cache[id]; ok && time.Since(entry.cachedAt) < d.ttl {
		d.mu.Unlock()
		return entry.info
	}
	d.mu.Unlock()

	info := SpecialistInfo{ID: id, ProbedAt: time.Now()}
	if ep, err := d.mapper.EndpointFor(id); err == nil {
		info.Endpoint = ep
	}

	resp, err := d.fab.Probe(ctx, id, d.timeout)
	switch {
	case err == nil && resp.OK:
		info.Health = HealthHealthy
	case err == nil:
		info.Health = HealthUnhealthy
	default:
		if fe, ok := err.(*fabrictypes.Error); ok && fe.Kind == fabrictypes.ErrUnknownSpecialist {
			info.Health = HealthUnknown
		} else {
			info.Health = HealthUnhealthy
		}
	}

	if info.Health == HealthHealthy {
		if infoResp, err := d.fab.Info(ctx, id, d.timeout); err == nil {
			info.ModelName = infoResp.ModelName
		}
	}

	d.mu.Lock()
	d.cache[id] = cacheEntry{info: info, cachedAt: time.Now()}
	d.mu.Unlock()
	return info
}

// InvalidateProbe drops a cached probe result, forcing the next Probe
// call to hit the wire (used by roster reassignment, spec §4.7).
func (d *Discovery) InvalidateProbe(id fabrictypes.SpecialistId) {
	d.mu.Lock()
	delete(d.cache, id)
	d.mu.Unlock()
}

// Manifest implements manifest() (spec §4.6): probes every cataloged
// specialist (using the cache, so this is cheap once warm) and attaches
// this process's own load posture.
func (d *Discovery) Manifest(ctx context.Context) Manifest {
	ids := d.mapper.AllSpecialists()
	infos := make([]SpecialistInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, d.Probe(ctx, id))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	var loadState loadshed.State
	if d.gate != nil {
		loadState = d.gate.Snapshot()
	}
	return Manifest{Specialists: infos, LoadState: loadState, GeneratedAt: time.Now()}
}
