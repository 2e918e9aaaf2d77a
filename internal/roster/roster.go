// Package roster implements the Roster module (spec §4.7): the
// hire/fire/reassign bookkeeping and per-specialist performance counters
// layered on top of Fabric + Discovery, plus the UnhealthyTarget guard
// a reassign must pass before it is accepted.
//
// Grounded on original_source/Rhetor/rhetor/core/ai_specialist_manager.py's
// specialist registry (a dict of id -> role/status/counters) and on the
// teacher's connection-registry-under-mutex idiom for the concurrency
// shape.
package roster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ckoons/Tekton-sub009/internal/discovery"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
)

// Entry is one hired specialist's bookkeeping row.
type Entry struct {
	ID          fabrictypes.SpecialistId
	Role        string
	HiredAt     time.Time
	SendsOK     int64
	SendsFailed int64
	LastLatency int64
}

// SuccessRate is a convenience derived metric for the roster listing.
func (e Entry) SuccessRate() float64 {
	total := e.SendsOK + e.SendsFailed
	if total == 0 {
		return 0
	}
	return float64(e.SendsOK) / float64(total)
}

// Roster tracks hired specialists. Implements fabric.PerformanceRecorder
// so Fabric can feed it every send completion without an import cycle.
type Roster struct {
	disc *discovery.Discovery

	mu      sync.Mutex
	entries map[fabrictypes.SpecialistId]*Entry
}

func New(disc *discovery.Discovery) *Roster {
	return &Roster{disc: disc, entries: make(map[fabrictypes.SpecialistId]*Entry)}
}

// Hire implements hire(id, role) (spec §4.7): probes id's health and
// adds it to the roster, guarded by UnhealthyTarget — a specialist that
// fails its probe cannot be hired. Hiring an already-hired id updates
// its role rather than erroring, matching original_source's idempotent
// registration.
func (r *Roster) Hire(ctx context.Context, id fabrictypes.SpecialistId, role string) error {
	info := r.disc.Probe(ctx, id)
	if info.Health != discovery.HealthHealthy {
		return fabrictypes.NewError(fabrictypes.ErrUnhealthyTarget, id, "hire target failed health probe", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Role = role
		return nil
	}
	r.entries[id] = &Entry{ID: id, Role: role, HiredAt: time.Now()}
	return nil
}

// Fire implements fire(id) (spec §4.7): removes id from the roster.
// Firing an unhired id is a no-op, not an error — callers don't need to
// check membership first.
func (r *Roster) Fire(id fabrictypes.SpecialistId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Reassign implements reassign(id, newRole) (spec §4.7): changes role on
// a hired specialist, guarded by UnhealthyTarget — an unreachable or
// unhealthy specialist cannot be reassigned into active duty.
func (r *Roster) Reassign(ctx context.Context, id fabrictypes.SpecialistId, newRole string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return fabrictypes.NewError(fabrictypes.ErrInvalidArgument, id, "cannot reassign an unhired specialist", nil)
	}

	r.disc.InvalidateProbe(id)
	info := r.disc.Probe(ctx, id)
	if info.Health != discovery.HealthHealthy {
		return fabrictypes.NewError(fabrictypes.ErrUnhealthyTarget, id, "reassign target failed health probe", nil)
	}

	r.mu.Lock()
	e.Role = newRole
	r.mu.Unlock()
	return nil
}

// GetRoster implements get_roster() (spec §4.7): a stable-ordered
// snapshot of every hired specialist.
func (r *Roster) GetRoster() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Performance implements performance(id) (spec §4.7).
func (r *Roster) Performance(id fabrictypes.SpecialistId) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// RecordSend implements fabric.PerformanceRecorder: Fabric calls this on
// every send completion for ids currently in the roster (spec §4.7:
// "performance counters are incremented by the fabric on every send
// completion if the id is in the roster").
func (r *Roster) RecordSend(id fabrictypes.SpecialistId, ok bool, latencyMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, present := r.entries[id]
	if !present {
		return
	}
	if ok {
		e.SendsOK++
	} else {
		e.SendsFailed++
	}
	e.LastLatency = latencyMs
}
