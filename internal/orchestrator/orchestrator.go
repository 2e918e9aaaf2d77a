// Package orchestrator implements the Orchestrator facade (spec §4.8):
// list(role?), hire, fire, reassign, roster, find_candidates(role), and
// team_chat(ids, body) — the surface Rhetor (and any other orchestrating
// component) drives Fabric Core and Roster through.
//
// Grounded on original_source/Rhetor/rhetor/core/ai_specialist_manager.py
// (the hire/fire/roster registry) and message_handler.py's role-based
// lookup with graceful fallback.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/ckoons/Tekton-sub009/internal/discovery"
	"github.com/ckoons/Tekton-sub009/internal/fabric"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/roster"
)

// Facade wires Fabric, Discovery, and Roster behind the orchestrator's
// role-oriented operations.
type Facade struct {
	fab  *fabric.Fabric
	disc *discovery.Discovery
	ros  *roster.Roster
}

func New(fab *fabric.Fabric, disc *discovery.Discovery, ros *roster.Roster) *Facade {
	return &Facade{fab: fab, disc: disc, ros: ros}
}

// List implements list(role?) (spec §4.8): every cataloged specialist,
// optionally filtered by a substring of its canonical name.
func (f *Facade) List(role string) []fabrictypes.SpecialistId {
	return f.disc.ListSpecialists(role)
}

// Hire implements hire(id, role) (spec §4.7/§4.8), guarded by
// UnhealthyTarget.
func (f *Facade) Hire(ctx context.Context, id fabrictypes.SpecialistId, role string) error {
	return f.ros.Hire(ctx, id, role)
}

// Fire implements fire(id) (spec §4.7/§4.8).
func (f *Facade) Fire(id fabrictypes.SpecialistId) {
	f.ros.Fire(id)
}

// Reassign implements reassign(id, newRole) (spec §4.7/§4.8), gated on
// UnhealthyTarget.
func (f *Facade) Reassign(ctx context.Context, id fabrictypes.SpecialistId, newRole string) error {
	return f.ros.Reassign(ctx, id, newRole)
}

// Roster implements roster() (spec §4.8).
func (f *Facade) Roster() []roster.Entry {
	return f.ros.GetRoster()
}

// FindCandidates implements find_candidates(role) (spec §4.8, grounded
// on message_handler.py): every cataloged specialist whose canonical
// name or hired role contains role as a substring.
func (f *Facade) FindCandidates(role string) []fabrictypes.SpecialistId {
	byName := f.disc.ListSpecialists(role)

	seen := make(map[fabrictypes.SpecialistId]bool, len(byName))
	out := make([]fabrictypes.SpecialistId, 0, len(byName))
	for _, id := range byName {
		seen[id] = true
		out = append(out, id)
	}

	roleLower := strings.ToLower(role)
	for _, e := range f.ros.GetRoster() {
		if strings.Contains(strings.ToLower(e.Role), roleLower) && !seen[e.ID] {
			seen[e.ID] = true
			out = append(out, e.ID)
		}
	}
	return out
}

// FindAIForRole implements find_ai_for_role(role) (SPEC_FULL.md
// supplement, grounded on message_handler.py's role lookup): the single
// best candidate, preferring a healthy hired specialist with the
// highest success rate, falling back to the first healthy catalog
// match, and finally to the first candidate even if health is unknown
// (never returns empty when FindCandidates found something — the
// original degrades gracefully rather than refusing outright).
func (f *Facade) FindAIForRole(ctx context.Context, role string) (fabrictypes.SpecialistId, bool) {
	candidates := f.FindCandidates(role)
	if len(candidates) == 0 {
		return "", false
	}

	var best fabrictypes.SpecialistId
	bestRate := -1.0
	for _, id := range candidates {
		if e, ok := f.ros.Performance(id); ok {
			info := f.disc.Probe(ctx, id)
			if info.Health == discovery.HealthHealthy && e.SuccessRate() > bestRate {
				best = id
				bestRate = e.SuccessRate()
			}
		}
	}
	if best != "" {
		return best, true
	}

	for _, id := range candidates {
		if f.disc.Probe(ctx, id).Health == discovery.HealthHealthy {
			return id, true
		}
	}
	return candidates[0], true
}

// TeamChatResult is team_chat's return shape (spec §4.8): the broadcast
// results plus an optional coordinator summary.
type TeamChatResult struct {
	Results map[fabrictypes.SpecialistId]fabrictypes.Result
	Summary string
}

// TeamChat implements team_chat(ids, body) -> {id: result, summary?}
// (spec §4.8): exactly broadcast(ids, body) plus, if coordinatorID is
// non-empty, a second send to that coordinator carrying the concatenated
// responses for synthesis. If the coordinator is itself one of the
// broadcast targets, its own response is excluded from what it is asked
// to summarize.
func (f *Facade) TeamChat(ctx context.Context, ids []fabrictypes.SpecialistId, body string, timeout time.Duration, coordinatorID fabrictypes.SpecialistId) (TeamChatResult, error) {
	results, err := f.fab.Broadcast(ctx, ids, body, timeout)
	if err != nil {
		return TeamChatResult{}, err
	}
	out := TeamChatResult{Results: results}
	if coordinatorID == "" {
		return out, nil
	}

	var sb strings.Builder
	for _, id := range ids {
		if id == coordinatorID {
			continue
		}
		res, ok := results[id]
		if !ok || !res.OK() {
			continue
		}
		sb.WriteString(string(id))
		sb.WriteString(": ")
		sb.WriteString(res.Response.Content)
		sb.WriteString("\n")
	}

	summaryResp, err := f.fab.Send(ctx, coordinatorID, sb.String(), timeout)
	if err != nil {
		return out, nil // coordinator failure does not fail team_chat itself
	}
	out.Summary = summaryResp.Content
	return out, nil
}
