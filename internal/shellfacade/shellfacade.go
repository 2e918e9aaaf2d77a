// Package shellfacade implements the Shell facade (spec §4.8):
// specialist name normalization, send by name, broadcast to every hired
// specialist, and thin pass-throughs to the forwarding overlay. aish
// uses NormalizeName and SendName from here; its broadcast and forward
// commands call Fabric, Roster and the Overlay directly.
//
// Grounded on original_source/aish's ai_manager.py name normalization
// (hyphen/underscore interchangeable, optional "-ci" suffix).
package shellfacade

import (
	"context"
	"strings"
	"time"

	"github.com/ckoons/Tekton-sub009/internal/fabric"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/overlay"
	"github.com/ckoons/Tekton-sub009/internal/roster"
)

// Facade wires Fabric, Roster, and the Overlay behind the
// name-normalizing surface aish's interactive commands call into.
type Facade struct {
	fab *fabric.Fabric
	ros *roster.Roster
	ov  *overlay.Overlay
}

func New(fab *fabric.Fabric, ros *roster.Roster, ov *overlay.Overlay) *Facade {
	return &Facade{fab: fab, ros: ros, ov: ov}
}

// NormalizeName implements the original CLI's liberal name acceptance:
// underscores and hyphens are interchangeable, and the canonical "-ci"
// suffix is appended if missing ("apollo", "apollo-ci", "apollo_ci" all
// resolve to the same id).
func NormalizeName(raw string) fabrictypes.SpecialistId {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.ReplaceAll(name, "_", "-")
	if strings.HasSuffix(name, "-ci") {
		return fabrictypes.SpecialistId(name)
	}
	return fabrictypes.SpecialistId(name + "-ci")
}

// SendName implements send_name(name, body) (spec §4.8).
func (f *Facade) SendName(ctx context.Context, rawName, body string, timeout time.Duration) (fabrictypes.Response, error) {
	return f.fab.Send(ctx, NormalizeName(rawName), body, timeout)
}

// Broadcast implements broadcast(body) -> {id: result} (spec §4.8):
// every currently hired specialist, using the roster rather than the
// full catalog so an unhired-but-cataloged specialist never gets paged.
func (f *Facade) Broadcast(ctx context.Context, body string, timeout time.Duration) (map[fabrictypes.SpecialistId]fabrictypes.Result, error) {
	hired := f.ros.GetRoster()
	if len(hired) == 0 {
		return map[fabrictypes.SpecialistId]fabrictypes.Result{}, nil
	}
	ids := make([]fabrictypes.SpecialistId, len(hired))
	for i, e := range hired {
		ids[i] = e.ID
	}
	return f.fab.Broadcast(ctx, ids, body, timeout)
}

// ListForwards implements list_forwards() (spec §4.8).
func (f *Facade) ListForwards() map[fabrictypes.SpecialistId]string {
	return f.ov.List()
}

// SetForward implements set_forward(name, dest, ...) (spec §4.8).
func (f *Facade) SetForward(name, dest string, toTerminal bool, format overlay.TerminalInboxFormat) error {
	return f.ov.Set(NormalizeName(name), fabrictypes.SpecialistId(dest), toTerminal, format)
}

// RemoveForward implements remove_forward(name) (spec §4.8).
func (f *Facade) RemoveForward(name string) error {
	return f.ov.Remove(NormalizeName(name))
}
