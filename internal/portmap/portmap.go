// Package portmap implements the deterministic name-to-endpoint formula
// (spec §4.1): ai_port = AI_PORT_BASE + (component_port - COMPONENT_PORT_BASE).
//
// Grounded on the original Python ai_port_utils.py: two required port
// bases, a static component catalog, and a reverse lookup for
// diagnostics. The Go rendition keeps the same "no defaults, hard fail"
// posture so two Tekton instances on one host can never collide.
package portmap

import (
	"fmt"
	"sort"

	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
)

// Catalog is an ordered mapping of component name to component port,
// populated once at process start. Names carry no "-ci" suffix.
type Catalog map[string]int

// DefaultCatalog mirrors shared/utils/ai_port_utils.py's COMPONENT_PORTS,
// offset from a COMPONENT_PORT_BASE of 8000.
func DefaultCatalog(base int) Catalog {
	offsets := map[string]int{
		"engram": 0, "hermes": 1, "ergon": 2, "rhetor": 3, "terma": 4,
		"athena": 5, "prometheus": 6, "harmonia": 7, "telos": 8,
		"synthesis": 9, "tekton_core": 10, "metis": 11, "apollo": 12,
		"penia": 13, "sophia": 14, "noesis": 15, "numa": 16, "hephaestus": 80,
	}
	cat := make(Catalog, len(offsets))
	for name, off := range offsets {
		cat[name] = base + off
	}
	return cat
}

// Mapper is a pure function of (componentPortBase, aiPortBase, catalog).
// Constructing one does no I/O beyond reading the two bases the caller
// already resolved from the environment (see internal/config).
type Mapper struct {
	componentPortBase int
	aiPortBase        int
	catalog           Catalog
	host              string
}

// New builds a Mapper. Both bases are required; config.Load enforces
// "no defaults" before this constructor ever runs.
func New(componentPortBase, aiPortBase int, catalog Catalog, host string) *Mapper {
	if host == "" {
		host = "localhost"
	}
	return &Mapper{
		componentPortBase: componentPortBase,
		aiPortBase:        aiPortBase,
		catalog:           catalog,
		host:              host,
	}
}

func canonicalName(name string) string {
	const suffix = "-ci"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// EndpointFor implements endpoint_for(name) -> Endpoint. name may carry
// the canonical "-ci" suffix or not; unknown names are a hard
// UnknownSpecialist error, never a silent default (spec §3).
func (m *Mapper) EndpointFor(name fabrictypes.SpecialistId) (fabrictypes.Endpoint, error) {
	base := canonicalName(string(name))
	componentPort, ok := m.catalog[base]
	if !ok {
		return fabrictypes.Endpoint{}, fabrictypes.NewError(
			fabrictypes.ErrUnknownSpecialist, name,
			fmt.Sprintf("no catalog entry for %q", base), nil)
	}
	aiPort := m.aiPortBase + (componentPort - m.componentPortBase)
	return fabrictypes.Endpoint{Host: m.host, Port: aiPort}, nil
}

// ComponentPortFor is the inverse formula, for diagnostics only (spec §4.1).
func (m *Mapper) ComponentPortFor(aiPort int) int {
	return m.componentPortBase + (aiPort - m.aiPortBase)
}

// CanonicalNameForPort reverses an ai_port back to its canonical
// "<name>-ci" form, mirroring simple_ai.py's _get_ai_id_from_port. Returns
// ("", false) if no catalog entry produces that port.
func (m *Mapper) CanonicalNameForPort(aiPort int) (fabrictypes.SpecialistId, bool) {
	componentPort := m.ComponentPortFor(aiPort)
	for name, p := range m.catalog {
		if p == componentPort {
			return fabrictypes.SpecialistId(name + "-ci"), true
		}
	}
	return "", false
}

// AllSpecialists lists every canonical specialist id in the catalog, in
// stable (sorted) order so callers get deterministic output (spec: "a
// listing").
func (m *Mapper) AllSpecialists() []fabrictypes.SpecialistId {
	names := make([]string, 0, len(m.catalog))
	for name := range m.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	ids := make([]fabrictypes.SpecialistId, len(names))
	for i, name := range names {
		ids[i] = fabrictypes.SpecialistId(name + "-ci")
	}
	return ids
}

// ComponentPort returns the raw component port for a canonical or raw
// name.
func (m *Mapper) ComponentPort(name fabrictypes.SpecialistId) (int, bool) {
	p, ok := m.catalog[canonicalName(string(name))]
	return p, ok
}
