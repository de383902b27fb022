// Package models defines the wire and storage types shared across the kernel:
// symbols, domains, context sessions, traces, agents, test sets and users.
package models

// SymbolKind identifies the payload shape of a symbol.
type SymbolKind string

// Symbol kinds.
const (
	KindPattern SymbolKind = "pattern"
	KindLattice SymbolKind = "lattice"
	KindPersona SymbolKind = "persona"
	KindData    SymbolKind = "data"
)

// ValidSymbolKind reports whether k is one of the four known kinds.
func ValidSymbolKind(k SymbolKind) bool {
	switch k {
	case KindPattern, KindLattice, KindPersona, KindData:
		return true
	}
	return false
}

// Substrates is the closed enum allowed in Facets.Substrate.
var Substrates = map[string]struct{}{
	"text": {}, "code": {}, "image": {}, "audio": {}, "video": {},
	"data": {}, "event": {}, "signal": {}, "state": {}, "process": {},
	"concept": {}, "relation": {}, "cognitive": {}, "symbolic": {},
	"temporal": {}, "social": {}, "biological": {}, "physical": {},
	"digital": {}, "virtual": {}, "abstract": {}, "meta": {},
}

// Facets groups the structural attributes of a symbol.
type Facets struct {
	Function   string   `json:"function,omitempty"`
	Topology   string   `json:"topology,omitempty"`
	Commit     string   `json:"commit,omitempty"`
	Gate       []string `json:"gate,omitempty"`
	Substrate  []string `json:"substrate,omitempty"`
	Temporal   string   `json:"temporal,omitempty"`
	Invariants []string `json:"invariants,omitempty"`
}

// LatticeSpec is the kind-specific payload of a lattice symbol: an execution
// topology over member symbols.
type LatticeSpec struct {
	Topology string   `json:"topology,omitempty"`
	Closure  string   `json:"closure,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// PersonaSpec is the kind-specific payload of a persona symbol.
type PersonaSpec struct {
	RecursionLevel       int      `json:"recursion_level,omitempty"`
	Function             string   `json:"function,omitempty"`
	ActivationConditions []string `json:"activation_conditions,omitempty"`
	FallbackBehavior     []string `json:"fallback_behavior,omitempty"`
	LinkedPersonas       []string `json:"linked_personas,omitempty"`
}

// DataSpec is the kind-specific payload of a data symbol.
type DataSpec struct {
	Source       string `json:"source,omitempty"`
	Verification string `json:"verification,omitempty"`
	Status       string `json:"status,omitempty"`
	Payload      string `json:"payload,omitempty"`
}

// Symbol is the atomic unit of the knowledge graph. Cross-symbol links are
// arrays of IDs, never embedded values — the graph has cycles.
type Symbol struct {
	ID                   string       `json:"id"`
	Kind                 SymbolKind   `json:"kind"`
	Name                 string       `json:"name,omitempty"`
	Triad                string       `json:"triad,omitempty"`
	Macro                string       `json:"macro,omitempty"`
	Role                 string       `json:"role,omitempty"`
	SymbolDomain         string       `json:"symbol_domain"`
	SymbolTag            string       `json:"symbol_tag,omitempty"`
	Facets               Facets       `json:"facets"`
	FailureMode          string       `json:"failure_mode,omitempty"`
	ActivationConditions []string     `json:"activation_conditions,omitempty"`
	LinkedPatterns       []string     `json:"linked_patterns,omitempty"`
	Lattice              *LatticeSpec `json:"lattice,omitempty"`
	Persona              *PersonaSpec `json:"persona,omitempty"`
	Data                 *DataSpec    `json:"data,omitempty"`
	CreatedAt            string       `json:"created_at,omitempty"`
	UpdatedAt            string       `json:"updated_at,omitempty"`
}

// References returns every symbol ID this symbol points at: linked_patterns,
// lattice members and linked personas.
func (s *Symbol) References() []string {
	var refs []string
	refs = append(refs, s.LinkedPatterns...)
	if s.Lattice != nil {
		refs = append(refs, s.Lattice.Members...)
	}
	if s.Persona != nil {
		refs = append(refs, s.Persona.LinkedPersonas...)
	}
	return refs
}

// RewriteReference substitutes oldID with newID across every reference array.
// Returns true if anything changed.
func (s *Symbol) RewriteReference(oldID, newID string) bool {
	changed := rewrite(s.LinkedPatterns, oldID, newID)
	if s.Lattice != nil {
		changed = rewrite(s.Lattice.Members, oldID, newID) || changed
	}
	if s.Persona != nil {
		changed = rewrite(s.Persona.LinkedPersonas, oldID, newID) || changed
	}
	return changed
}

// DropReference removes oldID from every reference array. Returns true if
// anything changed.
func (s *Symbol) DropReference(oldID string) bool {
	var changed bool
	s.LinkedPatterns, changed = drop(s.LinkedPatterns, oldID)
	if s.Lattice != nil {
		var c bool
		s.Lattice.Members, c = drop(s.Lattice.Members, oldID)
		changed = changed || c
	}
	if s.Persona != nil {
		var c bool
		s.Persona.LinkedPersonas, c = drop(s.Persona.LinkedPersonas, oldID)
		changed = changed || c
	}
	return changed
}

func rewrite(ids []string, oldID, newID string) bool {
	var changed bool
	for i, id := range ids {
		if id == oldID {
			ids[i] = newID
			changed = true
		}
	}
	return changed
}

func drop(ids []string, oldID string) ([]string, bool) {
	out := ids[:0]
	var changed bool
	for _, id := range ids {
		if id == oldID {
			changed = true
			continue
		}
		out = append(out, id)
	}
	if !changed {
		return ids, false
	}
	return out, true
}
