package models

// ActivationStep is one hop in a symbolic reasoning chain.
type ActivationStep struct {
	SymbolID string `json:"symbol_id"`
	Reason   string `json:"reason,omitempty"`
	LinkType string `json:"link_type,omitempty"`
}

// SourceContext records what triggered a trace.
type SourceContext struct {
	SymbolDomain  string `json:"symbol_domain,omitempty"`
	TriggerVector string `json:"trigger_vector,omitempty"`
}

// Trace is a structured log of one symbolic reasoning chain, written by the
// log_trace tool during inference and read back by the test runner.
type Trace struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"sessionId,omitempty"`
	EntryNode      string           `json:"entry_node"`
	ActivatedBy    string           `json:"activated_by,omitempty"`
	ActivationPath []ActivationStep `json:"activation_path,omitempty"`
	SourceContext  SourceContext    `json:"source_context"`
	OutputNode     string           `json:"output_node,omitempty"`
	Status         string           `json:"status,omitempty"`
	CreatedAt      string           `json:"created_at,omitempty"`
	UpdatedAt      string           `json:"updated_at,omitempty"`
}

// ActivatedSymbols returns the distinct symbol IDs touched by the trace, in
// path order with the entry node first.
func (t *Trace) ActivatedSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(t.EntryNode)
	for _, step := range t.ActivationPath {
		add(step.SymbolID)
	}
	add(t.OutputNode)
	return out
}
