package registry

import (
	"context"
	"fmt"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
)

// validateSymbol enforces the upsert invariants: required fields, the kind
// and substrate enums, domain agreement and referential integrity. Reference
// existence checks are skipped under bypass.
func (s *Service) validateSymbol(ctx context.Context, d *models.Domain, sym *models.Symbol, bypass bool) error {
	if sym.ID == "" {
		return services.NewValidationError("id", "required")
	}
	if !models.ValidSymbolKind(sym.Kind) {
		return services.NewValidationError("kind", "must be one of pattern, lattice, persona, data")
	}
	if sym.SymbolDomain != "" && sym.SymbolDomain != d.ID {
		return services.NewValidationError("symbol_domain",
			fmt.Sprintf("must match owning domain %q", d.ID))
	}
	for i, sub := range sym.Facets.Substrate {
		if _, ok := models.Substrates[sub]; !ok {
			return services.NewValidationError(
				fmt.Sprintf("facets.substrate[%d]", i),
				fmt.Sprintf("unknown substrate %q", sub))
		}
	}
	switch sym.Kind {
	case models.KindLattice:
		if sym.Lattice == nil {
			return services.NewValidationError("lattice", "required for kind lattice")
		}
	case models.KindPersona:
		if sym.Persona == nil {
			return services.NewValidationError("persona", "required for kind persona")
		}
	case models.KindData:
		if sym.Data == nil {
			return services.NewValidationError("data", "required for kind data")
		}
	}
	if bypass {
		return nil
	}
	for _, ref := range sym.References() {
		if ref == sym.ID {
			continue
		}
		if !s.symbolExists(ctx, ref) {
			return services.NewValidationError("linked_patterns",
				fmt.Sprintf("referenced symbol %q does not exist", ref))
		}
	}
	return nil
}
