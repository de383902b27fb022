package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/store"
)

// MigrateAll runs the legacy-shape migration over every domain. Called once
// at startup; Get repeats it opportunistically per domain.
func (s *Service) MigrateAll(ctx context.Context) error {
	ids, err := s.store.SMembers(ctx, store.KeyDomains)
	if err != nil {
		return fmt.Errorf("listing domains: %w", err)
	}
	for _, id := range ids {
		d, err := s.loadDomain(ctx, id)
		if err != nil {
			continue
		}
		if err := s.migrateDomainSymbols(ctx, d); err != nil {
			slog.Warn("Symbol migration failed", "domain_id", id, "error", err)
		}
	}
	return nil
}

// migrateDomainSymbols rewrites legacy symbol shapes in place. Currently one
// migration exists: lattice membership unification, folding the retired
// top-level lattice_members and linked_lattices arrays into lattice.members.
func (s *Service) migrateDomainSymbols(ctx context.Context, d *models.Domain) error {
	var firstErr error
	for _, symID := range d.Symbols {
		raw, err := s.store.Get(ctx, store.SymbolKey(symID))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		migrated, changed, err := migrateSymbolJSON([]byte(raw))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("migrating symbol %s: %w", symID, err)
			}
			continue
		}
		if !changed {
			continue
		}
		migrated.UpdatedAt = models.EncodeTimestamp(s.now())
		if err := s.saveSymbol(ctx, migrated); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("Migrated legacy symbol shape", "symbol_id", symID, "domain_id", d.ID)
	}
	return firstErr
}

// migrateSymbolJSON detects legacy keys in the stored JSON and returns the
// unified symbol. The typed unmarshal drops unknown keys, so rewriting the
// record also garbage-collects the legacy fields.
func migrateSymbolJSON(raw []byte) (*models.Symbol, bool, error) {
	var sym models.Symbol
	if err := json.Unmarshal(raw, &sym); err != nil {
		return nil, false, err
	}
	var legacy struct {
		LatticeMembers []string `json:"lattice_members"`
		LinkedLattices []string `json:"linked_lattices"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, false, err
	}
	if len(legacy.LatticeMembers) == 0 && len(legacy.LinkedLattices) == 0 {
		return &sym, false, nil
	}
	if sym.Lattice == nil {
		sym.Lattice = &models.LatticeSpec{}
	}
	sym.Lattice.Members = mergeUnique(sym.Lattice.Members, legacy.LatticeMembers)
	sym.Lattice.Members = mergeUnique(sym.Lattice.Members, legacy.LinkedLattices)
	return &sym, true, nil
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, id := range base {
		seen[id] = struct{}{}
	}
	for _, id := range extra {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		base = append(base, id)
	}
	return base
}
