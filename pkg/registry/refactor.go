package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
)

// PropagateRename gives a symbol a new ID and rewrites every reference to it
// across all domains. Fails with ErrConflict before any write when both IDs
// are live. Idempotent: re-running on the resulting state, including the
// residue of a partially applied rename, converges to the renamed state.
func (s *Service) PropagateRename(ctx context.Context, ac auth.Context, domainID, oldID, newID string) error {
	d, err := s.visibleDomain(ctx, ac, domainID)
	if err != nil {
		return err
	}
	if err := s.checkWrite(ac, d, oldID); err != nil {
		return err
	}
	if oldID == newID {
		return services.NewValidationError("newId", "must differ from oldId")
	}
	old, err := s.loadSymbol(ctx, oldID)
	if errors.Is(err, services.ErrNotFound) {
		// Already applied, or never existed. Finish the reference sweep so a
		// retried rename converges.
		return s.rewriteReferences(ctx, oldID, newID)
	}
	if err != nil {
		return err
	}
	if s.symbolExists(ctx, newID) {
		return services.ErrConflict
	}

	renamed := *old
	renamed.ID = newID
	renamed.UpdatedAt = models.EncodeTimestamp(s.now())
	if err := s.saveSymbol(ctx, &renamed); err != nil {
		return err
	}
	if !replaceInDomain(d, oldID, newID) {
		d.Symbols = append(d.Symbols, newID)
	}
	d.UpdatedAt = s.now()
	if err := s.saveDomain(ctx, d); err != nil {
		return err
	}
	if err := s.store.Del(ctx, store.SymbolKey(oldID)); err != nil {
		slog.Warn("Failed to delete renamed symbol", "symbol_id", oldID, "error", err)
	}
	if _, err := s.indexer.IndexSymbol(ctx, &renamed); err != nil {
		slog.Warn("Vector index update failed", "symbol_id", newID, "error", err)
	}
	if err := s.indexer.RemoveSymbol(ctx, oldID); err != nil {
		slog.Warn("Failed to remove symbol from index", "symbol_id", oldID, "error", err)
	}
	return s.rewriteReferences(ctx, oldID, newID)
}

// CompressSymbols merges several symbols into one: the new symbol is written
// first, then every reference to an old ID is rewritten to the new one, then
// the old symbols are deleted. Partial failure leaves a retryable residual
// state; already-applied substitutions are no-ops on retry.
func (s *Service) CompressSymbols(ctx context.Context, ac auth.Context, domainID string, newSym models.Symbol, oldIDs []string) (*models.Symbol, error) {
	created, err := s.UpsertSymbol(ctx, ac, domainID, newSym, UpsertOptions{BypassValidation: true})
	if err != nil {
		return nil, err
	}
	for _, oldID := range oldIDs {
		if oldID == created.ID {
			continue
		}
		if err := s.rewriteReferences(ctx, oldID, created.ID); err != nil {
			slog.Warn("Compression reference rewrite incomplete", "old_id", oldID, "error", err)
		}
		// Old symbols may live outside the target domain; delete each from
		// its own.
		old, err := s.loadSymbol(ctx, oldID)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.DeleteSymbol(ctx, ac, old.SymbolDomain, oldID, false); err != nil && !errors.Is(err, services.ErrNotFound) {
			return nil, err
		}
	}
	return created, nil
}

// RefactorUpdate is one registry-wide symbol replacement.
type RefactorUpdate struct {
	Domain string        `json:"domain"`
	Symbol models.Symbol `json:"symbol"`
}

// ProcessRefactorOperation applies a batch of symbol upserts spanning
// multiple domains, bypassing reference validation so the batch may link
// forward to symbols written later in the same operation.
func (s *Service) ProcessRefactorOperation(ctx context.Context, ac auth.Context, updates []RefactorUpdate) (*BulkResult, error) {
	res := &BulkResult{Upserted: []string{}, Failed: map[string]string{}}
	for _, u := range updates {
		if _, err := s.UpsertSymbol(ctx, ac, u.Domain, u.Symbol, UpsertOptions{BypassValidation: true}); err != nil {
			res.Failed[u.Symbol.ID] = err.Error()
			continue
		}
		res.Upserted = append(res.Upserted, u.Symbol.ID)
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res, nil
}

// rewriteReferences substitutes oldID with newID in every live symbol's
// reference arrays and reindexes the touched symbols. Integrity violations
// are logged, not fatal; readers tolerate dangling references.
func (s *Service) rewriteReferences(ctx context.Context, oldID, newID string) error {
	err := s.walkSymbols(ctx, func(sym *models.Symbol) (bool, error) {
		return sym.RewriteReference(oldID, newID), nil
	})
	if err != nil {
		slog.Warn("Reference rewrite incomplete", "old_id", oldID, "new_id", newID, "error", err)
	}
	return nil
}

func replaceInDomain(d *models.Domain, oldID, newID string) bool {
	for i, id := range d.Symbols {
		if id == oldID {
			d.Symbols[i] = newID
			return true
		}
	}
	return false
}
