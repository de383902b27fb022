package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
)

// UpsertOptions modifies symbol write behavior.
type UpsertOptions struct {
	// BypassValidation skips referential-integrity checks on linked IDs.
	// Used for bulk loads that carry cross-domain or external links.
	BypassValidation bool
}

// UpsertSymbol creates or replaces a symbol in a domain and synchronizes the
// vector index. An unindexable symbol is rolled back out of the registry so
// stored and searchable stay equivalent.
func (s *Service) UpsertSymbol(ctx context.Context, ac auth.Context, domainID string, sym models.Symbol, opts UpsertOptions) (*models.Symbol, error) {
	d, err := s.visibleDomain(ctx, ac, domainID)
	if err != nil {
		return nil, err
	}
	if err := s.checkWrite(ac, d, sym.ID); err != nil {
		return nil, err
	}
	if err := s.validateSymbol(ctx, d, &sym, opts.BypassValidation); err != nil {
		return nil, err
	}

	now := s.now()
	sym.SymbolDomain = d.ID
	if sym.CreatedAt == "" {
		sym.CreatedAt = models.EncodeTimestamp(now)
	}
	sym.UpdatedAt = models.EncodeTimestamp(now)

	existed := s.symbolExists(ctx, sym.ID)
	if err := s.saveSymbol(ctx, &sym); err != nil {
		return nil, err
	}
	if !slices.Contains(d.Symbols, sym.ID) {
		d.Symbols = append(d.Symbols, sym.ID)
		d.UpdatedAt = now
		if err := s.saveDomain(ctx, d); err != nil {
			return nil, err
		}
	}

	indexed, err := s.indexer.IndexSymbol(ctx, &sym)
	if err != nil {
		slog.Warn("Vector index update failed", "symbol_id", sym.ID, "error", err)
		return &sym, nil
	}
	if !indexed {
		// Unindexable symbols are evicted again rather than left invisible
		// to semantic search.
		if !existed {
			_ = s.removeFromDomain(ctx, d, sym.ID)
			_ = s.store.Del(ctx, store.SymbolKey(sym.ID))
		}
		return nil, services.NewValidationError("embedding", "symbol could not be indexed")
	}
	return &sym, nil
}

// BulkResult reports the outcome of a bulk upsert.
type BulkResult struct {
	Upserted []string          `json:"upserted"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// BulkUpsert writes many symbols into one domain. Individual failures do not
// abort the batch; they are collected per symbol ID.
func (s *Service) BulkUpsert(ctx context.Context, ac auth.Context, domainID string, symbols []models.Symbol, opts UpsertOptions) (*BulkResult, error) {
	if _, err := s.visibleDomain(ctx, ac, domainID); err != nil {
		return nil, err
	}
	res := &BulkResult{Upserted: []string{}, Failed: map[string]string{}}
	for _, sym := range symbols {
		if _, err := s.UpsertSymbol(ctx, ac, domainID, sym, opts); err != nil {
			res.Failed[sym.ID] = err.Error()
			continue
		}
		res.Upserted = append(res.Upserted, sym.ID)
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res, nil
}

// DeleteSymbol removes a symbol. With cascade the symbol's ID is also dropped
// from every other symbol's reference arrays; without it, dangling references
// remain and are tolerated by readers.
func (s *Service) DeleteSymbol(ctx context.Context, ac auth.Context, domainID, id string, cascade bool) error {
	d, err := s.visibleDomain(ctx, ac, domainID)
	if err != nil {
		return err
	}
	if err := s.checkWrite(ac, d, id); err != nil {
		return err
	}
	if !slices.Contains(d.Symbols, id) {
		return services.ErrNotFound
	}
	if err := s.store.Del(ctx, store.SymbolKey(id)); err != nil {
		return fmt.Errorf("deleting symbol %s: %w", id, err)
	}
	if err := s.removeFromDomain(ctx, d, id); err != nil {
		return err
	}
	if err := s.indexer.RemoveSymbol(ctx, id); err != nil {
		slog.Warn("Failed to remove symbol from index", "symbol_id", id, "error", err)
	}
	if cascade {
		if err := s.dropReferences(ctx, id); err != nil {
			slog.Warn("Cascade reference cleanup incomplete", "symbol_id", id, "error", err)
		}
	}
	return nil
}

// DeleteSymbols removes a batch of symbols from one domain.
func (s *Service) DeleteSymbols(ctx context.Context, ac auth.Context, domainID string, ids []string, cascade bool) error {
	for _, id := range ids {
		if err := s.DeleteSymbol(ctx, ac, domainID, id, cascade); err != nil && !errors.Is(err, services.ErrNotFound) {
			return err
		}
	}
	return nil
}

// FindByID locates a symbol across all domains visible to the caller.
func (s *Service) FindByID(ctx context.Context, ac auth.Context, id string) (*models.Symbol, error) {
	sym, err := s.loadSymbol(ctx, id)
	if err != nil {
		return nil, err
	}
	d, err := s.loadDomain(ctx, sym.SymbolDomain)
	if err != nil {
		return nil, err
	}
	if !s.canRead(ac, d) {
		return nil, services.ErrNotFound
	}
	return sym, nil
}

// GetSymbols returns every symbol of a domain, ordered by ID.
func (s *Service) GetSymbols(ctx context.Context, ac auth.Context, domainID string) ([]models.Symbol, error) {
	d, err := s.visibleDomain(ctx, ac, domainID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Symbol, 0, len(d.Symbols))
	for _, id := range d.Symbols {
		sym, err := s.loadSymbol(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// QueryPage is one page of a structured domain scan.
type QueryPage struct {
	Symbols []models.Symbol `json:"symbols"`
	LastID  string          `json:"lastId,omitempty"`
	HasMore bool            `json:"hasMore"`
}

// Query scans one domain, optionally filtered by symbol_tag, paginated by ID
// with cursor lastID.
func (s *Service) Query(ctx context.Context, ac auth.Context, domainID, tag string, limit int, lastID string) (*QueryPage, error) {
	symbols, err := s.GetSymbols(ctx, ac, domainID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	page := &QueryPage{Symbols: []models.Symbol{}}
	for _, sym := range symbols {
		if lastID != "" && sym.ID <= lastID {
			continue
		}
		if tag != "" && sym.SymbolTag != tag {
			continue
		}
		if len(page.Symbols) == limit {
			page.HasMore = true
			break
		}
		page.Symbols = append(page.Symbols, sym)
	}
	if n := len(page.Symbols); n > 0 {
		page.LastID = page.Symbols[n-1].ID
	}
	return page, nil
}

func (s *Service) removeFromDomain(ctx context.Context, d *models.Domain, id string) error {
	idx := slices.Index(d.Symbols, id)
	if idx < 0 {
		return nil
	}
	d.Symbols = slices.Delete(d.Symbols, idx, idx+1)
	d.UpdatedAt = s.now()
	return s.saveDomain(ctx, d)
}

// dropReferences removes id from the reference arrays of every live symbol.
// Walks all domains with the internal view; referential cleanup is global.
func (s *Service) dropReferences(ctx context.Context, id string) error {
	return s.walkSymbols(ctx, func(sym *models.Symbol) (bool, error) {
		return sym.DropReference(id), nil
	})
}

// walkSymbols visits every stored symbol; when visit reports a change the
// symbol is persisted and reindexed.
func (s *Service) walkSymbols(ctx context.Context, visit func(sym *models.Symbol) (bool, error)) error {
	ids, err := s.store.SMembers(ctx, store.KeyDomains)
	if err != nil {
		return fmt.Errorf("listing domains: %w", err)
	}
	var firstErr error
	for _, domainID := range ids {
		d, err := s.loadDomain(ctx, domainID)
		if err != nil {
			continue
		}
		for _, symID := range d.Symbols {
			sym, err := s.loadSymbol(ctx, symID)
			if err != nil {
				continue
			}
			changed, err := visit(sym)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !changed {
				continue
			}
			sym.UpdatedAt = models.EncodeTimestamp(s.now())
			if err := s.saveSymbol(ctx, sym); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if _, err := s.indexer.IndexSymbol(ctx, sym); err != nil {
				slog.Warn("Vector index update failed", "symbol_id", sym.ID, "error", err)
			}
		}
	}
	return firstErr
}
