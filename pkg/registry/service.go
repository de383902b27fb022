// Package registry implements the symbol registry: durable, queryable,
// authorized storage of symbols organized into domains, with invariant
// validation, referential integrity operations and vector-index
// synchronization.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
)

// Indexer is the vector-index capability the registry keeps synchronized.
// Every registry mutation calls the corresponding indexer method after the
// store write. A false return from IndexSymbol means the symbol is
// unindexable; the registry removes it again to keep "stored" and
// "searchable" equivalent.
type Indexer interface {
	IndexSymbol(ctx context.Context, sym *models.Symbol) (bool, error)
	RemoveSymbol(ctx context.Context, id string) error
	Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error)
}

// Hit is a semantic search result from the indexer.
type Hit struct {
	SymbolID string
	Score    float64
}

// SearchOptions bounds a registry search.
type SearchOptions struct {
	Limit          int
	Domains        []string
	MetadataFilter map[string]string
	TimeGTE        *time.Time
	TimeBetween    *[2]time.Time
}

// Service is the symbol registry.
type Service struct {
	store   store.Store
	indexer Indexer
	now     func() time.Time
}

// NewService creates a registry backed by st and kept in sync with indexer.
func NewService(st store.Store, indexer Indexer) *Service {
	return &Service{store: st, indexer: indexer, now: time.Now}
}

// CreateDomain registers a new domain. Only admins create global domains;
// users create domains owned by themselves.
func (s *Service) CreateDomain(ctx context.Context, ac auth.Context, d models.Domain) (*models.Domain, error) {
	if d.ID == "" {
		return nil, services.NewValidationError("id", "required")
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Global() && !ac.Admin() {
		return nil, services.ErrForbidden
	}
	if !d.Global() && !ac.Admin() && !d.OwnedBy(ac.UserID) {
		return nil, services.ErrForbidden
	}
	if _, err := s.loadDomain(ctx, d.ID); err == nil {
		return nil, services.ErrConflict
	}

	now := s.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	d.Symbols = []string{}
	if err := s.saveDomain(ctx, &d); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, store.KeyDomains, d.ID); err != nil {
		return nil, fmt.Errorf("registering domain: %w", err)
	}
	return &d, nil
}

// DeleteDomain removes a domain together with its symbols and their index
// entries.
func (s *Service) DeleteDomain(ctx context.Context, ac auth.Context, id string) error {
	d, err := s.visibleDomain(ctx, ac, id)
	if err != nil {
		return err
	}
	if err := s.checkWrite(ac, d, ""); err != nil {
		return err
	}
	for _, symID := range d.Symbols {
		if err := s.store.Del(ctx, store.SymbolKey(symID)); err != nil {
			return fmt.Errorf("deleting symbol %s: %w", symID, err)
		}
		if err := s.indexer.RemoveSymbol(ctx, symID); err != nil {
			slog.Warn("Failed to remove symbol from index", "symbol_id", symID, "error", err)
		}
	}
	if err := s.store.SRem(ctx, store.KeyDomains, id); err != nil {
		return fmt.Errorf("deregistering domain: %w", err)
	}
	return s.store.Del(ctx, store.DomainKey(id))
}

// ToggleDomain flips the enabled flag.
func (s *Service) ToggleDomain(ctx context.Context, ac auth.Context, id string, enabled bool) (*models.Domain, error) {
	d, err := s.visibleDomain(ctx, ac, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkWrite(ac, d, ""); err != nil {
		return nil, err
	}
	d.Enabled = enabled
	d.UpdatedAt = s.now()
	if err := s.saveDomain(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// DomainPatch is the set of mutable domain attributes.
type DomainPatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Invariants  *[]string `json:"invariants,omitempty"`
	ReadOnly    *bool     `json:"readOnly,omitempty"`
}

// UpdateDomainMetadata patches domain attributes. The readOnly flag may only
// be toggled by admins.
func (s *Service) UpdateDomainMetadata(ctx context.Context, ac auth.Context, id string, patch DomainPatch) (*models.Domain, error) {
	d, err := s.visibleDomain(ctx, ac, id)
	if err != nil {
		return nil, err
	}
	if patch.ReadOnly != nil {
		if !ac.Admin() {
			return nil, services.ErrForbidden
		}
		d.ReadOnly = *patch.ReadOnly
	}
	// Other metadata writes go through the regular write policy, except
	// that admins may rename a read-only domain they are un-protecting.
	if patch.Name != nil || patch.Description != nil || patch.Invariants != nil {
		if err := s.checkWrite(ac, d, ""); err != nil && patch.ReadOnly == nil {
			return nil, err
		}
	}
	if patch.Name != nil {
		d.Name = *patch.Name
	}
	if patch.Description != nil {
		d.Description = *patch.Description
	}
	if patch.Invariants != nil {
		d.Invariants = *patch.Invariants
	}
	d.UpdatedAt = s.now()
	if err := s.saveDomain(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDomains returns the domains visible to the caller: global domains plus
// the caller's own. Admins see everything.
func (s *Service) ListDomains(ctx context.Context, ac auth.Context) ([]models.Domain, error) {
	ids, err := s.store.SMembers(ctx, store.KeyDomains)
	if err != nil {
		return nil, fmt.Errorf("listing domains: %w", err)
	}
	var out []models.Domain
	for _, id := range ids {
		d, err := s.loadDomain(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.canRead(ac, d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetMetadata returns the list-view projection of every visible domain.
func (s *Service) GetMetadata(ctx context.Context, ac auth.Context) ([]models.DomainMetadata, error) {
	domains, err := s.ListDomains(ctx, ac)
	if err != nil {
		return nil, err
	}
	out := make([]models.DomainMetadata, 0, len(domains))
	for _, d := range domains {
		out = append(out, models.DomainMetadata{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Enabled:     d.Enabled,
			ReadOnly:    d.ReadOnly,
			OwnerUserID: d.OwnerUserID,
			SymbolCount: len(d.Symbols),
		})
	}
	return out, nil
}

// Get loads a domain, applying visibility policy and opportunistic
// legacy-shape migration of its symbols.
func (s *Service) Get(ctx context.Context, ac auth.Context, id string) (*models.Domain, error) {
	d, err := s.visibleDomain(ctx, ac, id)
	if err != nil {
		return nil, err
	}
	if err := s.migrateDomainSymbols(ctx, d); err != nil {
		slog.Warn("Symbol migration failed", "domain_id", id, "error", err)
	}
	return d, nil
}

// ClearAll wipes every domain and symbol. Admin only.
func (s *Service) ClearAll(ctx context.Context, ac auth.Context) error {
	if !ac.Admin() {
		return services.ErrForbidden
	}
	ids, err := s.store.SMembers(ctx, store.KeyDomains)
	if err != nil {
		return fmt.Errorf("listing domains: %w", err)
	}
	for _, id := range ids {
		d, err := s.loadDomain(ctx, id)
		if err != nil {
			continue
		}
		for _, symID := range d.Symbols {
			_ = s.store.Del(ctx, store.SymbolKey(symID))
			_ = s.indexer.RemoveSymbol(ctx, symID)
		}
		_ = s.store.Del(ctx, store.DomainKey(id))
	}
	return s.store.Del(ctx, store.KeyDomains)
}

// AllSymbols returns every stored symbol, optionally skipping symbols of
// disabled domains. System paths only (reindex); no visibility filtering.
func (s *Service) AllSymbols(ctx context.Context, includeDisabled bool) ([]models.Symbol, error) {
	ids, err := s.store.SMembers(ctx, store.KeyDomains)
	if err != nil {
		return nil, fmt.Errorf("listing domains: %w", err)
	}
	var out []models.Symbol
	for _, id := range ids {
		d, err := s.loadDomain(ctx, id)
		if err != nil {
			continue
		}
		if !d.Enabled && !includeDisabled {
			continue
		}
		for _, symID := range d.Symbols {
			sym, err := s.loadSymbol(ctx, symID)
			if err != nil {
				continue
			}
			out = append(out, *sym)
		}
	}
	return out, nil
}

// visibleDomain loads a domain and collapses both "absent" and "forbidden"
// into ErrNotFound so existence does not leak.
func (s *Service) visibleDomain(ctx context.Context, ac auth.Context, id string) (*models.Domain, error) {
	d, err := s.loadDomain(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canRead(ac, d) {
		return nil, services.ErrNotFound
	}
	return d, nil
}

func (s *Service) canRead(ac auth.Context, d *models.Domain) bool {
	if d.Global() || ac.Admin() {
		return true
	}
	return d.OwnedBy(ac.UserID)
}

// checkWrite enforces the write policy: global domains are admin-writable,
// user domains are writable by their owner or an admin, and readOnly blocks
// everyone except admins on non-system-protected domains.
func (s *Service) checkWrite(ac auth.Context, d *models.Domain, symbolID string) error {
	if d.Global() {
		if !ac.Admin() {
			return services.ErrForbidden
		}
	} else if !ac.Admin() && !d.OwnedBy(ac.UserID) {
		return services.ErrNotFound
	}
	if d.ReadOnly && (!ac.Admin() || d.SystemProtected) {
		return &services.ReadOnlyDomainError{DomainID: d.ID, SymbolID: symbolID}
	}
	return nil
}

func (s *Service) loadDomain(ctx context.Context, id string) (*models.Domain, error) {
	raw, err := s.store.Get(ctx, store.DomainKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading domain %s: %w", id, err)
	}
	var d models.Domain
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decoding domain %s: %w", id, err)
	}
	return &d, nil
}

func (s *Service) saveDomain(ctx context.Context, d *models.Domain) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding domain: %w", err)
	}
	return s.store.Set(ctx, store.DomainKey(d.ID), string(raw), 0)
}

func (s *Service) loadSymbol(ctx context.Context, id string) (*models.Symbol, error) {
	raw, err := s.store.Get(ctx, store.SymbolKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading symbol %s: %w", id, err)
	}
	var sym models.Symbol
	if err := json.Unmarshal([]byte(raw), &sym); err != nil {
		return nil, fmt.Errorf("decoding symbol %s: %w", id, err)
	}
	return &sym, nil
}

func (s *Service) saveSymbol(ctx context.Context, sym *models.Symbol) error {
	raw, err := json.Marshal(sym)
	if err != nil {
		return fmt.Errorf("encoding symbol: %w", err)
	}
	return s.store.Set(ctx, store.SymbolKey(sym.ID), string(raw), 0)
}

func (s *Service) symbolExists(ctx context.Context, id string) bool {
	_, err := s.store.Get(ctx, store.SymbolKey(id))
	return err == nil
}
