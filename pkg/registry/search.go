package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
)

// SearchResult pairs a symbol with its relevance score. Filtered scans
// without a query string score every match 1.0; ordering then falls back to
// ID, keeping pagination deterministic.
type SearchResult struct {
	Symbol models.Symbol `json:"symbol"`
	Score  float64       `json:"score"`
}

// Search answers a semantic or filtered lookup. A non-empty query goes to the
// vector indexer; otherwise time and metadata filters drive a registry scan.
// Time filters compare against the UTC-day bucket of created_at.
func (s *Service) Search(ctx context.Context, ac auth.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	visible, err := s.visibleDomainIDs(ctx, ac, opts.Domains)
	if err != nil {
		return nil, err
	}
	opts.Domains = visible

	if query != "" {
		return s.semanticSearch(ctx, query, opts)
	}
	return s.filteredScan(ctx, opts)
}

func (s *Service) semanticSearch(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	hits, err := s.indexer.Search(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		sym, err := s.loadSymbol(ctx, h.SymbolID)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matchesFilters(sym, opts) {
			continue
		}
		results = append(results, SearchResult{Symbol: *sym, Score: h.Score})
	}
	sortResults(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (s *Service) filteredScan(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	var results []SearchResult
	for _, domainID := range opts.Domains {
		d, err := s.loadDomain(ctx, domainID)
		if err != nil {
			continue
		}
		for _, symID := range d.Symbols {
			sym, err := s.loadSymbol(ctx, symID)
			if err != nil {
				continue
			}
			if !matchesFilters(sym, opts) {
				continue
			}
			results = append(results, SearchResult{Symbol: *sym, Score: 1.0})
		}
	}
	sortResults(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// visibleDomainIDs intersects the requested domains with the caller's
// visibility; an empty request means every visible domain.
func (s *Service) visibleDomainIDs(ctx context.Context, ac auth.Context, requested []string) ([]string, error) {
	domains, err := s.ListDomains(ctx, ac)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range domains {
		if len(requested) > 0 && !slices.Contains(requested, d.ID) {
			continue
		}
		out = append(out, d.ID)
	}
	return out, nil
}

func matchesFilters(sym *models.Symbol, opts SearchOptions) bool {
	if opts.TimeGTE != nil || opts.TimeBetween != nil {
		created, err := models.DecodeTimestamp(sym.CreatedAt)
		if err != nil {
			return false
		}
		day := models.DayBucket(created)
		if opts.TimeGTE != nil && day.Before(models.DayBucket(*opts.TimeGTE)) {
			return false
		}
		if opts.TimeBetween != nil {
			lo := models.DayBucket(opts.TimeBetween[0])
			hi := models.DayBucket(opts.TimeBetween[1])
			if day.Before(lo) || day.After(hi) {
				return false
			}
		}
	}
	if len(opts.MetadataFilter) == 0 {
		return true
	}
	fields := symbolFields(sym)
	for key, want := range opts.MetadataFilter {
		if fields[key] != want {
			return false
		}
	}
	return true
}

// symbolFields flattens the symbol's scalar attributes for metadata matching.
func symbolFields(sym *models.Symbol) map[string]string {
	raw, err := json.Marshal(sym)
	if err != nil {
		return nil
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil
	}
	fields := make(map[string]string)
	for k, v := range generic {
		if str, ok := v.(string); ok {
			fields[k] = str
		}
	}
	return fields
}

// sortResults orders by score descending then ID ascending.
func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Symbol.ID < results[j].Symbol.ID
	})
}
