package vector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
)

// SymbolSource enumerates the symbols to rebuild from. The registry
// implements it.
type SymbolSource interface {
	AllSymbols(ctx context.Context, includeDisabled bool) ([]models.Symbol, error)
}

// Index is the subset of the indexer a rebuild needs.
type Index interface {
	IndexSymbol(ctx context.Context, sym *models.Symbol) (bool, error)
	ResetCollection(ctx context.Context) error
}

// Progress is the rebuild queue state.
type Progress struct {
	Running bool `json:"running"`
	Pending int  `json:"pending"`
	Total   int  `json:"total"`
}

// Reindexer rebuilds the collection from scratch. A keyed guard allows one
// rebuild at a time across processes; a second start returns
// ErrAlreadyRunning.
type Reindexer struct {
	store  store.Store
	index  Index
	source SymbolSource
}

// NewReindexer wires a rebuild pipeline.
func NewReindexer(st store.Store, index Index, source SymbolSource) *Reindexer {
	return &Reindexer{store: st, index: index, source: source}
}

// Run resets the collection and reindexes every symbol, keeping the progress
// record updated as it goes. Idempotent: a rebuild over the same registry
// state converges to the same collection.
func (r *Reindexer) Run(ctx context.Context, includeDisabled bool) (*Progress, error) {
	acquired, err := r.store.SetNX(ctx, store.KeyReindexing, marshalProgress(Progress{Running: true}), 0)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, services.ErrAlreadyRunning
	}
	defer func() {
		if err := r.store.Del(context.WithoutCancel(ctx), store.KeyReindexing); err != nil {
			slog.Warn("Failed to release reindex guard", "error", err)
		}
	}()

	if err := r.index.ResetCollection(ctx); err != nil {
		return nil, err
	}
	symbols, err := r.source.AllSymbols(ctx, includeDisabled)
	if err != nil {
		return nil, err
	}

	progress := Progress{Running: true, Pending: len(symbols), Total: len(symbols)}
	r.publish(ctx, progress)

	var indexed int
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return &progress, err
		}
		ok, err := r.index.IndexSymbol(ctx, &sym)
		if err != nil {
			slog.Warn("Reindex skipped symbol", "symbol_id", sym.ID, "error", err)
		} else if ok {
			indexed++
		}
		progress.Pending--
		r.publish(ctx, progress)
	}

	progress.Running = false
	slog.Info("Reindex complete", "total", progress.Total, "indexed", indexed)
	return &progress, nil
}

// CurrentProgress reads the live rebuild state; nil when no rebuild runs.
func (r *Reindexer) CurrentProgress(ctx context.Context) (*Progress, error) {
	raw, err := r.store.Get(ctx, store.KeyReindexing)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Reindexer) publish(ctx context.Context, p Progress) {
	if err := r.store.Set(ctx, store.KeyReindexing, marshalProgress(p), 0); err != nil {
		slog.Warn("Failed to publish reindex progress", "error", err)
	}
}

func marshalProgress(p Progress) string {
	raw, _ := json.Marshal(p)
	return string(raw)
}
