package vector

import (
	"context"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/services"
)

// Disabled is the indexer used when no vector backend is configured. Writes
// are skipped but reported as indexed so registry writes succeed; a false
// return is reserved for a real index rejecting the symbol. Semantic search
// reports the index as unavailable; filtered scans keep working because they
// never touch the indexer.
type Disabled struct{}

func (Disabled) IndexSymbol(context.Context, *models.Symbol) (bool, error) { return true, nil }

func (Disabled) RemoveSymbol(context.Context, string) error { return nil }

func (Disabled) ResetCollection(context.Context) error { return nil }

func (Disabled) Search(context.Context, string, registry.SearchOptions) ([]registry.Hit, error) {
	return nil, services.ErrUnavailable
}
