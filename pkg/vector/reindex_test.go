package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
)

type fakeIndex struct {
	resets  int
	indexed []string
	started chan struct{}
	release chan struct{}
}

func (f *fakeIndex) IndexSymbol(_ context.Context, sym *models.Symbol) (bool, error) {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	f.indexed = append(f.indexed, sym.ID)
	return true, nil
}

func (f *fakeIndex) ResetCollection(context.Context) error {
	f.resets++
	return nil
}

type fakeSource struct {
	symbols []models.Symbol
}

func (f *fakeSource) AllSymbols(context.Context, bool) ([]models.Symbol, error) {
	return f.symbols, nil
}

func TestReindexRun(t *testing.T) {
	ctx := context.Background()
	idx := &fakeIndex{}
	src := &fakeSource{symbols: []models.Symbol{
		{ID: "a", Kind: models.KindPattern},
		{ID: "b", Kind: models.KindPattern},
	}}
	r := NewReindexer(store.NewMemoryStore(), idx, src)

	progress, err := r.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.resets)
	assert.Equal(t, []string{"a", "b"}, idx.indexed)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 0, progress.Pending)
	assert.False(t, progress.Running)

	// Guard must be released after completion.
	current, err := r.CurrentProgress(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestReindexSingleFlight(t *testing.T) {
	ctx := context.Background()
	idx := &fakeIndex{started: make(chan struct{}), release: make(chan struct{})}
	src := &fakeSource{symbols: []models.Symbol{{ID: "a", Kind: models.KindPattern}}}
	r := NewReindexer(store.NewMemoryStore(), idx, src)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, false)
		done <- err
	}()
	<-idx.started

	_, err := r.Run(ctx, false)
	assert.ErrorIs(t, err, services.ErrAlreadyRunning)

	progress, err := r.CurrentProgress(ctx)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.True(t, progress.Running)

	close(idx.release)
	require.NoError(t, <-done)
}

func TestEmbeddingText(t *testing.T) {
	sym := &models.Symbol{
		ID:                   "p1",
		Name:                 "mirror",
		Role:                 "anchor",
		ActivationConditions: []string{"self reference"},
	}
	text := EmbeddingText(sym)
	assert.Contains(t, text, "mirror")
	assert.Contains(t, text, "anchor")
	assert.Contains(t, text, "self reference")

	assert.Empty(t, EmbeddingText(&models.Symbol{ID: "empty"}))
}
