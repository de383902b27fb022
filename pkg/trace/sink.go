// Package trace persists symbolic reasoning chains. Traces are written by the
// log_trace tool during inference and read back by the dashboard and the test
// runner.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
)

// Sink records and queries traces.
type Sink struct {
	store store.Store
	now   func() time.Time
}

// NewSink creates a trace sink.
func NewSink(st store.Store) *Sink {
	return &Sink{store: st, now: time.Now}
}

// Record persists a trace, assigning an ID and timestamps when absent.
// sessionID tags the trace with the session that produced it.
func (s *Sink) Record(ctx context.Context, tr models.Trace, sessionID string) (*models.Trace, error) {
	if tr.EntryNode == "" {
		return nil, services.NewValidationError("entry_node", "required")
	}
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if sessionID != "" {
		tr.SessionID = sessionID
	}
	now := s.now()
	if tr.CreatedAt == "" {
		tr.CreatedAt = models.EncodeTimestamp(now)
	}
	tr.UpdatedAt = models.EncodeTimestamp(now)

	raw, err := json.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("encoding trace: %w", err)
	}
	if err := s.store.Set(ctx, store.TraceKey(tr.ID), string(raw), 0); err != nil {
		return nil, fmt.Errorf("storing trace: %w", err)
	}
	if err := s.store.ZAdd(ctx, store.KeyTraces, float64(now.UnixMilli()), tr.ID); err != nil {
		return nil, fmt.Errorf("indexing trace: %w", err)
	}
	return &tr, nil
}

// Get loads one trace.
func (s *Sink) Get(ctx context.Context, id string) (*models.Trace, error) {
	raw, err := s.store.Get(ctx, store.TraceKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading trace %s: %w", id, err)
	}
	var tr models.Trace
	if err := json.Unmarshal([]byte(raw), &tr); err != nil {
		return nil, fmt.Errorf("decoding trace %s: %w", id, err)
	}
	return &tr, nil
}

// List returns traces newest first, optionally bounded below by since.
func (s *Sink) List(ctx context.Context, since *time.Time, limit int) ([]models.Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	var err error
	if since != nil {
		ids, err = s.store.ZRangeByScore(ctx, store.KeyTraces,
			float64(since.UnixMilli()), float64(s.now().UnixMilli()))
		// ZRangeByScore is ascending; newest-first like the default path.
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
		if len(ids) > limit {
			ids = ids[:limit]
		}
	} else {
		ids, err = s.store.ZRevRange(ctx, store.KeyTraces, 0, int64(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	traces := make([]models.Trace, 0, len(ids))
	for _, id := range ids {
		tr, err := s.Get(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		traces = append(traces, *tr)
	}
	return traces, nil
}

// ListBySession returns the traces tagged with sessionID that were recorded
// at or after since, oldest first.
func (s *Sink) ListBySession(ctx context.Context, sessionID string, since time.Time) ([]models.Trace, error) {
	ids, err := s.store.ZRangeByScore(ctx, store.KeyTraces,
		float64(since.UnixMilli()), float64(s.now().Add(time.Minute).UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	var traces []models.Trace
	for _, id := range ids {
		tr, err := s.Get(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tr.SessionID == sessionID {
			traces = append(traces, *tr)
		}
	}
	return traces, nil
}
