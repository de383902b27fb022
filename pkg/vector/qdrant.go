// Package vector keeps a Qdrant collection synchronized with the symbol
// registry and serves semantic search with payload pre-filters.
package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/signalzero/kernel/pkg/llm"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/registry"
)

const defaultCollection = "signalzero_symbols"

// Config for the Qdrant indexer.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// Qdrant is the vector indexer. Point IDs are deterministic UUIDs derived
// from symbol IDs; the original ID travels in the payload.
type Qdrant struct {
	client     *qdrant.Client
	embed      llm.Embedder
	collection string
}

// New connects to Qdrant and returns the indexer.
func New(cfg Config, embed llm.Embedder) (*Qdrant, error) {
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	return &Qdrant{client: client, embed: embed, collection: cfg.Collection}, nil
}

// IndexSymbol embeds the symbol and upserts its point. Returns false when the
// symbol has no embeddable text; such symbols cannot be served by search and
// the registry evicts them.
func (q *Qdrant) IndexSymbol(ctx context.Context, sym *models.Symbol) (bool, error) {
	text := EmbeddingText(sym)
	if text == "" {
		return false, nil
	}
	vec, err := q.embed.Embed(ctx, text)
	if err != nil {
		return false, fmt.Errorf("embedding symbol %s: %w", sym.ID, err)
	}
	if err := q.ensureCollection(ctx, uint64(len(vec))); err != nil {
		return false, err
	}

	payload := map[string]*qdrant.Value{
		"symbol_id":     qdrant.NewValueString(sym.ID),
		"symbol_domain": qdrant.NewValueString(sym.SymbolDomain),
		"kind":          qdrant.NewValueString(string(sym.Kind)),
	}
	if sym.SymbolTag != "" {
		payload["symbol_tag"] = qdrant.NewValueString(sym.SymbolTag)
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID(sym.ID)),
			Vectors: qdrant.NewVectors(vec...),
			Payload: payload,
		}},
	})
	if err != nil {
		return false, fmt.Errorf("upserting point for %s: %w", sym.ID, err)
	}
	return true, nil
}

// RemoveSymbol deletes the symbol's point. Missing points are not an error.
func (q *Qdrant) RemoveSymbol(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(pointID(id))),
	})
	if err != nil && !isMissingCollection(err) {
		return fmt.Errorf("deleting point for %s: %w", id, err)
	}
	return nil
}

// Search embeds the query and runs a filtered nearest-neighbor lookup. The
// domain filter is applied server-side as a payload pre-filter.
func (q *Qdrant) Search(ctx context.Context, query string, opts registry.SearchOptions) ([]registry.Hit, error) {
	vec, err := q.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	request := &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(opts.Domains) > 0 {
		request.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeywords("symbol_domain", opts.Domains...),
			},
		}
	}

	result, err := q.client.GetPointsClient().Search(ctx, request)
	if err != nil {
		if isMissingCollection(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("searching points: %w", err)
	}

	hits := make([]registry.Hit, 0, len(result.Result))
	for _, point := range result.Result {
		symID := payloadString(point.Payload, "symbol_id")
		if symID == "" {
			continue
		}
		hits = append(hits, registry.Hit{SymbolID: symID, Score: float64(point.Score)})
	}
	return hits, nil
}

// ResetCollection drops the collection. The next index call recreates it.
func (q *Qdrant) ResetCollection(ctx context.Context) error {
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil && !isMissingCollection(err) {
		return fmt.Errorf("deleting collection: %w", err)
	}
	return nil
}

// CountCollection returns the number of indexed points.
func (q *Qdrant) CountCollection(ctx context.Context) (uint64, error) {
	count, err := q.client.Count(ctx, &qdrant.CountPoints{CollectionName: q.collection})
	if err != nil {
		if isMissingCollection(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return count, nil
}

// HealthCheck pings the Qdrant server.
func (q *Qdrant) HealthCheck(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

func (q *Qdrant) ensureCollection(ctx context.Context, vectorSize uint64) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("creating collection: %w", err)
	}
	return nil
}

// EmbeddingText flattens a symbol into the text that gets embedded.
func EmbeddingText(sym *models.Symbol) string {
	parts := []string{sym.Name, sym.Triad, sym.Macro, sym.Role,
		sym.Facets.Function, sym.FailureMode}
	parts = append(parts, sym.ActivationConditions...)
	parts = append(parts, sym.Facets.Invariants...)
	if sym.Data != nil {
		parts = append(parts, sym.Data.Payload)
	}
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// pointID derives a stable UUID for a symbol ID; Qdrant point IDs must be
// numeric or UUID.
func pointID(symbolID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(symbolID)).String()
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func isMissingCollection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "not found")
}

var _ registry.Indexer = (*Qdrant)(nil)
