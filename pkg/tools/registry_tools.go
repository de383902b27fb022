package tools

import (
	"context"
	"encoding/json"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/registry"
)

// registryTable is the closed set of dispatchable tools.
var registryTable = map[string]*tool{}

func register(t *tool) {
	registryTable[t.name] = t
}

func init() {
	register(&tool{
		name:        "list_domains",
		description: "List the symbol domains visible to you with their metadata.",
		properties:  map[string]any{},
		handler: func(ctx context.Context, e *Executor, _ json.RawMessage) (any, error) {
			return e.deps.Registry.GetMetadata(ctx, e.ac)
		},
	})

	register(&tool{
		name:        "get_domain",
		description: "Load one domain including its member symbol IDs.",
		properties: map[string]any{
			"id": map[string]any{"type": "string", "description": "Domain ID"},
		},
		required: []string{"id"},
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return e.deps.Registry.Get(ctx, e.ac, in.ID)
		},
	})

	register(&tool{
		name:        "get_symbol",
		description: "Load one symbol by ID.",
		properties: map[string]any{
			"id": map[string]any{"type": "string", "description": "Symbol ID"},
		},
		required: []string{"id"},
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return e.deps.Registry.FindByID(ctx, e.ac, in.ID)
		},
	})

	register(&tool{
		name:        "query_symbols",
		description: "Scan one domain for symbols, optionally filtered by tag, paginated by lastId.",
		properties: map[string]any{
			"domain": map[string]any{"type": "string", "description": "Domain ID"},
			"tag":    map[string]any{"type": "string", "description": "Optional symbol_tag filter"},
			"limit":  map[string]any{"type": "integer", "description": "Page size, default 50"},
			"lastId": map[string]any{"type": "string", "description": "Cursor: last symbol ID of the previous page"},
		},
		required: []string{"domain"},
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				Domain string `json:"domain"`
				Tag    string `json:"tag"`
				Limit  int    `json:"limit"`
				LastID string `json:"lastId"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return e.deps.Registry.Query(ctx, e.ac, in.Domain, in.Tag, in.Limit, in.LastID)
		},
	})

	register(&tool{
		name:        "search_symbols",
		description: "Semantic search over the symbol registry. Returns scored symbols.",
		properties: map[string]any{
			"query":   map[string]any{"type": "string", "description": "Natural-language query"},
			"limit":   map[string]any{"type": "integer", "description": "Maximum results, default 20"},
			"domains": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Restrict to these domain IDs"},
		},
		required: []string{"query"},
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				Query   string   `json:"query"`
				Limit   int      `json:"limit"`
				Domains []string `json:"domains"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return e.deps.Registry.Search(ctx, e.ac, in.Query, registry.SearchOptions{
				Limit:   in.Limit,
				Domains: in.Domains,
			})
		},
	})

	register(&tool{
		name:        "create_domain",
		description: "Create a new symbol domain.",
		properties: map[string]any{
			"id":          map[string]any{"type": "string", "description": "Domain ID"},
			"name":        map[string]any{"type": "string", "description": "Display name"},
			"description": map[string]any{"type": "string", "description": "What the domain holds"},
		},
		required: []string{"id"},
		mutating: true,
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return e.deps.Registry.CreateDomain(ctx, e.ac, models.Domain{
				ID:          in.ID,
				Name:        in.Name,
				Description: in.Description,
				Enabled:     true,
			})
		},
	})

	register(&tool{
		name:        "upsert_symbols",
		description: "Create or replace symbols in a domain.",
		properties: map[string]any{
			"domain":           map[string]any{"type": "string", "description": "Domain ID"},
			"symbols":          map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "description": "Symbol records"},
			"bypassValidation": map[string]any{"type": "boolean", "description": "Skip reference existence checks"},
		},
		required: []string{"domain", "symbols"},
		mutating: true,
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				Domain           string          `json:"domain"`
				Symbols          []models.Symbol `json:"symbols"`
				BypassValidation bool            `json:"bypassValidation"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return e.deps.Registry.BulkUpsert(ctx, e.ac, in.Domain, in.Symbols,
				registry.UpsertOptions{BypassValidation: in.BypassValidation})
		},
	})

	register(&tool{
		name:        "delete_symbols",
		description: "Delete symbols from a domain, optionally cascading reference removal.",
		properties: map[string]any{
			"domain":  map[string]any{"type": "string", "description": "Domain ID"},
			"ids":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Symbol IDs"},
			"cascade": map[string]any{"type": "boolean", "description": "Drop references from other symbols"},
		},
		required: []string{"domain", "ids"},
		mutating: true,
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				Domain  string   `json:"domain"`
				IDs     []string `json:"ids"`
				Cascade bool     `json:"cascade"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if err := e.deps.Registry.DeleteSymbols(ctx, e.ac, in.Domain, in.IDs, in.Cascade); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": in.IDs}, nil
		},
	})

	register(&tool{
		name:        "rename_symbol",
		description: "Rename a symbol and rewrite every reference to it.",
		properties: map[string]any{
			"domain": map[string]any{"type": "string", "description": "Domain ID"},
			"oldId":  map[string]any{"type": "string", "description": "Current symbol ID"},
			"newId":  map[string]any{"type": "string", "description": "New symbol ID"},
		},
		required: []string{"domain", "oldId", "newId"},
		mutating: true,
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				Domain string `json:"domain"`
				OldID  string `json:"oldId"`
				NewID  string `json:"newId"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if err := e.deps.Registry.PropagateRename(ctx, e.ac, in.Domain, in.OldID, in.NewID); err != nil {
				return nil, err
			}
			return map[string]string{"renamed": in.OldID, "to": in.NewID}, nil
		},
	})

	register(&tool{
		name:        "compress_symbols",
		description: "Merge several symbols into one, rewriting references to the merged symbol.",
		properties: map[string]any{
			"domain": map[string]any{"type": "string", "description": "Domain ID"},
			"symbol": map[string]any{"type": "object", "description": "The merged symbol record"},
			"oldIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Symbol IDs to merge away"},
		},
		required: []string{"domain", "symbol", "oldIds"},
		mutating: true,
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var in struct {
				Domain string        `json:"domain"`
				Symbol models.Symbol `json:"symbol"`
				OldIDs []string      `json:"oldIds"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return e.deps.Registry.CompressSymbols(ctx, e.ac, in.Domain, in.Symbol, in.OldIDs)
		},
	})

	register(&tool{
		name:        "log_trace",
		description: "Record a symbolic reasoning trace: the entry node, the activation path and the output node.",
		properties: map[string]any{
			"entry_node":   map[string]any{"type": "string", "description": "Symbol that started the chain"},
			"activated_by": map[string]any{"type": "string", "description": "What triggered the activation"},
			"activation_path": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"symbol_id": map[string]any{"type": "string"},
						"reason":    map[string]any{"type": "string"},
						"link_type": map[string]any{"type": "string"},
					},
				},
				"description": "Ordered activation steps",
			},
			"source_context": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbol_domain":  map[string]any{"type": "string"},
					"trigger_vector": map[string]any{"type": "string"},
				},
			},
			"output_node": map[string]any{"type": "string", "description": "Symbol or response the chain resolved to"},
			"status":      map[string]any{"type": "string", "description": "Outcome of the chain"},
		},
		required: []string{"entry_node"},
		mutating: true,
		handler: func(ctx context.Context, e *Executor, args json.RawMessage) (any, error) {
			var tr models.Trace
			if err := decodeArgs(args, &tr); err != nil {
				return nil, err
			}
			return e.deps.Traces.Record(ctx, tr, e.sessionID)
		},
	})
}
