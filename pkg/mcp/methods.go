package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/tools"
)

func (s *Server) initialize() any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":   map[string]any{},
			"prompts": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
	}
}

func (s *Server) promptsList() any {
	return map[string]any{
		"prompts": []map[string]any{
			{"name": "system", "description": "Symbolic activation system prompt"},
			{"name": "mcp", "description": "Context-building prompt for integrations"},
		},
	}
}

func (s *Server) promptsGet(params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	var text string
	switch p.Name {
	case "system":
		text = s.prompts.System()
	case "mcp":
		text = s.prompts.MCP()
	default:
		return nil, &rpcError{Code: codeInvalidParams, Message: "unknown prompt: " + p.Name}
	}
	return map[string]any{
		"name": p.Name,
		"messages": []map[string]any{
			{"role": "user", "content": map[string]any{"type": "text", "text": text}},
		},
	}, nil
}

func (s *Server) toolsList(ac auth.Context) any {
	executor := tools.NewExecutor(s.toolDeps, ac, "")
	specs := executor.MCPSpecs()
	declarations := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		declarations = append(declarations, map[string]any{
			"name":        spec.Name,
			"description": spec.Description,
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": spec.Properties,
				"required":   spec.Required,
			},
		})
	}
	return map[string]any{"tools": declarations}
}

func (s *Server) toolsCall(ctx context.Context, ac auth.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	executor := tools.NewExecutor(s.toolDeps, ac, "")
	if !executor.MCPAllowed(p.Name) {
		if _, adminOnly := tools.AdminOnly[p.Name]; adminOnly && !ac.Admin() {
			return nil, &rpcError{Code: codeInternalError,
				Message: "tool " + p.Name + " requires admin privileges"}
		}
		return nil, &rpcError{Code: codeInternalError,
			Message: "tool not available over MCP: " + p.Name}
	}
	result := executor.Execute(ctx, p.Name, p.Arguments)
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": result.Content}},
		"isError": result.IsError,
	}, nil
}

func (s *Server) domainsList(ctx context.Context, ac auth.Context) (any, *rpcError) {
	metadata, err := s.registry.GetMetadata(ctx, ac)
	if err != nil {
		return nil, serviceError(err)
	}
	return map[string]any{"domains": metadata}, nil
}

func (s *Server) domainsGet(ctx context.Context, ac auth.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	domain, err := s.registry.Get(ctx, ac, p.ID)
	if err != nil {
		return nil, serviceError(err)
	}
	symbols, err := s.registry.GetSymbols(ctx, ac, p.ID)
	if err != nil {
		return nil, serviceError(err)
	}
	return map[string]any{"domain": domain, "symbols": symbols}, nil
}

func (s *Server) symbolsSearch(ctx context.Context, ac auth.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Query   string   `json:"query"`
		Limit   int      `json:"limit"`
		Domains []string `json:"domains"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	results, err := s.registry.Search(ctx, ac, p.Query, registry.SearchOptions{
		Limit:   p.Limit,
		Domains: p.Domains,
	})
	if err != nil {
		return nil, serviceError(err)
	}
	return map[string]any{"results": results}, nil
}

// symbolsActivate loads one symbol together with its one-hop neighborhood:
// the entry node plus every symbol it references.
func (s *Server) symbolsActivate(ctx context.Context, ac auth.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	symbol, err := s.registry.FindByID(ctx, ac, p.ID)
	if err != nil {
		return nil, serviceError(err)
	}
	var linked []models.Symbol
	seen := map[string]struct{}{symbol.ID: {}}
	for _, ref := range symbol.References() {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		neighbor, err := s.registry.FindByID(ctx, ac, ref)
		if errors.Is(err, services.ErrNotFound) {
			continue // dangling references are tolerated
		}
		if err != nil {
			return nil, serviceError(err)
		}
		linked = append(linked, *neighbor)
	}
	return map[string]any{"symbol": symbol, "linked": linked}, nil
}

// contextBuild assembles a prompt-ready context package: the MCP prompt plus
// the symbols most relevant to the query (or the domain contents when no
// query is given).
func (s *Server) contextBuild(ctx context.Context, ac auth.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Query   string   `json:"query"`
		Domains []string `json:"domains"`
		Limit   int      `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	results, err := s.registry.Search(ctx, ac, p.Query, registry.SearchOptions{
		Limit:   p.Limit,
		Domains: p.Domains,
	})
	if err != nil {
		return nil, serviceError(err)
	}
	symbols := make([]models.Symbol, 0, len(results))
	for _, r := range results {
		symbols = append(symbols, r.Symbol)
	}
	return map[string]any{
		"prompt":  s.prompts.MCP(),
		"symbols": symbols,
	}, nil
}

func decodeParams(params json.RawMessage, v any) *rpcError {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &rpcError{Code: codeInvalidParams, Message: "malformed params: " + err.Error()}
	}
	return nil
}

func serviceError(err error) *rpcError {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return &rpcError{Code: codeInvalidParams, Message: "not found"}
	case services.IsValidationError(err):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternalError, Message: err.Error()}
	}
}
