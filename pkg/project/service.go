// Package project bundles the whole knowledge base into a portable
// .szproject archive: domains, symbols, prompts, test sets and agents.
package project

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/signalzero/kernel/pkg/agents"
	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/prompts"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/testrunner"
)

// FormatVersion is written into the archive's meta record.
const FormatVersion = 1

// Archive entry names.
const (
	metaEntry     = "meta.json"
	domainsEntry  = "domains.json"
	symbolsEntry  = "symbols.json"
	systemEntry   = "system_prompt.txt"
	mcpEntry      = "mcp_prompt.txt"
	testSetsEntry = "test_sets.json"
	agentsEntry   = "agents.json"
)

// Meta describes an exported archive.
type Meta struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Domains    int       `json:"domains"`
	Symbols    int       `json:"symbols"`
	TestSets   int       `json:"testSets"`
	Agents     int       `json:"agents"`
}

// Service exports and imports projects.
type Service struct {
	registry *registry.Service
	prompts  *prompts.Cache
	tests    *testrunner.Runner
	agents   *agents.Service
	now      func() time.Time
}

// NewService wires the project service.
func NewService(reg *registry.Service, promptCache *prompts.Cache, tests *testrunner.Runner, agentSvc *agents.Service) *Service {
	return &Service{
		registry: reg,
		prompts:  promptCache,
		tests:    tests,
		agents:   agentSvc,
		now:      time.Now,
	}
}

// Export produces the .szproject zip. Admin only: the archive spans every
// user's domains and agents.
func (s *Service) Export(ctx context.Context, ac auth.Context) ([]byte, error) {
	if !ac.Admin() {
		return nil, services.ErrForbidden
	}

	domains, err := s.registry.ListDomains(ctx, ac)
	if err != nil {
		return nil, err
	}
	var symbols []models.Symbol
	for _, d := range domains {
		syms, err := s.registry.GetSymbols(ctx, ac, d.ID)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, syms...)
	}
	testSets, err := s.tests.ListSets(ctx)
	if err != nil {
		return nil, err
	}
	agentList, err := s.agents.List(ctx, ac)
	if err != nil {
		return nil, err
	}

	meta := Meta{
		Version:    FormatVersion,
		ExportedAt: s.now(),
		Domains:    len(domains),
		Symbols:    len(symbols),
		TestSets:   len(testSets),
		Agents:     len(agentList),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name string
		data any
	}{
		{metaEntry, meta},
		{domainsEntry, domains},
		{symbolsEntry, symbols},
		{testSetsEntry, testSets},
		{agentsEntry, agentList},
	}
	for _, e := range entries {
		if err := writeJSONEntry(zw, e.name, e.data); err != nil {
			return nil, err
		}
	}
	if err := writeTextEntry(zw, systemEntry, s.prompts.System()); err != nil {
		return nil, err
	}
	if err := writeTextEntry(zw, mcpEntry, s.prompts.MCP()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Import replaces the whole knowledge base with the archive's contents.
// Timestamps are rewritten on write; insertion order follows the archive so
// relative ordering survives the round trip.
func (s *Service) Import(ctx context.Context, ac auth.Context, data string) (*Meta, error) {
	if !ac.Admin() {
		return nil, services.ErrForbidden
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, services.NewValidationError("data", "not valid base64")
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, services.NewValidationError("data", "not a valid project archive")
	}

	var meta Meta
	if err := readJSONEntry(zr, metaEntry, &meta); err != nil {
		return nil, services.NewValidationError("data", "archive has no meta record")
	}
	if meta.Version > FormatVersion {
		return nil, services.NewValidationError("data",
			fmt.Sprintf("archive format version %d is newer than supported %d", meta.Version, FormatVersion))
	}

	var domains []models.Domain
	if err := readJSONEntry(zr, domainsEntry, &domains); err != nil {
		return nil, services.NewValidationError("data", "archive has no domain list")
	}
	var symbols []models.Symbol
	if err := readJSONEntry(zr, symbolsEntry, &symbols); err != nil {
		return nil, services.NewValidationError("data", "archive has no symbol list")
	}
	var testSets []models.TestSet
	if err := readJSONEntry(zr, testSetsEntry, &testSets); err != nil {
		testSets = nil
	}
	var agentList []models.Agent
	if err := readJSONEntry(zr, agentsEntry, &agentList); err != nil {
		agentList = nil
	}

	if err := s.registry.ClearAll(ctx, ac); err != nil {
		return nil, err
	}

	byDomain := make(map[string][]models.Symbol)
	for _, sym := range symbols {
		byDomain[sym.SymbolDomain] = append(byDomain[sym.SymbolDomain], sym)
	}
	for _, d := range domains {
		// Defer the read-only flag so symbol writes are not blocked.
		readOnly := d.ReadOnly
		d.ReadOnly = false
		if _, err := s.registry.CreateDomain(ctx, ac, d); err != nil {
			return nil, fmt.Errorf("importing domain %s: %w", d.ID, err)
		}
		for _, sym := range byDomain[d.ID] {
			if _, err := s.registry.UpsertSymbol(ctx, ac, d.ID, sym,
				registry.UpsertOptions{BypassValidation: true}); err != nil {
				return nil, fmt.Errorf("importing symbol %s: %w", sym.ID, err)
			}
		}
		if readOnly {
			flag := true
			if _, err := s.registry.UpdateDomainMetadata(ctx, ac, d.ID,
				registry.DomainPatch{ReadOnly: &flag}); err != nil {
				return nil, fmt.Errorf("restoring read-only flag on %s: %w", d.ID, err)
			}
		}
	}

	if text, ok := readTextEntry(zr, systemEntry); ok {
		if err := s.prompts.SetSystem(ctx, text); err != nil {
			return nil, err
		}
	}
	if text, ok := readTextEntry(zr, mcpEntry); ok {
		if err := s.prompts.SetMCP(ctx, text); err != nil {
			return nil, err
		}
	}
	if err := s.tests.ReplaceAllSets(ctx, testSets); err != nil {
		return nil, err
	}
	if err := s.agents.ReplaceAll(ctx, ac, agentList); err != nil {
		return nil, err
	}
	return &meta, nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return nil
}

func writeTextEntry(zw *zip.Writer, name, text string) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func readJSONEntry(zr *zip.Reader, name string, v any) error {
	f, err := zr.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func readTextEntry(zr *zip.Reader, name string) (string, bool) {
	f, err := zr.Open(name)
	if err != nil {
		return "", false
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
