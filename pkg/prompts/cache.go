// Package prompts holds the process-wide prompt singletons. The store is the
// source of truth; the in-memory copy is refreshed at startup and on every
// write through this cache. Readers may lag one write behind, which is
// acceptable for advisory prompt text.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalzero/kernel/pkg/store"
)

// DefaultSystemPrompt is used until an operator installs one.
const DefaultSystemPrompt = `You are a symbolic reasoning assistant backed by a symbol registry.
Before answering, search the registry for symbols relevant to the request and
activate them. When a reasoning chain resolves, record it with the log_trace
tool: the entry node, each activated symbol with its reason and link type,
and the output node. Prefer registry knowledge over improvisation; say so
when the registry has nothing relevant.`

// DefaultMCPPrompt is served to MCP clients asking for the activation prompt.
const DefaultMCPPrompt = `Use the available tools to explore the symbol registry:
list domains, search symbols semantically, and activate the symbols whose
activation conditions match the task at hand.`

// Cache is the write-through prompt cache.
type Cache struct {
	store store.Store

	mu     sync.RWMutex
	system string
	mcp    string
}

// NewCache creates an unloaded cache serving the defaults.
func NewCache(st store.Store) *Cache {
	return &Cache{store: st, system: DefaultSystemPrompt, mcp: DefaultMCPPrompt}
}

// Load refreshes both prompts from the store. Missing records keep the
// defaults.
func (c *Cache) Load(ctx context.Context) error {
	system, err := c.read(ctx, store.KeySystemPrompt)
	if err != nil {
		return err
	}
	mcp, err := c.read(ctx, store.KeyMCPPrompt)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if system != "" {
		c.system = system
	}
	if mcp != "" {
		c.mcp = mcp
	}
	return nil
}

// System returns the active system prompt.
func (c *Cache) System() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.system
}

// MCP returns the active MCP activation prompt.
func (c *Cache) MCP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mcp
}

// SetSystem persists and installs a new system prompt.
func (c *Cache) SetSystem(ctx context.Context, text string) error {
	if err := c.store.Set(ctx, store.KeySystemPrompt, text, 0); err != nil {
		return fmt.Errorf("storing system prompt: %w", err)
	}
	c.mu.Lock()
	c.system = text
	c.mu.Unlock()
	return nil
}

// SetMCP persists and installs a new MCP prompt.
func (c *Cache) SetMCP(ctx context.Context, text string) error {
	if err := c.store.Set(ctx, store.KeyMCPPrompt, text, 0); err != nil {
		return fmt.Errorf("storing mcp prompt: %w", err)
	}
	c.mu.Lock()
	c.mcp = text
	c.mu.Unlock()
	return nil
}

func (c *Cache) read(ctx context.Context, key string) (string, error) {
	v, err := c.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading prompt %s: %w", key, err)
	}
	return v, nil
}
