package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/trace"
)

type noopIndexer struct{}

func (noopIndexer) IndexSymbol(context.Context, *models.Symbol) (bool, error) { return true, nil }
func (noopIndexer) RemoveSymbol(context.Context, string) error                { return nil }
func (noopIndexer) Search(context.Context, string, registry.SearchOptions) ([]registry.Hit, error) {
	return nil, nil
}

func adminCtx() auth.Context {
	return auth.Context{UserID: "admin-1", Username: "root", Role: models.RoleAdmin}
}

func userCtx(id string) auth.Context {
	return auth.Context{UserID: id, Username: "user-" + id, Role: models.RoleUser}
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	st := store.NewMemoryStore()
	return Deps{
		Registry: registry.NewService(st, noopIndexer{}),
		Traces:   trace.NewSink(st),
		Sessions: contextsession.NewManager(st),
	}
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewExecutor(newTestDeps(t), adminCtx(), "")
	res := e.Execute(context.Background(), "summon", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown tool")
}

func TestExecuteRoleRestriction(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	t.Run("non-admin cannot create domains", func(t *testing.T) {
		e := NewExecutor(deps, userCtx("u1"), "")
		res := e.Execute(ctx, "create_domain", args(t, map[string]string{"id": "core"}))
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "admin")
	})

	t.Run("admin can", func(t *testing.T) {
		e := NewExecutor(deps, adminCtx(), "")
		res := e.Execute(ctx, "create_domain", args(t, map[string]string{"id": "core"}))
		require.False(t, res.IsError, res.Content)
		assert.Contains(t, res.Content, `"core"`)
	})
}

func TestExecuteClosedSessionBlocksWrites(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	session, err := deps.Sessions.Create(ctx, adminCtx(), models.SessionTypeConversation, nil, nil)
	require.NoError(t, err)
	require.NoError(t, deps.Sessions.Close(ctx, adminCtx(), session.ID))

	e := NewExecutor(deps, adminCtx(), session.ID)

	res := e.Execute(ctx, "create_domain", args(t, map[string]string{"id": "core"}))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "session_closed")

	// Reads still work.
	res = e.Execute(ctx, "list_domains", nil)
	assert.False(t, res.IsError, res.Content)
}

func TestLogTraceTagsSession(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	session, err := deps.Sessions.Create(ctx, adminCtx(), models.SessionTypeConversation, nil, nil)
	require.NoError(t, err)

	e := NewExecutor(deps, adminCtx(), session.ID)
	res := e.Execute(ctx, "log_trace", args(t, map[string]any{
		"entry_node":   "mirror",
		"activated_by": "self reference",
		"output_node":  "grounding",
	}))
	require.False(t, res.IsError, res.Content)

	var recorded models.Trace
	require.NoError(t, json.Unmarshal([]byte(res.Content), &recorded))
	assert.Equal(t, session.ID, recorded.SessionID)
	assert.NotEmpty(t, recorded.ID)
}

func TestToolErrorsAreResults(t *testing.T) {
	ctx := context.Background()
	e := NewExecutor(newTestDeps(t), adminCtx(), "")
	res := e.Execute(ctx, "get_symbol", args(t, map[string]string{"id": "ghost"}))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "error")
}

func TestMCPSpecFiltering(t *testing.T) {
	deps := newTestDeps(t)

	collect := func(e *Executor) map[string]bool {
		out := map[string]bool{}
		for _, spec := range e.MCPSpecs() {
			out[spec.Name] = true
		}
		return out
	}

	t.Run("admin sees admin-only tools", func(t *testing.T) {
		seen := collect(NewExecutor(deps, adminCtx(), ""))
		assert.True(t, seen["upsert_symbols"])
		assert.True(t, seen["search_symbols"])
	})

	t.Run("user does not", func(t *testing.T) {
		seen := collect(NewExecutor(deps, userCtx("u1"), ""))
		assert.False(t, seen["upsert_symbols"])
		assert.False(t, seen["create_domain"])
		assert.True(t, seen["search_symbols"])
	})

	t.Run("restricted names are never allowed", func(t *testing.T) {
		e := NewExecutor(deps, adminCtx(), "")
		for name := range Restricted {
			assert.False(t, e.MCPAllowed(name), name)
		}
	})
}
