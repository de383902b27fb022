package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/prompts"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/tools"
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

func userCtx() auth.Context {
	return auth.Context{UserID: "u1", Username: "user", Role: models.RoleUser}
}

type fixture struct {
	server   *Server
	store    *store.MemoryStore
	registry *registry.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	reg := registry.NewService(st, noopIndexer{})
	deps := tools.Deps{
		Registry: reg,
		Traces:   trace.NewSink(st),
		Sessions: contextsession.NewManager(st),
	}
	return &fixture{
		server:   NewServer(st, deps, reg, prompts.NewCache(st)),
		store:    st,
		registry: reg,
	}
}

// openSession stores an MCP session record directly, standing in for an SSE
// connection.
func (f *fixture) openSession(t *testing.T, ac auth.Context) string {
	t.Helper()
	id := "sess-" + ac.Username
	require.NoError(t, f.server.saveSession(context.Background(), id, ac))
	return id
}

func (f *fixture) rpc(t *testing.T, sessionID string, body string) (*rpcResponse, int) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost,
		"/mcp/messages?sessionId="+sessionID, bytes.NewBufferString(body))
	f.server.HandleMessage(c)
	c.Writer.WriteHeaderNow()
	if w.Code == http.StatusAccepted {
		return nil, w.Code
	}
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp, w.Code
}

func TestSessionValidation(t *testing.T) {
	f := newFixture(t)

	t.Run("missing session rejected", func(t *testing.T) {
		resp, _ := f.rpc(t, "", `{"jsonrpc":"2.0","method":"ping","id":1}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeInvalidRequest, resp.Error.Code)
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		resp, code := f.rpc(t, "nope", `{"jsonrpc":"2.0","method":"ping","id":1}`)
		assert.Equal(t, http.StatusNotFound, code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeInvalidRequest, resp.Error.Code)
	})

	t.Run("live session accepted", func(t *testing.T) {
		id := f.openSession(t, adminCtx())
		resp, _ := f.rpc(t, id, `{"jsonrpc":"2.0","method":"ping","id":1}`)
		assert.Nil(t, resp.Error)
	})
}

func TestInitializeAndPing(t *testing.T) {
	f := newFixture(t)
	id := f.openSession(t, adminCtx())

	resp, _ := f.rpc(t, id, `{"jsonrpc":"2.0","method":"initialize","id":1}`)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, serverName, info["name"])

	_, code := f.rpc(t, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, code)
}

func TestMethodNotFound(t *testing.T) {
	f := newFixture(t)
	id := f.openSession(t, adminCtx())

	resp, _ := f.rpc(t, id, `{"jsonrpc":"2.0","method":"no/such","id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.rpc(t, "x", `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeParseError, resp.Error.Code)

	resp, _ = f.rpc(t, "x", `{"jsonrpc":"1.0","method":"ping","id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestToolFiltering(t *testing.T) {
	f := newFixture(t)

	toolNames := func(resp *rpcResponse) map[string]bool {
		names := map[string]bool{}
		result := resp.Result.(map[string]any)
		for _, decl := range result["tools"].([]any) {
			names[decl.(map[string]any)["name"].(string)] = true
		}
		return names
	}

	t.Run("admin sees admin-only tools", func(t *testing.T) {
		id := f.openSession(t, adminCtx())
		resp, _ := f.rpc(t, id, `{"jsonrpc":"2.0","method":"tools/list","id":1}`)
		require.Nil(t, resp.Error)
		names := toolNames(resp)
		assert.True(t, names["upsert_symbols"])
		assert.True(t, names["search_symbols"])
		assert.False(t, names["log_trace"], "restricted tools stay hidden")
	})

	t.Run("user does not see admin-only tools", func(t *testing.T) {
		id := f.openSession(t, userCtx())
		resp, _ := f.rpc(t, id, `{"jsonrpc":"2.0","method":"tools/list","id":1}`)
		require.Nil(t, resp.Error)
		names := toolNames(resp)
		assert.False(t, names["upsert_symbols"])
		assert.True(t, names["search_symbols"])
	})

	t.Run("admin-only call names the privilege", func(t *testing.T) {
		id := f.openSession(t, userCtx())
		resp, _ := f.rpc(t, id,
			`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"create_domain","arguments":{"id":"d"}},"id":1}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeInternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "requires admin privileges")
	})

	t.Run("restricted call stays generic", func(t *testing.T) {
		id := f.openSession(t, adminCtx())
		resp, _ := f.rpc(t, id,
			`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"get_secret","arguments":{}},"id":1}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeInternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "not available over MCP")
	})
}

func TestToolCall(t *testing.T) {
	f := newFixture(t)
	id := f.openSession(t, adminCtx())

	resp, _ := f.rpc(t, id,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"create_domain","arguments":{"id":"core","name":"Core"}},"id":1}`)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, false, result["isError"])

	domain, err := f.registry.Get(context.Background(), adminCtx(), "core")
	require.NoError(t, err)
	assert.Equal(t, "Core", domain.Name)
}

func TestPromptsGet(t *testing.T) {
	f := newFixture(t)
	id := f.openSession(t, adminCtx())

	resp, _ := f.rpc(t, id,
		`{"jsonrpc":"2.0","method":"prompts/get","params":{"name":"system"},"id":1}`)
	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "symbol")

	resp, _ = f.rpc(t, id,
		`{"jsonrpc":"2.0","method":"prompts/get","params":{"name":"bogus"},"id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestSymbolsActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ac := adminCtx()
	_, err := f.registry.CreateDomain(ctx, ac, models.Domain{ID: "core", Enabled: true})
	require.NoError(t, err)
	for _, sym := range []models.Symbol{
		{ID: "core.leaf", Kind: models.KindPattern},
		{ID: "core.root", Kind: models.KindPattern, LinkedPatterns: []string{"core.leaf", "core.gone"}},
	} {
		_, err = f.registry.UpsertSymbol(ctx, ac, "core", sym,
			registry.UpsertOptions{BypassValidation: true})
		require.NoError(t, err)
	}

	id := f.openSession(t, ac)
	resp, _ := f.rpc(t, id,
		`{"jsonrpc":"2.0","method":"symbols/activate","params":{"id":"core.root"},"id":1}`)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	symbol := result["symbol"].(map[string]any)
	assert.Equal(t, "core.root", symbol["id"])
	linked := result["linked"].([]any)
	require.Len(t, linked, 1, "dangling reference is skipped")
	assert.Equal(t, "core.leaf", linked[0].(map[string]any)["id"])
}

func TestContextBuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ac := adminCtx()
	_, err := f.registry.CreateDomain(ctx, ac, models.Domain{ID: "core", Enabled: true})
	require.NoError(t, err)
	_, err = f.registry.UpsertSymbol(ctx, ac, "core",
		models.Symbol{ID: "core.a", Kind: models.KindPattern}, registry.UpsertOptions{})
	require.NoError(t, err)

	id := f.openSession(t, ac)
	resp, _ := f.rpc(t, id,
		`{"jsonrpc":"2.0","method":"context/build","params":{"domains":["core"]},"id":1}`)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.NotEmpty(t, result["prompt"])
	symbols := result["symbols"].([]any)
	require.Len(t, symbols, 1)
}

func TestSSELifecycle(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	ctx, cancel := context.WithCancel(context.Background())
	c.Request = httptest.NewRequest(http.MethodGet, "/mcp/sse", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.HandleSSE(c, adminCtx())
	}()

	// The session record appears as soon as the stream opens. The body is
	// only inspected after the handler returns to keep the recorder
	// single-threaded.
	var sessionKeys []string
	require.Eventually(t, func() bool {
		keys, err := f.store.Keys(context.Background(), "mcp:session:")
		if err != nil || len(keys) == 0 {
			return false
		}
		sessionKeys = keys
		return true
	}, time.Second, 10*time.Millisecond)
	require.Len(t, sessionKeys, 1)

	cancel()
	<-done

	body := w.Body.String()
	assert.Contains(t, body, "event:endpoint")
	idx := strings.Index(body, "sessionId=")
	require.GreaterOrEqual(t, idx, 0)
	sessionID := strings.TrimSpace(body[idx+len("sessionId="):])
	assert.Equal(t, store.MCPSessionKey(sessionID), sessionKeys[0])

	_, err := f.store.Get(context.Background(), store.MCPSessionKey(sessionID))
	assert.True(t, errors.Is(err, store.ErrNotFound), "session removed on disconnect")
}
