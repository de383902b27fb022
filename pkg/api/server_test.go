package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/kernel/pkg/agents"
	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/inference"
	"github.com/signalzero/kernel/pkg/llm"
	"github.com/signalzero/kernel/pkg/mcp"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/project"
	"github.com/signalzero/kernel/pkg/prompts"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/testrunner"
	"github.com/signalzero/kernel/pkg/tools"
	"github.com/signalzero/kernel/pkg/trace"
	"github.com/signalzero/kernel/pkg/vector"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubLLM struct {
	reply string
}

func (s *stubLLM) Chat(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.reply}, nil
}

// stubIndex satisfies both the registry indexer and the reindex pipeline.
type stubIndex struct{}

func (stubIndex) IndexSymbol(context.Context, *models.Symbol) (bool, error) { return true, nil }
func (stubIndex) RemoveSymbol(context.Context, string) error                { return nil }
func (stubIndex) ResetCollection(context.Context) error                     { return nil }
func (stubIndex) Search(context.Context, string, registry.SearchOptions) ([]registry.Hit, error) {
	return nil, nil
}

type apiFixture struct {
	t         *testing.T
	router    *gin.Engine
	store     *store.MemoryStore
	sessions  *contextsession.Manager
	processor *inference.Processor
	runner    *testrunner.Runner

	adminKey string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewMemoryStore()
	authSvc := auth.NewService(st, "internal-secret")
	sessions := contextsession.NewManager(st)
	sink := trace.NewSink(st)
	reg := registry.NewService(st, stubIndex{})
	promptCache := prompts.NewCache(st)
	client := &stubLLM{reply: "hello from the model"}
	toolDeps := tools.Deps{Registry: reg, Traces: sink, Sessions: sessions}
	processor := inference.NewProcessor(sessions, client, client, promptCache, st, toolDeps)
	agentSvc := agents.NewService(st, sessions, processor, sink)
	runner := testrunner.NewRunner(st, sessions, processor, sink)

	srv := NewServer(Deps{
		Store:     st,
		Auth:      authSvc,
		Sessions:  sessions,
		Processor: processor,
		Registry:  reg,
		Reindexer: vector.NewReindexer(st, stubIndex{}, reg),
		Traces:    sink,
		Agents:    agentSvc,
		Tests:     runner,
		Project:   project.NewService(reg, promptCache, runner, agentSvc),
		MCP:       mcp.NewServer(st, toolDeps, reg, promptCache),
	})

	f := &apiFixture{
		t:         t,
		router:    srv.Router(),
		store:     st,
		sessions:  sessions,
		processor: processor,
		runner:    runner,
	}
	f.bootstrap()
	return f
}

// bootstrap creates the first admin through the public setup endpoint and
// keeps its API key for authenticated requests.
func (f *apiFixture) bootstrap() {
	w := f.do(http.MethodPost, "/api/auth/setup", nil,
		gin.H{"username": "root", "password": "correct horse battery"})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(f.t, resp.APIKey)
	f.adminKey = resp.APIKey
}

func (f *apiFixture) do(method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) asAdmin(method, path string, body any) *httptest.ResponseRecorder {
	return f.do(method, path, map[string]string{"x-api-key": f.adminKey}, body)
}

// createUser provisions a regular user through the admin API and returns its
// id and API key.
func (f *apiFixture) createUser(username string) (id, apiKey string) {
	w := f.asAdmin(http.MethodPost, "/api/users",
		gin.H{"username": username, "password": "a long enough password"})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		User   models.PublicUser `json:"user"`
		APIKey string            `json:"apiKey"`
	}
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.User.ID, resp.APIKey
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "healthy", components["store"].(map[string]any)["status"])
	assert.Equal(t, "not configured", components["vector"].(map[string]any)["status"])
}

func TestAuthBootstrapAndLogin(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("status reports initialized", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/auth/status", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["initialized"])
	})

	t.Run("second setup is rejected", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/setup", nil,
			gin.H{"username": "intruder", "password": "whatever whatever"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("login returns a bearer token that authenticates", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/login", nil,
			gin.H{"username": "root", "password": "correct horse battery"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		token := decode(t, w)["token"].(string)
		require.NotEmpty(t, token)

		me := f.do(http.MethodGet, "/api/users/me",
			map[string]string{"Authorization": "Bearer " + token}, nil)
		require.Equal(t, http.StatusOK, me.Code)
		assert.Equal(t, "root", decode(t, me)["username"])
	})

	t.Run("wrong password is unauthorized", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/login", nil,
			gin.H{"username": "root", "password": "nope nope nope nope"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireAuth(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("no credentials", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/contexts", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage bearer token", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/contexts",
			map[string]string{"Authorization": "Bearer not-a-token"}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("internal key grants service access", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/contexts",
			map[string]string{"x-internal-key": "internal-secret"}, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("api key works", func(t *testing.T) {
		w := f.asAdmin(http.MethodGet, "/api/contexts", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestChatFlow(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	w := f.asAdmin(http.MethodPost, "/api/contexts", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sessionID := decode(t, w)["id"].(string)
	require.NotEmpty(t, sessionID)

	t.Run("idle session starts processing", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/chat",
			gin.H{"message": "hello", "contextSessionId": sessionID})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, "processing", decode(t, w)["status"])
		f.processor.Wait()

		h := f.asAdmin(http.MethodGet, "/api/contexts/"+sessionID+"/history", nil)
		require.Equal(t, http.StatusOK, h.Code)
		groups := decode(t, h)["history"].([]any)
		assert.NotEmpty(t, groups)
	})

	t.Run("busy session rejects chat with 409", func(t *testing.T) {
		require.NoError(t, f.sessions.SetActiveMessage(ctx, sessionID, "held-by-test"))
		defer func() { require.NoError(t, f.sessions.ClearActiveMessage(ctx, sessionID)) }()

		w := f.asAdmin(http.MethodPost, "/api/chat",
			gin.H{"message": "second", "contextSessionId": sessionID})
		require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
		assert.Equal(t, "busy", decode(t, w)["status"])
	})

	t.Run("busy session queues trigger", func(t *testing.T) {
		require.NoError(t, f.sessions.SetActiveMessage(ctx, sessionID, "held-by-test"))
		defer func() { require.NoError(t, f.sessions.ClearActiveMessage(ctx, sessionID)) }()

		w := f.asAdmin(http.MethodPost, "/api/contexts/"+sessionID+"/trigger",
			gin.H{"message": "later"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, "queued", decode(t, w)["status"])
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/chat",
			gin.H{"message": "hi", "contextSessionId": "no-such-session"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("stop requests cancellation", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/chat/stop",
			gin.H{"contextSessionId": sessionID})
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestDomainAndSymbolEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.asAdmin(http.MethodPost, "/api/domains", gin.H{"id": "core", "enabled": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	t.Run("duplicate domain conflicts", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/domains", gin.H{"id": "core"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("upsert and fetch symbol", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/domains/core/symbols", gin.H{
			"id": "core.root", "kind": "pattern", "name": "Root",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		g := f.asAdmin(http.MethodGet, "/api/symbols/core.root", nil)
		require.Equal(t, http.StatusOK, g.Code)
		assert.Equal(t, "Root", decode(t, g)["name"])

		l := f.asAdmin(http.MethodGet, "/api/domains/core/symbols", nil)
		require.Equal(t, http.StatusOK, l.Code)
		assert.Len(t, decode(t, l)["symbols"].([]any), 1)
	})

	t.Run("dangling reference rejected without bypass", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/domains/core/symbols", gin.H{
			"id": "core.broken", "kind": "pattern",
			"linked_patterns": []string{"core.ghost"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		b := f.asAdmin(http.MethodPost, "/api/domains/core/symbols?bypassValidation=true", gin.H{
			"id": "core.broken", "kind": "pattern",
			"linked_patterns": []string{"core.ghost"},
		})
		assert.Equal(t, http.StatusOK, b.Code, b.Body.String())
	})

	t.Run("read-only domain maps to 400 with domain id", func(t *testing.T) {
		uid, key := f.createUser("scribe")
		w := f.do(http.MethodPost, "/api/domains", map[string]string{"x-api-key": key},
			gin.H{"id": "scribe.notes", "enabled": true, "ownerUserId": uid})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		p := f.asAdmin(http.MethodPatch, "/api/domains/scribe.notes", gin.H{"readOnly": true})
		require.Equal(t, http.StatusOK, p.Code, p.Body.String())

		u := f.do(http.MethodPost, "/api/domains/scribe.notes/symbols",
			map[string]string{"x-api-key": key},
			gin.H{"id": "scribe.notes.a", "kind": "pattern"})
		require.Equal(t, http.StatusBadRequest, u.Code, u.Body.String())
		body := decode(t, u)
		assert.Equal(t, "scribe.notes", body["domainId"])
	})

	t.Run("exists and enabled probes", func(t *testing.T) {
		w := f.asAdmin(http.MethodGet, "/api/domains/core/exists", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["exists"])

		m := f.asAdmin(http.MethodGet, "/api/domains/missing/exists", nil)
		require.Equal(t, http.StatusOK, m.Code)
		assert.Equal(t, false, decode(t, m)["exists"])

		e := f.asAdmin(http.MethodGet, "/api/domains/core/enabled", nil)
		require.Equal(t, http.StatusOK, e.Code)
		assert.Equal(t, true, decode(t, e)["enabled"])
	})

	t.Run("delete symbol and domain", func(t *testing.T) {
		w := f.asAdmin(http.MethodDelete, "/api/domains/core/symbols/core.broken?cascade=true", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		d := f.asAdmin(http.MethodDelete, "/api/domains/core", nil)
		require.Equal(t, http.StatusOK, d.Code)

		g := f.asAdmin(http.MethodGet, "/api/domains/core", nil)
		assert.Equal(t, http.StatusNotFound, g.Code)
	})
}

func TestReindexEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	t.Run("idle status", func(t *testing.T) {
		w := f.asAdmin(http.MethodGet, "/api/vector/reindex/status", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode(t, w)["running"])
	})

	t.Run("non-admin cannot start", func(t *testing.T) {
		_, key := f.createUser("plain")
		w := f.do(http.MethodPost, "/api/vector/reindex",
			map[string]string{"x-api-key": key}, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("concurrent rebuild is 409", func(t *testing.T) {
		acquired, err := f.store.SetNX(ctx, store.KeyReindexing, `{"running":true}`, 0)
		require.NoError(t, err)
		require.True(t, acquired)
		defer func() { _ = f.store.Del(ctx, store.KeyReindexing) }()

		w := f.asAdmin(http.MethodPost, "/api/vector/reindex", nil)
		assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	})
}

func TestUserManagement(t *testing.T) {
	f := newAPIFixture(t)
	uid, key := f.createUser("worker")

	t.Run("non-admin cannot list users", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/users", map[string]string{"x-api-key": key}, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("public projection hides secrets", func(t *testing.T) {
		w := f.asAdmin(http.MethodGet, "/api/users/"+uid, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "worker", body["username"])
		assert.NotContains(t, w.Body.String(), "passwordHash")
		assert.NotContains(t, w.Body.String(), "apiKey")
	})

	t.Run("self deletion rejected", func(t *testing.T) {
		me := f.asAdmin(http.MethodGet, "/api/users/me", nil)
		require.Equal(t, http.StatusOK, me.Code)
		adminID := decode(t, me)["id"].(string)

		w := f.asAdmin(http.MethodDelete, "/api/users/"+adminID, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rotate own key invalidates the old one", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/users/me/apikey",
			map[string]string{"x-api-key": key}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		fresh := decode(t, w)["apiKey"].(string)
		require.NotEmpty(t, fresh)

		old := f.do(http.MethodGet, "/api/contexts", map[string]string{"x-api-key": key}, nil)
		assert.Equal(t, http.StatusUnauthorized, old.Code)

		ok := f.do(http.MethodGet, "/api/contexts", map[string]string{"x-api-key": fresh}, nil)
		assert.Equal(t, http.StatusOK, ok.Code)
	})
}

func TestAgentEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.asAdmin(http.MethodPost, "/api/agents",
		gin.H{"id": "reporter", "prompt": "summarize the day", "schedule": "0 9 * * *"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	t.Run("malformed schedule rejected", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/agents",
			gin.H{"id": "bad", "prompt": "p", "schedule": "every other day"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("path id wins on put", func(t *testing.T) {
		w := f.asAdmin(http.MethodPut, "/api/agents/reporter",
			gin.H{"id": "ignored", "prompt": "updated prompt", "schedule": "0 9 * * *"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "reporter", decode(t, w)["id"])
	})

	t.Run("trigger runs and logs", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/agents/reporter/trigger", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "completed", decode(t, w)["status"])

		logs := f.asAdmin(http.MethodGet, "/api/agents/logs?agentId=reporter", nil)
		require.Equal(t, http.StatusOK, logs.Code)
		assert.Len(t, decode(t, logs)["logs"].([]any), 1)
	})

	t.Run("delete", func(t *testing.T) {
		w := f.asAdmin(http.MethodDelete, "/api/agents/reporter", nil)
		require.Equal(t, http.StatusOK, w.Code)
		g := f.asAdmin(http.MethodGet, "/api/agents/reporter", nil)
		assert.Equal(t, http.StatusNotFound, g.Code)
	})
}

func TestTestRunnerEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.asAdmin(http.MethodPost, "/api/tests/sets", gin.H{
		"id":   "smoke",
		"name": "Smoke",
		"tests": []gin.H{
			{"prompt": "what is the root pattern"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	t.Run("start run is accepted", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/tests/runs", gin.H{"testSetId": "smoke"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		runID := decode(t, w)["id"].(string)
		require.NotEmpty(t, runID)
		f.runner.Wait()
		f.processor.Wait()

		g := f.asAdmin(http.MethodGet, "/api/tests/runs/"+runID, nil)
		require.Equal(t, http.StatusOK, g.Code)
		assert.Equal(t, string(models.TestRunCompleted), decode(t, g)["status"])
	})

	t.Run("unknown set is 404", func(t *testing.T) {
		w := f.asAdmin(http.MethodPost, "/api/tests/runs", gin.H{"testSetId": "nope"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	for _, tc := range []struct {
		name string
		code int
		run  func() *httptest.ResponseRecorder
	}{
		{"missing resource", http.StatusNotFound, func() *httptest.ResponseRecorder {
			return f.asAdmin(http.MethodGet, "/api/traces/nope", nil)
		}},
		{"validation failure", http.StatusBadRequest, func() *httptest.ResponseRecorder {
			return f.asAdmin(http.MethodPost, "/api/domains", gin.H{"name": "no id"})
		}},
		{"malformed body", http.StatusBadRequest, func() *httptest.ResponseRecorder {
			return f.asAdmin(http.MethodPost, "/api/chat", gin.H{"message": ""})
		}},
		{"search without query or time filter", http.StatusBadRequest, func() *httptest.ResponseRecorder {
			return f.asAdmin(http.MethodGet, "/api/symbols/search", nil)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := tc.run()
			assert.Equal(t, tc.code, w.Code, fmt.Sprintf("body: %s", w.Body.String()))
		})
	}
}
