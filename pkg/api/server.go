// Package api is the HTTP surface of the kernel: a gin router over the
// service layer, with header-based authentication and a uniform error
// mapping.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/agents"
	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/inference"
	"github.com/signalzero/kernel/pkg/mcp"
	"github.com/signalzero/kernel/pkg/project"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/testrunner"
	"github.com/signalzero/kernel/pkg/trace"
	"github.com/signalzero/kernel/pkg/vector"
)

// Deps carries every service the HTTP layer fronts.
type Deps struct {
	Store     store.Store
	Auth      *auth.Service
	Sessions  *contextsession.Manager
	Processor *inference.Processor
	Registry  *registry.Service
	Reindexer *vector.Reindexer
	Traces    *trace.Sink
	Agents    *agents.Service
	Tests     *testrunner.Runner
	Project   *project.Service
	MCP       *mcp.Server

	// VectorHealth reports the vector index status for /api/health. Nil when
	// no index is configured.
	VectorHealth func() error
}

// Server is the HTTP API server.
type Server struct {
	deps Deps
	now  func() time.Time
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, now: time.Now}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/api/health", s.Health)

	// Auth bootstrap endpoints carry their own credential handling.
	r.GET("/api/auth/status", s.AuthStatus)
	r.POST("/api/auth/setup", s.AuthSetup)
	r.POST("/api/auth/login", s.AuthLogin)

	authed := r.Group("/", s.requireAuth())
	{
		authed.POST("/api/auth/change-password", s.ChangePassword)

		authed.GET("/api/users", s.ListUsers)
		authed.POST("/api/users", s.CreateUser)
		authed.GET("/api/users/me", s.CurrentUser)
		authed.GET("/api/users/:id", s.GetUser)
		authed.PATCH("/api/users/:id", s.UpdateUser)
		authed.DELETE("/api/users/:id", s.DeleteUser)
		authed.POST("/api/users/:id/apikey", s.RotateAPIKey)

		authed.GET("/api/contexts", s.ListContexts)
		authed.POST("/api/contexts", s.CreateContext)
		authed.POST("/api/contexts/:id/archive", s.ArchiveContext)
		authed.GET("/api/contexts/:id/history", s.ContextHistory)
		authed.POST("/api/contexts/:id/trigger", s.TriggerContext)

		authed.POST("/api/chat", s.Chat)
		authed.POST("/api/chat/stop", s.ChatStop)

		authed.GET("/api/domains", s.ListDomains)
		authed.POST("/api/domains", s.CreateDomain)
		authed.GET("/api/domains/:id", s.GetDomain)
		authed.GET("/api/domains/:id/exists", s.DomainExists)
		authed.GET("/api/domains/:id/enabled", s.DomainEnabled)
		authed.POST("/api/domains/:id/toggle", s.ToggleDomain)
		authed.PATCH("/api/domains/:id", s.PatchDomain)
		authed.DELETE("/api/domains/:id", s.DeleteDomain)
		authed.GET("/api/domains/:id/symbols", s.ListSymbols)
		authed.GET("/api/domains/:id/query", s.QuerySymbols)
		authed.POST("/api/domains/:id/symbols", s.UpsertSymbol)
		authed.POST("/api/domains/:id/symbols/bulk", s.BulkUpsertSymbols)
		authed.POST("/api/domains/:id/symbols/rename", s.RenameSymbol)
		authed.DELETE("/api/domains/:id/symbols/:sid", s.DeleteSymbol)

		authed.GET("/api/symbols/search", s.SearchSymbols)
		authed.GET("/api/symbols/:id", s.GetSymbol)
		authed.POST("/api/symbols/refactor", s.RefactorSymbols)
		authed.POST("/api/symbols/compress", s.CompressSymbols)

		authed.POST("/api/vector/reindex", s.StartReindex)
		authed.GET("/api/vector/reindex/status", s.ReindexStatus)

		authed.GET("/api/tests/sets", s.ListTestSets)
		authed.POST("/api/tests/sets", s.UpsertTestSet)
		authed.GET("/api/tests/sets/:id", s.GetTestSet)
		authed.DELETE("/api/tests/sets/:id", s.DeleteTestSet)
		authed.GET("/api/tests/runs", s.ListTestRuns)
		authed.POST("/api/tests/runs", s.StartTestRun)
		authed.GET("/api/tests/runs/:id", s.GetTestRun)
		authed.POST("/api/tests/runs/:id/stop", s.StopTestRun)
		authed.POST("/api/tests/runs/:id/resume", s.ResumeTestRun)
		authed.GET("/api/tests/runs/:id/results", s.TestRunResults)
		authed.POST("/api/tests/runs/:id/cases/:cid/rerun", s.RerunTestCase)

		authed.POST("/api/project/export", s.ExportProject)
		authed.POST("/api/project/import", s.ImportProject)

		authed.GET("/api/traces", s.ListTraces)
		authed.GET("/api/traces/:id", s.GetTrace)

		authed.GET("/api/agents", s.ListAgents)
		authed.POST("/api/agents", s.UpsertAgent)
		authed.GET("/api/agents/logs", s.AgentLogs)
		authed.GET("/api/agents/:id", s.GetAgent)
		authed.PUT("/api/agents/:id", s.UpsertAgentByID)
		authed.DELETE("/api/agents/:id", s.DeleteAgent)
		authed.POST("/api/agents/:id/trigger", s.TriggerAgent)

		if s.deps.MCP != nil {
			authed.GET("/mcp/sse", func(c *gin.Context) {
				s.deps.MCP.HandleSSE(c, currentAuth(c))
			})
		}
	}
	if s.deps.MCP != nil {
		// Message auth comes from the SSE session record, not headers.
		r.POST("/mcp/messages", s.deps.MCP.HandleMessage)
	}
	return r
}
