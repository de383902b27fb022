// Package mcp exposes a filtered view of the tool executor to external
// integrations over SSE + JSON-RPC. An SSE connection allocates a short-lived
// session; JSON-RPC requests reference it and inherit its caller identity.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/prompts"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/tools"
)

const (
	protocolVersion   = "2024-11-05"
	serverName        = "signalzero-kernel"
	serverVersion     = "1.0.0"
	keepaliveInterval = 30 * time.Second
)

// session is the durable record behind one SSE connection.
type session struct {
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	Role      models.Role `json:"userRole"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Server handles the MCP control surface.
type Server struct {
	store    store.Store
	toolDeps tools.Deps
	registry *registry.Service
	prompts  *prompts.Cache
	now      func() time.Time
}

// NewServer wires the MCP surface.
func NewServer(st store.Store, toolDeps tools.Deps, reg *registry.Service, promptCache *prompts.Cache) *Server {
	return &Server{
		store:    st,
		toolDeps: toolDeps,
		registry: reg,
		prompts:  promptCache,
		now:      time.Now,
	}
}

// HandleSSE opens the event stream: an initial endpoint event pointing at the
// session-scoped message URL, then keep-alive comments until the client
// disconnects. The session record is removed on disconnect.
func (s *Server) HandleSSE(c *gin.Context, ac auth.Context) {
	sessionID := uuid.New().String()
	if err := s.saveSession(c.Request.Context(), sessionID, ac); err != nil {
		slog.Error("Failed to create MCP session", "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	logger := slog.With("mcp_session_id", sessionID, "username", ac.Username)
	logger.Info("MCP session opened")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.SSEvent("endpoint", "/mcp/messages?sessionId="+sessionID)
	c.Writer.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			if err := s.store.Del(context.WithoutCancel(c.Request.Context()),
				store.MCPSessionKey(sessionID)); err != nil {
				logger.Warn("Failed to remove MCP session", "error", err)
			}
			logger.Info("MCP session closed")
			return
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
			// Refresh the record while the stream is alive.
			if err := s.store.Expire(c.Request.Context(),
				store.MCPSessionKey(sessionID), store.MCPSessionTTL); err != nil {
				logger.Warn("Failed to refresh MCP session", "error", err)
			}
		}
	}
}

// HandleMessage serves one JSON-RPC request. The caller identity comes from
// the referenced SSE session, not from the request headers.
func (s *Server) HandleMessage(c *gin.Context) {
	var req rpcRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, codeParseError, "malformed JSON-RPC request"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, errorResponse(req.ID, codeInvalidRequest, "not a JSON-RPC 2.0 request"))
		return
	}

	ac, err := s.resolveSession(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse(req.ID, codeInvalidRequest, "session not found"))
		return
	}

	resp, ok := s.dispatch(c.Request.Context(), ac, &req)
	if !ok {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// dispatch routes one request. The bool is false for notifications, which get
// no response body.
func (s *Server) dispatch(ctx context.Context, ac auth.Context, req *rpcRequest) (rpcResponse, bool) {
	if req.Method == "notifications/initialized" {
		return rpcResponse{}, false
	}

	result, rpcErr := s.call(ctx, ac, req.Method, req.Params)
	if req.notification() {
		if rpcErr != nil {
			slog.Warn("MCP notification failed", "method", req.Method, "error", rpcErr.Message)
		}
		return rpcResponse{}, false
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr.Code, rpcErr.Message), true
	}
	return resultResponse(req.ID, result), true
}

func (s *Server) call(ctx context.Context, ac auth.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "initialize":
		return s.initialize(), nil
	case "ping":
		return map[string]any{}, nil
	case "prompts/list":
		return s.promptsList(), nil
	case "prompts/get":
		return s.promptsGet(params)
	case "tools/list":
		return s.toolsList(ac), nil
	case "tools/call":
		return s.toolsCall(ctx, ac, params)
	case "domains/list":
		return s.domainsList(ctx, ac)
	case "domains/get":
		return s.domainsGet(ctx, ac, params)
	case "symbols/search":
		return s.symbolsSearch(ctx, ac, params)
	case "symbols/activate":
		return s.symbolsActivate(ctx, ac, params)
	case "context/build":
		return s.contextBuild(ctx, ac, params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown method: " + method}
	}
}

func (s *Server) saveSession(ctx context.Context, id string, ac auth.Context) error {
	raw, err := json.Marshal(session{
		UserID:    ac.UserID,
		Username:  ac.Username,
		Role:      ac.Role,
		CreatedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("encoding MCP session: %w", err)
	}
	return s.store.Set(ctx, store.MCPSessionKey(id), string(raw), store.MCPSessionTTL)
}

func (s *Server) resolveSession(ctx context.Context, id string) (auth.Context, error) {
	if id == "" {
		return auth.Context{}, errors.New("missing sessionId")
	}
	raw, err := s.store.Get(ctx, store.MCPSessionKey(id))
	if err != nil {
		return auth.Context{}, err
	}
	var sess session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return auth.Context{}, fmt.Errorf("decoding MCP session: %w", err)
	}
	return auth.Context{UserID: sess.UserID, Username: sess.Username, Role: sess.Role}, nil
}
