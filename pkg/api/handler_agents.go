package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/models"
)

// ListAgents handles GET /api/agents.
func (s *Server) ListAgents(c *gin.Context) {
	agents, err := s.deps.Agents.List(c.Request.Context(), currentAuth(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// UpsertAgent handles POST /api/agents.
func (s *Server) UpsertAgent(c *gin.Context) {
	var agent models.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := s.deps.Agents.Upsert(c.Request.Context(), currentAuth(c), agent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// UpsertAgentByID handles PUT /api/agents/{id}; the path ID wins over the
// body.
func (s *Server) UpsertAgentByID(c *gin.Context) {
	var agent models.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent.ID = c.Param("id")
	saved, err := s.deps.Agents.Upsert(c.Request.Context(), currentAuth(c), agent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// GetAgent handles GET /api/agents/{id}.
func (s *Server) GetAgent(c *gin.Context) {
	agent, err := s.deps.Agents.Get(c.Request.Context(), currentAuth(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeleteAgent handles DELETE /api/agents/{id}.
func (s *Server) DeleteAgent(c *gin.Context) {
	if err := s.deps.Agents.Delete(c.Request.Context(), currentAuth(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type triggerAgentRequest struct {
	Message string `json:"message"`
}

// TriggerAgent handles POST /api/agents/{id}/trigger: a manual, synchronous
// execution with an optional message override.
func (s *Server) TriggerAgent(c *gin.Context) {
	var req triggerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	execLog, err := s.deps.Agents.Execute(c.Request.Context(), currentAuth(c),
		c.Param("id"), req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, execLog)
}

// AgentLogs handles GET /api/agents/logs?agentId=…&limit=…&includeTraces=….
func (s *Server) AgentLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	includeTraces := c.Query("includeTraces") == "true"
	logs, err := s.deps.Agents.Logs(c.Request.Context(), currentAuth(c),
		c.Query("agentId"), limit, includeTraces)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
