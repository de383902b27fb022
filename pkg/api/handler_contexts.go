package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/models"
)

// ListContexts handles GET /api/contexts.
func (s *Server) ListContexts(c *gin.Context) {
	sessions, err := s.deps.Sessions.List(c.Request.Context(), currentAuth(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contexts": sessions})
}

type createContextRequest struct {
	Type     models.SessionType `json:"type"`
	Metadata map[string]string  `json:"metadata"`
}

// CreateContext handles POST /api/contexts.
func (s *Server) CreateContext(c *gin.Context) {
	var req createContextRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = models.SessionTypeConversation
	}
	session, err := s.deps.Sessions.Create(c.Request.Context(), currentAuth(c),
		req.Type, req.Metadata, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ArchiveContext handles POST /api/contexts/{id}/archive. An idle open
// session closes; a busy one returns 409.
func (s *Server) ArchiveContext(c *gin.Context) {
	if err := s.deps.Sessions.Close(c.Request.Context(), currentAuth(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

// ContextHistory handles GET /api/contexts/{id}/history?since=…; turns come
// back grouped by correlation ID. since uses the base64-ms encoding.
func (s *Server) ContextHistory(c *gin.Context) {
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := models.DecodeTimestamp(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		since = &t
	}
	groups, err := s.deps.Sessions.HistoryGrouped(c.Request.Context(), currentAuth(c),
		c.Param("id"), since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": groups})
}

type triggerContextRequest struct {
	Message string `json:"message" binding:"required"`
}

// TriggerContext handles POST /api/contexts/{id}/trigger: injects a message
// into the session, queueing behind any active turn.
func (s *Server) TriggerContext(c *gin.Context) {
	var req triggerContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := s.submitMessage(c, currentAuth(c), c.Param("id"), req.Message, "", true)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": status, "contextSessionId": c.Param("id")})
}
