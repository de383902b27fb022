package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/models"
)

// ListTraces handles GET /api/traces?since=…&limit=…; since uses the
// base64-ms encoding.
func (s *Server) ListTraces(c *gin.Context) {
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := models.DecodeTimestamp(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		since = &t
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	traces, err := s.deps.Traces.List(c.Request.Context(), since, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"traces": traces})
}

// GetTrace handles GET /api/traces/{id}.
func (s *Server) GetTrace(c *gin.Context) {
	tr, err := s.deps.Traces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}
