package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/services"
)

// GetSymbol handles GET /api/symbols/{id}: a cross-domain lookup over the
// caller's visible domains.
func (s *Server) GetSymbol(c *gin.Context) {
	symbol, err := s.deps.Registry.FindByID(c.Request.Context(), currentAuth(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, symbol)
}

// SearchSymbols handles GET /api/symbols/search. A non-empty q goes to the
// vector index; otherwise time and metadata filters drive a scan. Time
// filters use the base64-ms encoding; time_between is two comma-separated
// values. metadata is a JSON object of field/value pairs.
func (s *Server) SearchSymbols(c *gin.Context) {
	opts := registry.SearchOptions{}
	if raw := c.Query("limit"); raw != "" {
		opts.Limit, _ = strconv.Atoi(raw)
	}
	if raw := c.Query("domains"); raw != "" {
		opts.Domains = strings.Split(raw, ",")
	}
	if raw := c.Query("time_gte"); raw != "" {
		t, err := models.DecodeTimestamp(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid time_gte"})
			return
		}
		opts.TimeGTE = &t
	}
	if raw := c.Query("time_between"); raw != "" {
		parts := strings.SplitN(raw, ",", 2)
		if len(parts) != 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "time_between needs two values"})
			return
		}
		from, err1 := models.DecodeTimestamp(parts[0])
		to, err2 := models.DecodeTimestamp(parts[1])
		if err1 != nil || err2 != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid time_between"})
			return
		}
		opts.TimeBetween = &[2]time.Time{from, to}
	}
	if raw := c.Query("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.MetadataFilter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "metadata must be a JSON object"})
			return
		}
	}

	query := c.Query("q")
	if query == "" && opts.TimeGTE == nil && opts.TimeBetween == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q or a time filter is required"})
		return
	}

	results, err := s.deps.Registry.Search(c.Request.Context(), currentAuth(c), query, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type refactorRequest struct {
	Updates []registry.RefactorUpdate `json:"updates" binding:"required"`
}

// RefactorSymbols handles POST /api/symbols/refactor.
func (s *Server) RefactorSymbols(c *gin.Context) {
	var req refactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.deps.Registry.ProcessRefactorOperation(c.Request.Context(), currentAuth(c), req.Updates)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type compressRequest struct {
	Domain string        `json:"domain" binding:"required"`
	Symbol models.Symbol `json:"symbol" binding:"required"`
	OldIDs []string      `json:"oldIds" binding:"required"`
}

// CompressSymbols handles POST /api/symbols/compress: replaces a set of
// symbols with one summary symbol and rewrites references.
func (s *Server) CompressSymbols(c *gin.Context) {
	var req compressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol, err := s.deps.Registry.CompressSymbols(c.Request.Context(), currentAuth(c),
		req.Domain, req.Symbol, req.OldIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, symbol)
}

type reindexRequest struct {
	IncludeDisabled bool `json:"includeDisabled"`
}

// StartReindex handles POST /api/vector/reindex. Admin only; a second call
// while a rebuild is running returns 409.
func (s *Server) StartReindex(c *gin.Context) {
	if !currentAuth(c).Admin() {
		respondError(c, services.ErrForbidden)
		return
	}
	var req reindexRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if progress, err := s.deps.Reindexer.CurrentProgress(c.Request.Context()); err == nil && progress != nil {
		respondError(c, services.ErrAlreadyRunning)
		return
	}
	go func() {
		if _, err := s.deps.Reindexer.Run(context.Background(), req.IncludeDisabled); err != nil &&
			!errors.Is(err, services.ErrAlreadyRunning) {
			slog.Error("Reindex failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// ReindexStatus handles GET /api/vector/reindex/status.
func (s *Server) ReindexStatus(c *gin.Context) {
	progress, err := s.deps.Reindexer.CurrentProgress(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if progress == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, progress)
}
