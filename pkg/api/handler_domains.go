package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/registry"
)

// ListDomains handles GET /api/domains.
func (s *Server) ListDomains(c *gin.Context) {
	metadata, err := s.deps.Registry.GetMetadata(c.Request.Context(), currentAuth(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domains": metadata})
}

// CreateDomain handles POST /api/domains.
func (s *Server) CreateDomain(c *gin.Context) {
	var domain models.Domain
	if err := c.ShouldBindJSON(&domain); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.deps.Registry.CreateDomain(c.Request.Context(), currentAuth(c), domain)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetDomain handles GET /api/domains/{id}.
func (s *Server) GetDomain(c *gin.Context) {
	domain, err := s.deps.Registry.Get(c.Request.Context(), currentAuth(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, domain)
}

// DomainExists handles GET /api/domains/{id}/exists. Invisible domains read
// as absent.
func (s *Server) DomainExists(c *gin.Context) {
	_, err := s.deps.Registry.Get(c.Request.Context(), currentAuth(c), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"exists": err == nil})
}

// DomainEnabled handles GET /api/domains/{id}/enabled.
func (s *Server) DomainEnabled(c *gin.Context) {
	domain, err := s.deps.Registry.Get(c.Request.Context(), currentAuth(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": domain.Enabled})
}

type toggleDomainRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleDomain handles POST /api/domains/{id}/toggle.
func (s *Server) ToggleDomain(c *gin.Context) {
	var req toggleDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	domain, err := s.deps.Registry.ToggleDomain(c.Request.Context(), currentAuth(c),
		c.Param("id"), req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, domain)
}

// PatchDomain handles PATCH /api/domains/{id}.
func (s *Server) PatchDomain(c *gin.Context) {
	var patch registry.DomainPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	domain, err := s.deps.Registry.UpdateDomainMetadata(c.Request.Context(), currentAuth(c),
		c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, domain)
}

// DeleteDomain handles DELETE /api/domains/{id}.
func (s *Server) DeleteDomain(c *gin.Context) {
	if err := s.deps.Registry.DeleteDomain(c.Request.Context(), currentAuth(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListSymbols handles GET /api/domains/{id}/symbols.
func (s *Server) ListSymbols(c *gin.Context) {
	symbols, err := s.deps.Registry.GetSymbols(c.Request.Context(), currentAuth(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols})
}

// QuerySymbols handles GET /api/domains/{id}/query?tag=…&limit=…&lastId=….
func (s *Server) QuerySymbols(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := s.deps.Registry.Query(c.Request.Context(), currentAuth(c),
		c.Param("id"), c.Query("tag"), limit, c.Query("lastId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// UpsertSymbol handles POST /api/domains/{id}/symbols. The body is the
// symbol; ?bypassValidation=true skips reference checks.
func (s *Server) UpsertSymbol(c *gin.Context) {
	var symbol models.Symbol
	if err := c.ShouldBindJSON(&symbol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts := registry.UpsertOptions{BypassValidation: c.Query("bypassValidation") == "true"}
	saved, err := s.deps.Registry.UpsertSymbol(c.Request.Context(), currentAuth(c),
		c.Param("id"), symbol, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

type bulkUpsertRequest struct {
	Symbols          []models.Symbol `json:"symbols" binding:"required"`
	BypassValidation bool            `json:"bypassValidation"`
}

// BulkUpsertSymbols handles POST /api/domains/{id}/symbols/bulk. Per-symbol
// failures are collected, not fatal.
func (s *Server) BulkUpsertSymbols(c *gin.Context) {
	var req bulkUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.deps.Registry.BulkUpsert(c.Request.Context(), currentAuth(c),
		c.Param("id"), req.Symbols, registry.UpsertOptions{BypassValidation: req.BypassValidation})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type renameSymbolRequest struct {
	OldID string `json:"oldId" binding:"required"`
	NewID string `json:"newId" binding:"required"`
}

// RenameSymbol handles POST /api/domains/{id}/symbols/rename.
func (s *Server) RenameSymbol(c *gin.Context) {
	var req renameSymbolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Registry.PropagateRename(c.Request.Context(), currentAuth(c),
		c.Param("id"), req.OldID, req.NewID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "renamed"})
}

// DeleteSymbol handles DELETE /api/domains/{d}/symbols/{s}?cascade=….
func (s *Server) DeleteSymbol(c *gin.Context) {
	cascade := c.Query("cascade") == "true"
	if err := s.deps.Registry.DeleteSymbol(c.Request.Context(), currentAuth(c),
		c.Param("id"), c.Param("sid"), cascade); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
