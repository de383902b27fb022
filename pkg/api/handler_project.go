package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ExportProject handles POST /api/project/export: the full knowledge base as
// a zip attachment.
func (s *Server) ExportProject(c *gin.Context) {
	archive, err := s.deps.Project.Export(c.Request.Context(), currentAuth(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="project.szproject"`)
	c.Data(http.StatusOK, "application/zip", archive)
}

type importProjectRequest struct {
	Data string `json:"data" binding:"required"`
}

// ImportProject handles POST /api/project/import {data: base64}.
func (s *Server) ImportProject(c *gin.Context) {
	var req importProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	meta, err := s.deps.Project.Import(c.Request.Context(), currentAuth(c), req.Data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "imported", "meta": meta})
}
