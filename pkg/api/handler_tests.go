package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/models"
)

// ListTestSets handles GET /api/tests/sets.
func (s *Server) ListTestSets(c *gin.Context) {
	sets, err := s.deps.Tests.ListSets(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"testSets": sets})
}

// UpsertTestSet handles POST /api/tests/sets.
func (s *Server) UpsertTestSet(c *gin.Context) {
	var set models.TestSet
	if err := c.ShouldBindJSON(&set); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := s.deps.Tests.UpsertSet(c.Request.Context(), set)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// GetTestSet handles GET /api/tests/sets/{id}.
func (s *Server) GetTestSet(c *gin.Context) {
	set, err := s.deps.Tests.GetSet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// DeleteTestSet handles DELETE /api/tests/sets/{id}.
func (s *Server) DeleteTestSet(c *gin.Context) {
	if err := s.deps.Tests.DeleteSet(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListTestRuns handles GET /api/tests/runs?limit=….
func (s *Server) ListTestRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := s.deps.Tests.ListRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"testRuns": runs})
}

type startTestRunRequest struct {
	TestSetID            string `json:"testSetId" binding:"required"`
	CompareWithBaseModel bool   `json:"compareWithBaseModel"`
}

// StartTestRun handles POST /api/tests/runs: the run executes in the
// background; the created record comes back immediately.
func (s *Server) StartTestRun(c *gin.Context) {
	var req startTestRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.deps.Tests.StartRun(c.Request.Context(), currentAuth(c),
		req.TestSetID, req.CompareWithBaseModel)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// GetTestRun handles GET /api/tests/runs/{id}.
func (s *Server) GetTestRun(c *gin.Context) {
	run, err := s.deps.Tests.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// StopTestRun handles POST /api/tests/runs/{id}/stop.
func (s *Server) StopTestRun(c *gin.Context) {
	if err := s.deps.Tests.StopRun(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stop requested"})
}

// ResumeTestRun handles POST /api/tests/runs/{id}/resume.
func (s *Server) ResumeTestRun(c *gin.Context) {
	run, err := s.deps.Tests.ResumeRun(c.Request.Context(), currentAuth(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// TestRunResults handles GET /api/tests/runs/{id}/results.
func (s *Server) TestRunResults(c *gin.Context) {
	run, err := s.deps.Tests.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": run.Results, "summary": run.Summary})
}

// RerunTestCase handles POST /api/tests/runs/{id}/cases/{cid}/rerun.
func (s *Server) RerunTestCase(c *gin.Context) {
	run, err := s.deps.Tests.RerunCase(c.Request.Context(), currentAuth(c),
		c.Param("id"), c.Param("cid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
