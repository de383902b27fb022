package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /api/health. The endpoint stays up in degraded mode;
// component failures flip the overall status, not the process.
func (s *Server) Health(c *gin.Context) {
	status := http.StatusOK
	overall := "healthy"
	components := gin.H{}

	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		components["store"] = gin.H{"status": "unhealthy", "error": err.Error()}
		overall = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		components["store"] = gin.H{"status": "healthy"}
	}

	if s.deps.VectorHealth != nil {
		if err := s.deps.VectorHealth(); err != nil {
			components["vector"] = gin.H{"status": "unhealthy", "error": err.Error()}
			overall = "degraded"
		} else {
			components["vector"] = gin.H{"status": "healthy"}
		}
	} else {
		components["vector"] = gin.H{"status": "not configured"}
	}

	c.JSON(status, gin.H{"status": overall, "components": components})
}
