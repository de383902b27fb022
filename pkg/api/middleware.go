package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/auth"
)

const authContextKey = "authContext"

// requireAuth resolves the request's credential headers into an auth context
// and aborts with 401 when none resolve.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := auth.Credentials{
			BearerToken: bearerToken(c),
			APIKey:      c.GetHeader("x-api-key"),
			InternalKey: c.GetHeader("x-internal-key"),
		}
		ac, err := s.deps.Auth.Resolve(c.Request.Context(), creds)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(authContextKey, ac)
		c.Next()
	}
}

// bearerToken extracts the session token from Authorization: Bearer or the
// x-auth-token fallback header.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.GetHeader("x-auth-token")
}

// currentAuth returns the auth context stored by requireAuth.
func currentAuth(c *gin.Context) auth.Context {
	v, _ := c.Get(authContextKey)
	ac, _ := v.(auth.Context)
	return ac
}

// requestLogger logs one line per request with latency and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
