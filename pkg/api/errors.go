package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/services"
)

// respondError maps service-layer errors to HTTP error responses.
func respondError(c *gin.Context, err error) {
	var roErr *services.ReadOnlyDomainError
	if errors.As(err, &roErr) {
		payload := gin.H{"error": "domain is read-only", "domainId": roErr.DomainID}
		if roErr.SymbolID != "" {
			payload["symbolId"] = roErr.SymbolID
		}
		c.JSON(http.StatusBadRequest, payload)
		return
	}
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, services.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, services.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"status": "busy", "error": "context session has an active message"})
	case errors.Is(err, services.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, services.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "already running"})
	case errors.Is(err, services.ErrUnavailable):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service unavailable", "reason": err.Error()})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
