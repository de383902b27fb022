package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/services"
)

type chatRequest struct {
	Message          string `json:"message" binding:"required"`
	ContextSessionID string `json:"contextSessionId" binding:"required"`
	MessageID        string `json:"messageId"`
}

// Chat handles POST /api/chat: acquires the session lock and processes the
// message in the background, or queues it when a turn is already running.
func (s *Server) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := s.submitMessage(c, currentAuth(c), req.ContextSessionID, req.Message, req.MessageID, false)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": status, "contextSessionId": req.ContextSessionID})
}

// submitMessage starts a turn when the session is idle. A busy session either
// queues the message (trigger) or surfaces ErrBusy (chat). Returns the
// resulting status string.
func (s *Server) submitMessage(c *gin.Context, ac auth.Context, sessionID, message, messageID string, queueWhenBusy bool) (string, error) {
	ctx := c.Request.Context()
	if _, err := s.deps.Sessions.Get(ctx, ac, sessionID); err != nil {
		return "", err
	}
	if messageID == "" {
		messageID = uuid.New().String()
	}
	err := s.deps.Sessions.SetActiveMessage(ctx, sessionID, messageID)
	if errors.Is(err, services.ErrBusy) {
		if !queueWhenBusy {
			return "", err
		}
		if err := s.deps.Sessions.EnqueueMessage(ctx, sessionID, message, messageID); err != nil {
			return "", err
		}
		return "queued", nil
	}
	if err != nil {
		return "", err
	}
	s.deps.Processor.ProcessMessageAsync(ac, sessionID, message, messageID)
	return "processing", nil
}

type chatStopRequest struct {
	ContextSessionID string `json:"contextSessionId" binding:"required"`
}

// ChatStop handles POST /api/chat/stop: requests cooperative cancellation of
// the session's in-flight turn.
func (s *Server) ChatStop(c *gin.Context) {
	var req chatStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Sessions.RequestCancellation(c.Request.Context(), currentAuth(c),
		req.ContextSessionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancellation requested"})
}
