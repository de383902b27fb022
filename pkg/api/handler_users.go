package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
)

// ListUsers handles GET /api/users. Admin only.
func (s *Server) ListUsers(c *gin.Context) {
	if !currentAuth(c).Admin() {
		respondError(c, services.ErrForbidden)
		return
	}
	users, err := s.deps.Auth.ListUsers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]models.PublicUser, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public())
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

type createUserRequest struct {
	Username string      `json:"username" binding:"required"`
	Password string      `json:"password" binding:"required"`
	Role     models.Role `json:"role"`
}

// CreateUser handles POST /api/users. Admin only.
func (s *Server) CreateUser(c *gin.Context) {
	if !currentAuth(c).Admin() {
		respondError(c, services.ErrForbidden)
		return
	}
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	user, err := s.deps.Auth.CreateUser(c.Request.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user.Public(), "apiKey": user.APIKey})
}

// CurrentUser handles GET /api/users/me.
func (s *Server) CurrentUser(c *gin.Context) {
	ac := currentAuth(c)
	user, err := s.deps.Auth.GetUser(c.Request.Context(), ac.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user.Public())
}

// GetUser handles GET /api/users/{id}. Admin only.
func (s *Server) GetUser(c *gin.Context) {
	if !currentAuth(c).Admin() {
		respondError(c, services.ErrForbidden)
		return
	}
	user, err := s.deps.Auth.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user.Public())
}

type updateUserRequest struct {
	Role    *models.Role `json:"role"`
	Enabled *bool        `json:"enabled"`
}

// UpdateUser handles PATCH /api/users/{id}. Admin only.
func (s *Server) UpdateUser(c *gin.Context) {
	if !currentAuth(c).Admin() {
		respondError(c, services.ErrForbidden)
		return
	}
	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := s.deps.Auth.UpdateUser(c.Request.Context(), c.Param("id"), req.Role, req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user.Public())
}

// DeleteUser handles DELETE /api/users/{id}. Admin only; self-deletion is
// rejected so the last admin cannot lock everyone out by accident.
func (s *Server) DeleteUser(c *gin.Context) {
	ac := currentAuth(c)
	if !ac.Admin() {
		respondError(c, services.ErrForbidden)
		return
	}
	id := c.Param("id")
	if id == ac.UserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete the authenticated user"})
		return
	}
	if err := s.deps.Auth.DeleteUser(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// RotateAPIKey handles POST /api/users/{id}/apikey. Admins rotate anyone's
// key; users rotate their own.
func (s *Server) RotateAPIKey(c *gin.Context) {
	ac := currentAuth(c)
	id := c.Param("id")
	if id == "me" {
		id = ac.UserID
	}
	if !ac.Admin() && id != ac.UserID {
		respondError(c, services.ErrForbidden)
		return
	}
	apiKey, err := s.deps.Auth.RotateAPIKey(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"apiKey": apiKey})
}
