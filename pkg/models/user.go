package models

import "time"

// Role is a user's authorization role.
type Role string

// Roles.
const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is a kernel account as persisted in the store. PasswordHash is
// PBKDF2-SHA256 over the password with the per-user Salt; both are stored
// base64-encoded. API handlers must return Public(), never the raw record.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Salt         string    `json:"salt,omitempty"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	APIKey       string    `json:"apiKey,omitempty"`
	Role         Role      `json:"role"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PublicUser is the response projection of a user without secret material.
type PublicUser struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Public strips secret material for API responses.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		Enabled:   u.Enabled,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
