// Package auth provides the authorization context and the user/credential
// service. The Context value is passed explicitly into every service call
// that touches per-user state; there is no ambient current-user global.
package auth

import "github.com/signalzero/kernel/pkg/models"

// Context identifies the caller for the duration of one request.
type Context struct {
	UserID   string
	Username string
	Role     models.Role
}

// Admin reports whether the caller holds the admin role.
func (c Context) Admin() bool { return c.Role == models.RoleAdmin }

// Internal returns the synthetic admin context used by service-to-service
// calls (x-internal-key) and system paths such as recovery and migration.
func Internal() Context {
	return Context{UserID: "", Username: "internal", Role: models.RoleAdmin}
}
