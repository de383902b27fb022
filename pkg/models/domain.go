package models

import "time"

// Domain is a named set of symbols with shared invariants and ownership.
// Symbols holds the materialized member IDs; symbol bodies live under their
// own keys.
type Domain struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Invariants  []string `json:"invariants,omitempty"`
	Enabled     bool     `json:"enabled"`
	ReadOnly    bool     `json:"readOnly"`
	// SystemProtected marks domains whose readOnly flag binds even for admins.
	SystemProtected bool      `json:"systemProtected,omitempty"`
	OwnerUserID     *string   `json:"ownerUserId,omitempty"`
	Symbols         []string  `json:"symbols"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Global reports whether the domain has no owner (readable by everyone,
// writable only by admins).
func (d *Domain) Global() bool { return d.OwnerUserID == nil || *d.OwnerUserID == "" }

// OwnedBy reports whether userID owns the domain.
func (d *Domain) OwnedBy(userID string) bool {
	return d.OwnerUserID != nil && *d.OwnerUserID == userID
}

// DomainMetadata is the list-view projection of a domain.
type DomainMetadata struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Enabled     bool    `json:"enabled"`
	ReadOnly    bool    `json:"readOnly"`
	OwnerUserID *string `json:"ownerUserId,omitempty"`
	SymbolCount int     `json:"symbolCount"`
}
