// Package profile holds the normalized user profile the broker extracts
// from upstream SAML assertions and OIDC claims.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
)

// Profile is the normalized claim set handed back to service providers.
// Raw carries every upstream attribute untouched.
type Profile struct {
	ID        string                 `json:"id"`
	Email     string                 `json:"email"`
	FirstName string                 `json:"firstName"`
	LastName  string                 `json:"lastName"`
	Raw       map[string]interface{} `json:"raw,omitempty"`
}

// Normalize fills in a deterministic ID when the upstream assertion omitted
// one but supplied an email: the same email always yields the same ID.
func (p *Profile) Normalize() {
	if p.ID == "" && p.Email != "" {
		sum := sha256.Sum256([]byte(p.Email))
		p.ID = hex.EncodeToString(sum[:])
	}
}

// Empty reports whether the profile carries no usable identity.
func (p *Profile) Empty() bool {
	return p.ID == "" && p.Email == ""
}
