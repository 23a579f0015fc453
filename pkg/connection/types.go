// Package connection holds the registry of SSO connections and the
// resolver that picks one for an incoming authentication flow. A
// connection binds a tenant/product pair to a single upstream identity
// provider, either SAML or OIDC.
package connection

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/polyfed/polyfed/pkg/certs"
	"github.com/polyfed/polyfed/pkg/oidcrelay"
	"github.com/polyfed/polyfed/pkg/samlbridge"
)

// Type discriminates the two connection variants.
type Type string

const (
	TypeSAML Type = "saml"
	TypeOIDC Type = "oidc"
)

// OIDCProvider is the upstream provider half of an OIDC connection.
// Exactly one of DiscoveryURL or Metadata is set.
type OIDCProvider struct {
	DiscoveryURL string                     `json:"discoveryUrl,omitempty"`
	Metadata     *oidcrelay.ProviderMetadata `json:"metadata,omitempty"`
	ClientID     string                     `json:"clientId"`
	ClientSecret string                     `json:"clientSecret"`
	Provider     string                     `json:"provider"`
}

// Connection is a registered SSO connection. The shared envelope is
// always populated; exactly one of IdPMetadata (SAML) or OIDCProvider
// (OIDC) is set.
type Connection struct {
	ClientID           string   `json:"clientID"`
	ClientSecret       string   `json:"clientSecret"`
	Tenant             string   `json:"tenant"`
	Product            string   `json:"product"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	RedirectURLs       []string `json:"redirectUrl"`
	DefaultRedirectURL string   `json:"defaultRedirectUrl"`
	Deactivated        bool     `json:"deactivated"`

	IdPMetadata      *samlbridge.IdPMetadata `json:"idpMetadata,omitempty"`
	Certs            *certs.KeyPair          `json:"certs,omitempty"`
	ForceAuthn       bool                    `json:"forceAuthn,omitempty"`
	IdentifierFormat string                  `json:"identifierFormat,omitempty"`

	OIDCProvider *OIDCProvider `json:"oidcProvider,omitempty"`
}

func (c *Connection) IsSAML() bool { return c.IdPMetadata != nil }
func (c *Connection) IsOIDC() bool { return c.OIDCProvider != nil }

func (c *Connection) Type() Type {
	if c.IsOIDC() {
		return TypeOIDC
	}
	return TypeSAML
}

// Provider returns the human-readable upstream provider name.
func (c *Connection) Provider() string {
	if c.IsSAML() {
		return c.IdPMetadata.Provider
	}
	if c.IsOIDC() {
		return c.OIDCProvider.Provider
	}
	return ""
}

// RelayClient builds the oidcrelay client for an OIDC connection.
func (c *Connection) RelayClient(redirectURL string, scopes []string) oidcrelay.Client {
	return oidcrelay.Client{
		DiscoveryURL: c.OIDCProvider.DiscoveryURL,
		Metadata:     c.OIDCProvider.Metadata,
		ClientID:     c.OIDCProvider.ClientID,
		ClientSecret: c.OIDCProvider.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// DeriveClientID computes the stable connection identifier. It is a
// one-way digest of the tenant, product, and upstream identifier, so
// re-registering the same upstream entity always yields the same ID.
func DeriveClientID(tenant, product, upstreamID string) string {
	sum := sha256.Sum256([]byte(tenant + ":" + product + ":" + upstreamID))
	return "pf_" + hex.EncodeToString(sum[:])
}
