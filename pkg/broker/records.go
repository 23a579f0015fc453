package broker

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/polyfed/polyfed/pkg/profile"
)

// Store namespaces for the broker's ephemeral state. TTL expiry is
// enforced by the store, not by the broker.
const (
	SessionNamespace = "sessions"
	CodeNamespace    = "codes"
	TokenNamespace   = "tokens"
)

// Default TTLs. Session TTL must comfortably exceed a round trip to the
// IdP including the user typing a password.
const (
	DefaultSessionTTL = 5 * time.Minute
	DefaultCodeTTL    = 3 * time.Minute
	DefaultTokenTTL   = 5 * time.Minute
)

// DefaultRelayStatePrefix namespaces this broker's RelayState values
// against any other producer passing through the same IdP.
const DefaultRelayStatePrefix = "polyfed_"

// Requested captures the service provider's original authorize request.
// It rides along through the session, code and token records so every
// later leg can see what was asked for.
type Requested struct {
	ClientID    string   `json:"client_id"`
	State       string   `json:"state"`
	RedirectURI string   `json:"redirect_uri"`
	Tenant      string   `json:"tenant"`
	Product     string   `json:"product"`
	Scope       []string `json:"scope,omitempty"`
	Nonce       string   `json:"nonce,omitempty"`
}

// HasScope reports whether the original request asked for the scope.
func (r Requested) HasScope(scope string) bool {
	for _, s := range r.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// Session is written at authorize time and consumed exactly once when
// the IdP response arrives. Its key travels on the wire as
// prefix+sessionID in RelayState (SAML) or state (OIDC).
type Session struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"requestId,omitempty"`
	ConnectionID string    `json:"connectionID"`
	Requested    Requested `json:"requested"`

	// PKCE challenge supplied by the service provider, verified at the
	// token endpoint.
	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`

	// PKCE verifier and nonce this broker generated for the upstream
	// OIDC leg.
	OIDCCodeVerifier string `json:"oidcCodeVerifier,omitempty"`
	OIDCNonce        string `json:"oidcNonce,omitempty"`
}

// Code is minted after a validated IdP response and exchanged exactly
// once at the token endpoint.
type Code struct {
	Profile      profile.Profile `json:"profile"`
	ClientID     string          `json:"clientID"`
	ClientSecret string          `json:"clientSecret"`
	Requested    Requested       `json:"requested"`

	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`
}

// Token backs an issued opaque access token.
type Token struct {
	Profile   profile.Profile `json:"profile"`
	Requested Requested       `json:"requested"`
}

// LogoutSession tracks an in-flight SLO exchange.
type LogoutSession struct {
	ID          string `json:"id"`
	RequestID   string `json:"requestId"`
	RedirectURL string `json:"redirectUrl"`
}

// randomID returns a URL-safe random identifier for sessions, codes and
// tokens.
func randomID() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
