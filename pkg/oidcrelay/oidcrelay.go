// Package oidcrelay drives the upstream leg of OIDC connections: issuer
// discovery, authorization URL construction with PKCE, and the
// authorization-code exchange against the provider's token endpoint.
package oidcrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/profile"
)

const discoveryCacheSize = 128

// wellKnownSuffix is tolerated on configured discovery URLs; go-oidc
// expects the bare issuer and appends it itself.
const wellKnownSuffix = "/.well-known/openid-configuration"

// ProviderMetadata is an inline alternative to issuer discovery for
// providers that do not publish a well-known document.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Client describes the upstream provider for a single connection.
type Client struct {
	DiscoveryURL string
	Metadata     *ProviderMetadata
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Authorization is the outcome of BuildAuthorizationURL. CodeVerifier and
// Nonce must be persisted alongside the session so the callback leg can
// complete the exchange.
type Authorization struct {
	URL          string
	CodeVerifier string
	Nonce        string
}

// UpstreamError carries an OAuth error reported by the upstream provider.
// Its code and description are forwarded to the service provider verbatim.
type UpstreamError struct {
	Code        string
	Description string
}

func (e *UpstreamError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Relay performs OIDC discovery and token exchange on behalf of
// registered connections. Discovery results are cached per issuer and
// concurrent misses are collapsed into a single fetch.
type Relay struct {
	cache *lru.Cache[string, *oidc.Provider]
	group singleflight.Group
}

func NewRelay() *Relay {
	cache, _ := lru.New[string, *oidc.Provider](discoveryCacheSize)
	return &Relay{cache: cache}
}

func (r *Relay) provider(ctx context.Context, cfg Client) (*oidc.Provider, error) {
	if cfg.Metadata != nil {
		m := cfg.Metadata
		pc := &oidc.ProviderConfig{
			IssuerURL:   m.Issuer,
			AuthURL:     m.AuthorizationEndpoint,
			TokenURL:    m.TokenEndpoint,
			UserInfoURL: m.UserInfoEndpoint,
			JWKSURL:     m.JWKSURI,
		}
		return pc.NewProvider(ctx), nil
	}

	issuer := strings.TrimSuffix(strings.TrimSuffix(cfg.DiscoveryURL, "/"), wellKnownSuffix)
	issuer = strings.TrimSuffix(issuer, "/")
	if issuer == "" {
		return nil, apierror.InvalidInput("connection has no OIDC discovery URL or metadata")
	}

	if p, ok := r.cache.Get(issuer); ok {
		return p, nil
	}

	v, err, _ := r.group.Do(issuer, func() (interface{}, error) {
		p, err := oidc.NewProvider(ctx, issuer)
		if err != nil {
			return nil, apierror.Unavailable("OIDC discovery failed for %s: %v", issuer, err)
		}
		r.cache.Add(issuer, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oidc.Provider), nil
}

func (r *Relay) oauth2Config(ctx context.Context, cfg Client) (*oauth2.Config, *oidc.Provider, error) {
	p, err := r.provider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       mergeScopes(cfg.Scopes),
	}, p, nil
}

// BuildAuthorizationURL returns the upstream authorization URL for the
// given state, with a fresh PKCE verifier and nonce bound to it.
func (r *Relay) BuildAuthorizationURL(ctx context.Context, cfg Client, state string) (*Authorization, error) {
	oc, _, err := r.oauth2Config(ctx, cfg)
	if err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()
	nonce := uuid.NewString()

	url := oc.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	)
	return &Authorization{URL: url, CodeVerifier: verifier, Nonce: nonce}, nil
}

// ExchangeCode redeems the upstream authorization code, verifies the
// returned id_token against the provider's keys and the nonce bound to
// the flow, and resolves the authenticated user's profile from the
// userinfo endpoint.
func (r *Relay) ExchangeCode(ctx context.Context, cfg Client, code, codeVerifier, nonce string) (profile.Profile, error) {
	oc, p, err := r.oauth2Config(ctx, cfg)
	if err != nil {
		return profile.Profile{}, err
	}

	token, err := oc.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return profile.Profile{}, &UpstreamError{Code: re.ErrorCode, Description: re.ErrorDescription}
		}
		return profile.Profile{}, apierror.Unauthorized("token exchange failed: %v", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return profile.Profile{}, apierror.Unauthorized("upstream token response carried no id_token")
	}
	idToken, err := p.Verifier(&oidc.Config{ClientID: cfg.ClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return profile.Profile{}, apierror.Unauthorized("id_token verification failed: %v", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return profile.Profile{}, apierror.Unauthorized("id_token nonce mismatch")
	}

	info, err := p.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return profile.Profile{}, apierror.Unavailable("userinfo request failed: %v", err)
	}

	var claims map[string]interface{}
	if err := info.Claims(&claims); err != nil {
		return profile.Profile{}, apierror.Internal("failed to parse userinfo claims: %v", err)
	}

	prof := profile.Profile{
		ID:        stringClaim(claims, "sub"),
		Email:     stringClaim(claims, "email"),
		FirstName: stringClaim(claims, "given_name"),
		LastName:  stringClaim(claims, "family_name"),
		Raw:       claims,
	}
	prof.Normalize()
	return prof, nil
}

// mergeScopes unions the requested scopes with the baseline OIDC set,
// preserving request order and dropping duplicates.
func mergeScopes(requested []string) []string {
	seen := make(map[string]bool, len(requested)+3)
	var out []string
	for _, s := range requested {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range []string{oidc.ScopeOpenID, "email", "profile"} {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func stringClaim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
