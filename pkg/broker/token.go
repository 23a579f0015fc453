package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/certs"
	"github.com/polyfed/polyfed/pkg/samlbridge"
	"github.com/polyfed/polyfed/pkg/store"
)

// DummyClientID is what service providers send on flows where they
// never learned a real client_id, such as IdP-initiated logins. It must
// be paired with the shared clientSecretVerifier.
const DummyClientID = "dummy"

// TokenRequest is the form-POST body of the token endpoint.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	RedirectURI  string
}

// TokenResponse is the JSON body of a successful exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	IDToken     string `json:"id_token,omitempty"`
}

// Token exchanges a single-use code for an opaque access token,
// authenticating the caller via PKCE or client credentials.
func (b *OAuthBroker) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return nil, apierror.InvalidInput("unsupported grant_type: authorization_code is required")
	}
	if req.Code == "" {
		return nil, apierror.InvalidInput("code is required")
	}

	rec, err := b.getCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if rec.Profile.Empty() {
		return nil, apierror.Forbidden("invalid code")
	}

	if err := b.authenticateExchange(req, rec); err != nil {
		return nil, err
	}

	accessToken := randomID()
	raw, err := json.Marshal(Token{Profile: rec.Profile, Requested: rec.Requested})
	if err != nil {
		return nil, apierror.Internal("failed to encode token record: %v", err)
	}
	if err := b.kv.Put(ctx, TokenNamespace, accessToken, raw, b.cfg.TokenTTL); err != nil {
		return nil, apierror.Unavailable("token write failed: %v", err)
	}

	// Single use. A failed delete leaves the code to its TTL.
	if err := b.kv.Delete(ctx, CodeNamespace, req.Code); err != nil {
		b.logger.WithError(err).Warn("failed to delete consumed code")
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   int64(b.cfg.TokenTTL.Seconds()),
	}

	if rec.Requested.HasScope("openid") {
		idToken, err := b.signIDToken(rec)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

func (b *OAuthBroker) getCode(ctx context.Context, code string) (*Code, error) {
	raw, err := b.kv.Get(ctx, CodeNamespace, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.Forbidden("invalid code")
	}
	if err != nil {
		return nil, apierror.Unavailable("code read failed: %v", err)
	}
	var rec Code
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apierror.Internal("corrupt code record: %v", err)
	}
	return &rec, nil
}

// authenticateExchange accepts exactly one proof: a PKCE verifier
// matching the stored challenge, or client credentials on one of three
// equivalent channels.
func (b *OAuthBroker) authenticateExchange(req TokenRequest, rec *Code) error {
	if req.CodeVerifier != "" {
		if rec.CodeChallenge == "" {
			return apierror.Unauthorized("no code challenge was registered for this code")
		}
		var ok bool
		switch rec.CodeChallengeMethod {
		case "", "plain":
			ok = rec.CodeChallenge == req.CodeVerifier
		case "S256":
			ok = rec.CodeChallenge == oauth2.S256ChallengeFromVerifier(req.CodeVerifier)
		}
		if !ok {
			return apierror.Unauthorized("code_verifier does not match")
		}
		return nil
	}

	switch {
	case req.ClientID == rec.ClientID && req.ClientSecret == rec.ClientSecret:
		return nil
	case req.ClientSecret == b.cfg.ClientSecretVerifier && b.cfg.ClientSecretVerifier != "":
		if req.ClientID == DummyClientID {
			return nil
		}
		tenant, product := decodeTenantProduct(AuthorizeRequest{ClientID: req.ClientID})
		if tenant == rec.Requested.Tenant && product == rec.Requested.Product && tenant != "" {
			return nil
		}
	}
	return apierror.Unauthorized("invalid client credentials")
}

// signIDToken issues the RS256 id_token for openid-scoped exchanges.
func (b *OAuthBroker) signIDToken(rec *Code) (string, error) {
	if b.cfg.JWTSigningKeys == nil {
		return "", apierror.Internal("JWT signing keys are not loaded")
	}
	key, err := certs.ParsePrivateKey(b.cfg.JWTSigningKeys.PrivateKey)
	if err != nil {
		return "", apierror.Internal("unusable JWT signing key: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": b.cfg.SAMLAudience,
		"sub": rec.Profile.ID,
		"aud": rec.Requested.ClientID,
		"exp": now.Add(b.cfg.TokenTTL).Unix(),
		"iat": now.Unix(),
	}
	if rec.Profile.Email != "" {
		claims["email"] = rec.Profile.Email
	}
	if rec.Profile.FirstName != "" {
		claims["given_name"] = rec.Profile.FirstName
	}
	if rec.Profile.LastName != "" {
		claims["family_name"] = rec.Profile.LastName
	}
	if rec.Requested.Nonce != "" {
		claims["nonce"] = rec.Requested.Nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if cert, err := certs.ParseCertificate(b.cfg.JWTSigningKeys.PublicKey); err == nil {
		token.Header["kid"] = samlbridge.Thumbprint(cert)
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", apierror.Internal("failed to sign id_token: %v", err)
	}
	return signed, nil
}

// UserInfoResponse is the normalized profile plus the original request
// context that produced it.
type UserInfoResponse struct {
	ID        string                 `json:"id"`
	Email     string                 `json:"email"`
	FirstName string                 `json:"firstName"`
	LastName  string                 `json:"lastName"`
	Raw       map[string]interface{} `json:"raw,omitempty"`
	Requested Requested              `json:"requested"`
}

// UserInfo resolves a bearer token back to the profile it was issued for.
func (b *OAuthBroker) UserInfo(ctx context.Context, accessToken string) (*UserInfoResponse, error) {
	raw, err := b.kv.Get(ctx, TokenNamespace, accessToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.Forbidden("invalid token")
	}
	if err != nil {
		return nil, apierror.Unavailable("token read failed: %v", err)
	}

	var rec Token
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apierror.Internal("corrupt token record: %v", err)
	}
	if rec.Profile.Empty() {
		return nil, apierror.Forbidden("invalid token")
	}

	return &UserInfoResponse{
		ID:        rec.Profile.ID,
		Email:     rec.Profile.Email,
		FirstName: rec.Profile.FirstName,
		LastName:  rec.Profile.LastName,
		Raw:       rec.Profile.Raw,
		Requested: rec.Requested,
	}, nil
}
