package oidcrelay

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyfed/polyfed/pkg/apierror"
)

const testKeyID = "relay-test-key"

// fakeProvider serves just enough of an OIDC provider for the exchange
// path: a token endpoint minting signed id_tokens, the JWKS backing
// them, and a userinfo endpoint.
type fakeProvider struct {
	srv           *httptest.Server
	key           *rsa.PrivateKey
	tokenStatus   int
	tokenBody     map[string]interface{}
	userinfoBody  map[string]interface{}
	idTokenNonce  string
	omitIDToken   bool
	lastTokenForm url.Values
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fp := &fakeProvider{
		key:         key,
		tokenStatus: http.StatusOK,
		tokenBody: map[string]interface{}{
			"access_token": "upstream-at",
			"token_type":   "bearer",
			"expires_in":   3600,
		},
		userinfoBody: map[string]interface{}{
			"sub":         "user-1",
			"email":       "jane@example.com",
			"given_name":  "Jane",
			"family_name": "Doe",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fp.lastTokenForm = r.PostForm
		if fp.tokenStatus == http.StatusOK && !fp.omitIDToken {
			fp.tokenBody["id_token"] = fp.mintIDToken(t, fp.idTokenNonce)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fp.tokenStatus)
		_ = json.NewEncoder(w).Encode(fp.tokenBody)
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		pub := fp.key.Public().(*rsa.PublicKey)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]interface{}{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": testKeyID,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer upstream-at", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fp.userinfoBody)
	})

	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) mintIDToken(t *testing.T, nonce string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": fp.srv.URL,
		"aud": "client-1",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(fp.key)
	require.NoError(t, err)
	return signed
}

func (fp *fakeProvider) client() Client {
	return Client{
		Metadata: &ProviderMetadata{
			Issuer:                fp.srv.URL,
			AuthorizationEndpoint: fp.srv.URL + "/authorize",
			TokenEndpoint:         fp.srv.URL + "/token",
			UserInfoEndpoint:      fp.srv.URL + "/userinfo",
			JWKSURI:               fp.srv.URL + "/jwks",
		},
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURL:  "https://broker.example.com/oauth/oidc",
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	fp := newFakeProvider(t)
	cfg := fp.client()
	cfg.Scopes = []string{"openid", "groups"}

	auth, err := NewRelay().BuildAuthorizationURL(context.Background(), cfg, "state-1")
	require.NoError(t, err)

	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, auth.Nonce, q.Get("nonce"))
	assert.NotEmpty(t, auth.CodeVerifier)
	assert.Equal(t, "openid groups email profile", q.Get("scope"))
}

func TestBuildAuthorizationURLNoProvider(t *testing.T) {
	_, err := NewRelay().BuildAuthorizationURL(context.Background(), Client{ClientID: "c"}, "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery")
}

func TestExchangeCode(t *testing.T) {
	fp := newFakeProvider(t)
	fp.idTokenNonce = "n-1"

	prof, err := NewRelay().ExchangeCode(context.Background(), fp.client(), "code-1", "verifier-1", "n-1")
	require.NoError(t, err)

	assert.Equal(t, "user-1", prof.ID)
	assert.Equal(t, "jane@example.com", prof.Email)
	assert.Equal(t, "Jane", prof.FirstName)
	assert.Equal(t, "Doe", prof.LastName)

	assert.Equal(t, "code-1", fp.lastTokenForm.Get("code"))
	assert.Equal(t, "verifier-1", fp.lastTokenForm.Get("code_verifier"))
	assert.Equal(t, "authorization_code", fp.lastTokenForm.Get("grant_type"))
}

func TestExchangeCodeMissingIDToken(t *testing.T) {
	fp := newFakeProvider(t)
	fp.omitIDToken = true

	_, err := NewRelay().ExchangeCode(context.Background(), fp.client(), "code-1", "verifier-1", "n-1")
	require.Error(t, err)
	assert.Equal(t, 401, apierror.StatusOf(err))
	assert.Contains(t, err.Error(), "id_token")
}

func TestExchangeCodeNonceMismatch(t *testing.T) {
	fp := newFakeProvider(t)
	fp.idTokenNonce = "stale-nonce"

	_, err := NewRelay().ExchangeCode(context.Background(), fp.client(), "code-1", "verifier-1", "n-1")
	require.Error(t, err)
	assert.Equal(t, 401, apierror.StatusOf(err))
	assert.Contains(t, err.Error(), "nonce")
}

func TestExchangeCodeBadSignature(t *testing.T) {
	fp := newFakeProvider(t)

	// An id_token signed with a key the JWKS never published.
	foreignKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	foreign := &fakeProvider{srv: fp.srv, key: foreignKey}
	fp.tokenBody["id_token"] = foreign.mintIDToken(t, "n-1")
	fp.omitIDToken = true // keep the handler from overwriting it

	_, err = NewRelay().ExchangeCode(context.Background(), fp.client(), "code-1", "verifier-1", "n-1")
	require.Error(t, err)
	assert.Equal(t, 401, apierror.StatusOf(err))
	assert.Contains(t, err.Error(), "verification failed")
}

func TestExchangeCodeMissingSub(t *testing.T) {
	fp := newFakeProvider(t)
	fp.idTokenNonce = "n-1"
	fp.userinfoBody = map[string]interface{}{"email": "jane@example.com"}

	prof, err := NewRelay().ExchangeCode(context.Background(), fp.client(), "code-1", "verifier-1", "n-1")
	require.NoError(t, err)
	assert.NotEmpty(t, prof.ID, "profile id must fall back to a digest of the email")
	assert.Equal(t, "jane@example.com", prof.Email)
}

func TestExchangeCodeUpstreamError(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenStatus = http.StatusBadRequest
	fp.tokenBody = map[string]interface{}{
		"error":             "invalid_grant",
		"error_description": "authorization code expired",
	}

	_, err := NewRelay().ExchangeCode(context.Background(), fp.client(), "code-1", "verifier-1", "n-1")
	require.Error(t, err)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "invalid_grant", ue.Code)
	assert.Equal(t, "authorization code expired", ue.Description)
}

func TestDiscoveryCached(t *testing.T) {
	var hits int
	var issuer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/.well-known/openid-configuration") {
			http.NotFound(w, r)
			return
		}
		hits++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"issuer": %q,
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"jwks_uri": %q,
			"userinfo_endpoint": %q
		}`, issuer, issuer+"/authorize", issuer+"/token", issuer+"/jwks", issuer+"/userinfo")
	}))
	defer srv.Close()
	issuer = srv.URL

	relay := NewRelay()
	cfg := Client{
		// The well-known suffix on a configured URL is tolerated.
		DiscoveryURL: srv.URL + "/.well-known/openid-configuration",
		ClientID:     "client-1",
	}

	for i := 0; i < 3; i++ {
		_, err := relay.BuildAuthorizationURL(context.Background(), cfg, "s")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, hits)
}

func TestMergeScopes(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		expected  []string
	}{
		{
			name:     "empty gets baseline",
			expected: []string{"openid", "email", "profile"},
		},
		{
			name:      "requested order preserved",
			requested: []string{"groups", "openid"},
			expected:  []string{"groups", "openid", "email", "profile"},
		},
		{
			name:      "duplicates dropped",
			requested: []string{"email", "email", ""},
			expected:  []string{"email", "openid", "profile"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mergeScopes(tt.requested))
		})
	}
}
