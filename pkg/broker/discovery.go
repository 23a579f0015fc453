package broker

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"strings"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/certs"
	"github.com/polyfed/polyfed/pkg/samlbridge"
)

// OpenIDConfiguration is the broker's own discovery document, letting
// service providers treat it as a regular OpenID provider.
type OpenIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// OpenIDConfig renders the static discovery document from broker
// configuration.
func (b *OAuthBroker) OpenIDConfig() OpenIDConfiguration {
	base := strings.TrimSuffix(b.cfg.ExternalURL, "/")
	return OpenIDConfiguration{
		Issuer:                            b.cfg.SAMLAudience,
		AuthorizationEndpoint:             base + "/oauth/authorize",
		TokenEndpoint:                     base + "/oauth/token",
		UserInfoEndpoint:                  base + "/oauth/userinfo",
		JWKSURI:                           base + "/oauth/jwks",
		ResponseTypesSupported:            []string{"code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"plain", "S256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post"},
	}
}

// JWK is a single RSA signing key in JWKS form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the key set backing id_token signatures.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKSDocument exposes the broker's id_token verification key. With no
// signing keys configured the set is empty, matching a deployment that
// never issues id_tokens.
func (b *OAuthBroker) JWKSDocument() (JWKS, error) {
	if b.cfg.JWTSigningKeys == nil {
		return JWKS{Keys: []JWK{}}, nil
	}

	cert, err := certs.ParseCertificate(b.cfg.JWTSigningKeys.PublicKey)
	if err != nil {
		return JWKS{}, apierror.Internal("unusable JWT signing certificate")
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return JWKS{}, apierror.Internal("JWT signing certificate does not hold an RSA key")
	}

	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: samlbridge.Thumbprint(cert),
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}, nil
}
