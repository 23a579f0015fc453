package samlbridge

import (
	"fmt"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/certs"
)

// RequestParams describes one outbound AuthnRequest.
type RequestParams struct {
	Metadata         *IdPMetadata
	CallbackURL      string // broker ACS endpoint
	EntityID         string // broker's SP entity ID
	RelayState       string
	ForceAuthn       bool
	IdentifierFormat string
	SigningKeys      *certs.KeyPair // nil leaves the request unsigned
}

// Request is a built AuthnRequest, dispatched over exactly one binding:
// RedirectURL for HTTP-Redirect (deflate+base64 query), PostForm for
// HTTP-POST (auto-submitting HTML form).
type Request struct {
	ID          string
	RedirectURL string
	PostForm    []byte
}

// BuildRequest constructs (and, when signing keys are supplied, signs) a
// SAML AuthnRequest for the IdP described by params.Metadata. Binding is
// chosen from the metadata: HTTP-Redirect when available, else HTTP-POST.
func BuildRequest(params RequestParams) (*Request, error) {
	if params.Metadata.SSORedirectURL == "" && params.Metadata.SSOPostURL == "" {
		return nil, apierror.InvalidInput("IdP metadata for %s exposes no supported SSO binding", params.Metadata.EntityID)
	}

	ssoURL := params.Metadata.SSORedirectURL
	if ssoURL == "" {
		ssoURL = params.Metadata.SSOPostURL
	}

	identifierFormat := params.IdentifierFormat
	if identifierFormat == "" {
		identifierFormat = NameIDFormatEmail
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      ssoURL,
		IdentityProviderIssuer:      params.Metadata.EntityID,
		ServiceProviderIssuer:       params.EntityID,
		AssertionConsumerServiceURL: params.CallbackURL,
		NameIdFormat:                identifierFormat,
		ForceAuthn:                  params.ForceAuthn,
	}

	if params.SigningKeys != nil {
		keyStore, err := keyStoreFor(*params.SigningKeys)
		if err != nil {
			return nil, err
		}
		sp.SignAuthnRequests = true
		sp.SignAuthnRequestsAlgorithm = dsig.RSASHA256SignatureMethod
		sp.SPKeyStore = keyStore
	}

	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return nil, fmt.Errorf("failed to build AuthnRequest: %w", err)
	}

	req := &Request{ID: doc.Root().SelectAttrValue("ID", "")}

	if params.Metadata.SSORedirectURL != "" {
		redirectURL, err := sp.BuildAuthURLFromDocument(params.RelayState, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode redirect-binding request: %w", err)
		}
		req.RedirectURL = redirectURL
		return req, nil
	}

	form, err := sp.BuildAuthBodyPostFromDocument(params.RelayState, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode post-binding request: %w", err)
	}
	req.PostForm = form
	return req, nil
}

// LogoutParams describes one outbound LogoutRequest.
type LogoutParams struct {
	Metadata     *IdPMetadata
	EntityID     string
	NameID       string
	SessionIndex string
	RelayState   string
	SigningKeys  *certs.KeyPair
}

// BuildLogoutRequest constructs a signed SAML LogoutRequest against the
// IdP's SLO endpoint. The IdP must expose an SLO binding.
func BuildLogoutRequest(params LogoutParams) (*Request, error) {
	if params.Metadata.SLORedirectURL == "" && params.Metadata.SLOPostURL == "" {
		return nil, apierror.InvalidInput("%s does not support SLO", params.Metadata.Provider)
	}

	sloURL := params.Metadata.SLORedirectURL
	if sloURL == "" {
		sloURL = params.Metadata.SLOPostURL
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSLOURL: sloURL,
		IdentityProviderIssuer: params.Metadata.EntityID,
		ServiceProviderIssuer:  params.EntityID,
	}
	if params.SigningKeys != nil {
		keyStore, err := keyStoreFor(*params.SigningKeys)
		if err != nil {
			return nil, err
		}
		sp.SignAuthnRequests = true
		sp.SignAuthnRequestsAlgorithm = dsig.RSASHA256SignatureMethod
		sp.SPKeyStore = keyStore
	}

	doc, err := sp.BuildLogoutRequestDocument(params.NameID, params.SessionIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to build LogoutRequest: %w", err)
	}

	req := &Request{ID: doc.Root().SelectAttrValue("ID", "")}

	if params.Metadata.SLORedirectURL != "" {
		redirectURL, err := sp.BuildLogoutURLRedirect(params.RelayState, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode redirect-binding logout: %w", err)
		}
		req.RedirectURL = redirectURL
		return req, nil
	}

	form, err := sp.BuildLogoutBodyPostFromDocument(params.RelayState, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode post-binding logout: %w", err)
	}
	req.PostForm = form
	return req, nil
}

func keyStoreFor(pair certs.KeyPair) (dsig.X509KeyStore, error) {
	key, err := certs.ParsePrivateKey(pair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	cert, err := certs.ParseCertificate(pair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing certificate: %w", err)
	}
	return &dsig.TLSCertKeyStore{
		PrivateKey:  key,
		Certificate: [][]byte{cert.Raw},
	}, nil
}
