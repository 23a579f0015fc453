package samlbridge

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"strings"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/certs"
	"github.com/polyfed/polyfed/pkg/profile"
)

// Well-known ws-identity claim schema URIs mapped onto the normalized
// profile fields.
const (
	claimID        = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	claimEmail     = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"
	claimFirstName = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname"
	claimLastName  = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname"
)

// ValidateOptions carries the trust anchors for one response validation.
type ValidateOptions struct {
	Certificate  string // PEM cert captured from IdP metadata at registration
	Thumbprint   string // fingerprint recorded alongside it
	EntityID     string // IdP issuer
	ACSURL       string // broker ACS endpoint the response was addressed to
	Audience     string
	InResponseTo string // expected request ID; empty for IdP-initiated flows
}

// ValidateResponse verifies an inbound base64 SAML Response and maps its
// assertion into a normalized profile. The signature is checked against the
// certificate recorded at registration time, never against whatever
// certificate the response itself embeds.
func ValidateResponse(encodedResponse string, opts ValidateOptions) (*profile.Profile, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedResponse)
	if err != nil {
		return nil, apierror.InvalidInput("SAMLResponse is not valid base64: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, apierror.InvalidInput("SAMLResponse is not valid XML: %v", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, apierror.InvalidInput("SAMLResponse is empty")
	}

	// A non-Success status is an upstream authentication failure, reported
	// with the IdP's own status string, before any signature work.
	if status := responseStatus(root); status != "" && status != StatusSuccess {
		return nil, apierror.InvalidInput("IdP reported SSO failure: %s", status)
	}

	if opts.InResponseTo != "" {
		if got := root.SelectAttrValue("InResponseTo", ""); got != opts.InResponseTo {
			return nil, apierror.Forbidden("response InResponseTo %q does not match request %q", got, opts.InResponseTo)
		}
	}

	cert, err := trustAnchor(opts.Certificate, opts.Thumbprint)
	if err != nil {
		return nil, err
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderIssuer:      opts.EntityID,
		AssertionConsumerServiceURL: opts.ACSURL,
		AudienceURI:                 opts.Audience,
		IDPCertificateStore: &dsig.MemoryX509CertificateStore{
			Roots: []*x509.Certificate{cert},
		},
	}

	info, err := sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, apierror.Forbidden("SAML response validation failed: %v", err)
	}
	if info.WarningInfo != nil {
		if info.WarningInfo.InvalidTime {
			return nil, apierror.Forbidden("SAML assertion is outside its validity window")
		}
		if info.WarningInfo.NotInAudience {
			return nil, apierror.Forbidden("SAML assertion audience does not include this broker")
		}
	}

	return profileFromAssertion(info), nil
}

// trustAnchor parses the recorded certificate and re-checks its fingerprint
// against the recorded thumbprint before it is trusted for verification.
func trustAnchor(certPEM, thumbprint string) (*x509.Certificate, error) {
	cert, err := certs.ParseCertificate(certPEM)
	if err != nil {
		return nil, apierror.Forbidden("connection has no usable IdP certificate: %v", err)
	}
	if thumbprint != "" && !strings.EqualFold(Thumbprint(cert), thumbprint) {
		return nil, apierror.Forbidden("IdP certificate thumbprint mismatch")
	}
	return cert, nil
}

func profileFromAssertion(info *saml2.AssertionInfo) *profile.Profile {
	p := &profile.Profile{Raw: make(map[string]interface{})}

	for name, attr := range info.Values {
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, v.Value)
		}
		if len(values) == 1 {
			p.Raw[name] = values[0]
		} else if len(values) > 1 {
			p.Raw[name] = values
		}

		if len(values) == 0 {
			continue
		}
		switch name {
		case claimID, "id":
			p.ID = values[0]
		case claimEmail, "email", "mail":
			p.Email = values[0]
		case claimFirstName, "firstName", "givenName":
			p.FirstName = values[0]
		case claimLastName, "lastName", "surname":
			p.LastName = values[0]
		}
	}

	if p.Email == "" && strings.Contains(info.NameID, "@") {
		p.Email = info.NameID
	}
	if p.ID == "" && p.Email == "" {
		p.ID = info.NameID
	}
	p.Raw["nameID"] = info.NameID
	if info.SessionIndex != "" {
		p.Raw["sessionIndex"] = info.SessionIndex
	}

	p.Normalize()
	return p
}

// ParseIssuer extracts the Issuer entity ID from a base64 SAML message
// without validating it, so the matching connection can be resolved first.
func ParseIssuer(encoded string) (string, error) {
	root, err := decodeRoot(encoded)
	if err != nil {
		return "", err
	}
	issuer := root.FindElement("./Issuer")
	if issuer == nil {
		issuer = root.FindElement("//Issuer")
	}
	if issuer == nil || strings.TrimSpace(issuer.Text()) == "" {
		return "", apierror.InvalidInput("SAML message is missing an Issuer")
	}
	return strings.TrimSpace(issuer.Text()), nil
}

// AuthnRequest is the broker's view of an inbound SP-initiated SAML request.
type AuthnRequest struct {
	ID       string
	Issuer   string
	ACSURL   string
	Audience string
}

// ParseAuthnRequest decodes an inbound AuthnRequest from an SP that speaks
// SAML to the broker. Missing issuer or ACS URL is a malformed request.
func ParseAuthnRequest(encoded string) (*AuthnRequest, error) {
	root, err := decodeRoot(encoded)
	if err != nil {
		return nil, err
	}

	req := &AuthnRequest{
		ID:     root.SelectAttrValue("ID", ""),
		ACSURL: root.SelectAttrValue("AssertionConsumerServiceURL", ""),
	}
	if issuer := root.FindElement("./Issuer"); issuer != nil {
		req.Issuer = strings.TrimSpace(issuer.Text())
	}

	if req.Issuer == "" {
		return nil, apierror.InvalidInput("AuthnRequest is missing an Issuer")
	}
	if req.ACSURL == "" {
		return nil, apierror.InvalidInput("AuthnRequest is missing AssertionConsumerServiceURL")
	}
	req.Audience = req.Issuer
	return req, nil
}

// LogoutResponse is the subset of a SAML LogoutResponse the SLO broker
// checks.
type LogoutResponse struct {
	ID           string
	InResponseTo string
	Issuer       string
	Status       string
}

// ParseLogoutResponse decodes a base64 LogoutResponse and verifies its XML
// signature against the connection's recorded certificate.
func ParseLogoutResponse(encoded string, certPEM, thumbprint string) (*LogoutResponse, error) {
	root, err := decodeRoot(encoded)
	if err != nil {
		return nil, err
	}

	resp := &LogoutResponse{
		ID:           root.SelectAttrValue("ID", ""),
		InResponseTo: root.SelectAttrValue("InResponseTo", ""),
		Status:       responseStatus(root),
	}
	if issuer := root.FindElement("./Issuer"); issuer != nil {
		resp.Issuer = strings.TrimSpace(issuer.Text())
	}

	cert, err := trustAnchor(certPEM, thumbprint)
	if err != nil {
		return nil, err
	}
	if err := verifyEnvelopedSignature(root, cert); err != nil {
		return nil, apierror.Forbidden("LogoutResponse signature validation failed: %v", err)
	}
	return resp, nil
}

// verifyEnvelopedSignature checks the message's enveloped XML signature
// when one is present. Responses carried over bindings that sign at the
// transport layer have no embedded signature to check here.
func verifyEnvelopedSignature(root *etree.Element, cert *x509.Certificate) error {
	if root.FindElement(".//Signature") == nil {
		return nil
	}
	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	_, err := ctx.Validate(root)
	return err
}

func responseStatus(root *etree.Element) string {
	statusCode := root.FindElement("./Status/StatusCode")
	if statusCode == nil {
		statusCode = root.FindElement("//StatusCode")
	}
	if statusCode == nil {
		return ""
	}
	return statusCode.SelectAttrValue("Value", "")
}

func decodeRoot(encoded string) (*etree.Element, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierror.InvalidInput("SAML payload is not valid base64: %v", err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(bytes.TrimSpace(raw)); err != nil {
		return nil, apierror.InvalidInput("SAML payload is not valid XML: %v", err)
	}
	if doc.Root() == nil {
		return nil, apierror.InvalidInput("SAML payload is empty")
	}
	return doc.Root(), nil
}
