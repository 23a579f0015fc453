// Package samlbridge builds and signs outbound SAML documents and validates
// inbound ones, bridging the broker's OAuth surface onto SAML identity
// providers.
package samlbridge

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/beevik/etree"
)

// SAML 2.0 binding and status URNs.
const (
	BindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	BindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	StatusSuccess       = "urn:oasis:names:tc:SAML:2.0:status:Success"

	// NameIDFormatEmail is the default identifier format requested from IdPs.
	NameIDFormatEmail = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
)

// IdPMetadata is the broker's distilled view of an IdP metadata document:
// the endpoints and signing certificate captured at registration time.
type IdPMetadata struct {
	EntityID       string `json:"entityID"`
	SSORedirectURL string `json:"ssoRedirectUrl,omitempty"`
	SSOPostURL     string `json:"ssoPostUrl,omitempty"`
	SLORedirectURL string `json:"sloRedirectUrl,omitempty"`
	SLOPostURL     string `json:"sloPostUrl,omitempty"`
	Thumbprint     string `json:"thumbprint"`
	Certificate    string `json:"certificate"` // PEM, captured from metadata
	Provider       string `json:"provider"`
}

// XML shapes for the subset of SAML metadata the broker consumes.
type mdEntityDescriptor struct {
	XMLName          xml.Name            `xml:"EntityDescriptor"`
	EntityID         string              `xml:"entityID,attr"`
	IDPSSODescriptor *mdIDPSSODescriptor `xml:"IDPSSODescriptor"`
}

type mdEntitiesDescriptor struct {
	XMLName            xml.Name             `xml:"EntitiesDescriptor"`
	EntityDescriptors  []mdEntityDescriptor `xml:"EntityDescriptor"`
}

type mdIDPSSODescriptor struct {
	KeyDescriptors       []mdKeyDescriptor `xml:"KeyDescriptor"`
	SingleSignOnServices []mdEndpoint      `xml:"SingleSignOnService"`
	SingleLogoutServices []mdEndpoint      `xml:"SingleLogoutService"`
}

type mdKeyDescriptor struct {
	Use          string   `xml:"use,attr"`
	Certificates []string `xml:"KeyInfo>X509Data>X509Certificate"`
}

type mdEndpoint struct {
	Binding  string `xml:"Binding,attr"`
	Location string `xml:"Location,attr"`
}

// ParseMetadata extracts entity ID, SSO/SLO bindings and the signing
// certificate thumbprint from raw IdP metadata XML. A top-level
// EntitiesDescriptor wrapper is unwrapped to its first IdP entry.
func ParseMetadata(raw []byte) (*IdPMetadata, error) {
	entity, err := decodeEntityDescriptor(raw)
	if err != nil {
		return nil, err
	}
	if entity.EntityID == "" {
		return nil, fmt.Errorf("metadata is missing entityID")
	}
	if entity.IDPSSODescriptor == nil {
		return nil, fmt.Errorf("metadata has no IDPSSODescriptor")
	}

	meta := &IdPMetadata{
		EntityID: entity.EntityID,
		Provider: providerName(entity.EntityID),
	}
	for _, ep := range entity.IDPSSODescriptor.SingleSignOnServices {
		switch ep.Binding {
		case BindingHTTPRedirect:
			meta.SSORedirectURL = ep.Location
		case BindingHTTPPost:
			meta.SSOPostURL = ep.Location
		}
	}
	for _, ep := range entity.IDPSSODescriptor.SingleLogoutServices {
		switch ep.Binding {
		case BindingHTTPRedirect:
			meta.SLORedirectURL = ep.Location
		case BindingHTTPPost:
			meta.SLOPostURL = ep.Location
		}
	}

	cert, err := signingCertificate(entity.IDPSSODescriptor.KeyDescriptors)
	if err != nil {
		return nil, err
	}
	meta.Certificate = certToPEM(cert)
	meta.Thumbprint = Thumbprint(cert)

	return meta, nil
}

func decodeEntityDescriptor(raw []byte) (*mdEntityDescriptor, error) {
	var entity mdEntityDescriptor
	if err := xml.Unmarshal(raw, &entity); err == nil && entity.EntityID != "" {
		return &entity, nil
	}

	var entities mdEntitiesDescriptor
	if err := xml.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("failed to parse metadata XML: %w", err)
	}
	for i := range entities.EntityDescriptors {
		if entities.EntityDescriptors[i].IDPSSODescriptor != nil {
			return &entities.EntityDescriptors[i], nil
		}
	}
	return nil, fmt.Errorf("metadata contains no IdP entity")
}

// signingCertificate picks the signing key descriptor, falling back to any
// descriptor without an explicit use attribute.
func signingCertificate(descriptors []mdKeyDescriptor) (*x509.Certificate, error) {
	var candidate string
	for _, kd := range descriptors {
		if len(kd.Certificates) == 0 {
			continue
		}
		if kd.Use == "signing" {
			candidate = kd.Certificates[0]
			break
		}
		if kd.Use == "" && candidate == "" {
			candidate = kd.Certificates[0]
		}
	}
	if candidate == "" {
		return nil, fmt.Errorf("metadata has no signing certificate")
	}

	der, err := base64.StdEncoding.DecodeString(stripWhitespace(candidate))
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata certificate: %w", err)
	}
	return cert, nil
}

// Thumbprint returns the SHA-1 hex fingerprint of the certificate, the form
// IdP metadata tooling conventionally publishes.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func certToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// providerName extracts a human-readable provider label from an entity ID.
func providerName(entityID string) string {
	if u, err := url.Parse(entityID); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return entityID
}

// SPMetadataParams describes the broker's own service-provider identity
// for IdP registration.
type SPMetadataParams struct {
	EntityID    string
	ACSURL      string
	SLOURL      string
	Certificate string // PEM, optional
}

// BuildSPMetadata renders the broker's SP metadata XML. IdP operators
// import this document to register the broker as a service provider.
func BuildSPMetadata(params SPMetadataParams) ([]byte, error) {
	if params.EntityID == "" {
		return nil, fmt.Errorf("entityID is required")
	}
	if params.ACSURL == "" {
		return nil, fmt.Errorf("ACS URL is required")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", "urn:oasis:names:tc:SAML:2.0:metadata")
	entity.CreateAttr("entityID", params.EntityID)

	sp := entity.CreateElement("md:SPSSODescriptor")
	sp.CreateAttr("AuthnRequestsSigned", "true")
	sp.CreateAttr("WantAssertionsSigned", "true")
	sp.CreateAttr("protocolSupportEnumeration", "urn:oasis:names:tc:SAML:2.0:protocol")

	if params.Certificate != "" {
		block, _ := pem.Decode([]byte(params.Certificate))
		if block == nil {
			return nil, fmt.Errorf("invalid SP signing certificate")
		}
		key := sp.CreateElement("md:KeyDescriptor")
		key.CreateAttr("use", "signing")
		keyInfo := key.CreateElement("ds:KeyInfo")
		keyInfo.CreateAttr("xmlns:ds", "http://www.w3.org/2000/09/xmldsig#")
		keyInfo.CreateElement("ds:X509Data").
			CreateElement("ds:X509Certificate").
			SetText(base64.StdEncoding.EncodeToString(block.Bytes))
	}

	if params.SLOURL != "" {
		slo := sp.CreateElement("md:SingleLogoutService")
		slo.CreateAttr("Binding", BindingHTTPPost)
		slo.CreateAttr("Location", params.SLOURL)
	}

	sp.CreateElement("md:NameIDFormat").SetText(NameIDFormatEmail)

	acs := sp.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", BindingHTTPPost)
	acs.CreateAttr("Location", params.ACSURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	return doc.WriteToBytes()
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
}
