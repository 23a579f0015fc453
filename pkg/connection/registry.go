package connection

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/certs"
	"github.com/polyfed/polyfed/pkg/oidcrelay"
	"github.com/polyfed/polyfed/pkg/samlbridge"
	"github.com/polyfed/polyfed/pkg/store"
)

const (
	// Namespace holds connection records in the key/value store.
	Namespace = "connections"

	// IndexEntityID maps a SAML IdP entityID to its connections.
	IndexEntityID = "entityID"
	// IndexTenantProduct maps a tenant:product pair to its connections.
	IndexTenantProduct = "tenantProduct"

	maxRedirectURLs = 100
)

// EventSink receives registry change notifications. Implementations must
// not block; the registry fires and forgets.
type EventSink interface {
	Notify(event string, payload interface{})
}

type noopSink struct{}

func (noopSink) Notify(string, interface{}) {}

// Registry owns connection records: creation, partial update, lookups by
// clientID / entityID / tenant+product, and deletion.
type Registry struct {
	kv   store.KV
	sink EventSink
}

func NewRegistry(kv store.KV, sink EventSink) *Registry {
	if sink == nil {
		sink = noopSink{}
	}
	return &Registry{kv: kv, sink: sink}
}

// CreateRequest is the registration payload for either connection variant.
// SAML registrations supply metadata; OIDC registrations supply discovery
// or inline provider metadata plus upstream client credentials.
type CreateRequest struct {
	Tenant             string   `json:"tenant"`
	Product            string   `json:"product"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	DefaultRedirectURL string   `json:"defaultRedirectUrl"`
	RedirectURLs       []string `json:"redirectUrl"`

	RawMetadata      string `json:"rawMetadata,omitempty"`
	EncodedMetadata  string `json:"encodedMetadata,omitempty"`
	ForceAuthn       bool   `json:"forceAuthn,omitempty"`
	IdentifierFormat string `json:"identifierFormat,omitempty"`

	OIDCDiscoveryURL string                      `json:"oidcDiscoveryUrl,omitempty"`
	OIDCMetadata     *oidcrelay.ProviderMetadata `json:"oidcMetadata,omitempty"`
	OIDCClientID     string                      `json:"oidcClientId,omitempty"`
	OIDCClientSecret string                      `json:"oidcClientSecret,omitempty"`
}

func (r *CreateRequest) isSAML() bool {
	return r.RawMetadata != "" || r.EncodedMetadata != ""
}

func (r *CreateRequest) isOIDC() bool {
	return r.OIDCDiscoveryURL != "" || r.OIDCMetadata != nil
}

// Create registers a connection. Re-registering the same upstream entity
// for the same tenant/product is an idempotent upsert: the derived
// clientID is identical and the existing clientSecret and signing keys
// are reused.
func (g *Registry) Create(ctx context.Context, req CreateRequest) (*Connection, error) {
	if err := validateEnvelope(req.Tenant, req.Product, req.Name, req.DefaultRedirectURL, req.RedirectURLs); err != nil {
		return nil, err
	}

	conn := &Connection{
		Tenant:             req.Tenant,
		Product:            req.Product,
		Name:               req.Name,
		Description:        req.Description,
		DefaultRedirectURL: req.DefaultRedirectURL,
		RedirectURLs:       req.RedirectURLs,
	}

	var upstreamID string
	switch {
	case req.isSAML():
		meta, err := parseSAMLMetadata(req.RawMetadata, req.EncodedMetadata)
		if err != nil {
			return nil, err
		}
		conn.IdPMetadata = meta
		conn.ForceAuthn = req.ForceAuthn
		conn.IdentifierFormat = req.IdentifierFormat
		upstreamID = meta.EntityID

	case req.isOIDC():
		provider, err := buildOIDCProvider(req)
		if err != nil {
			return nil, err
		}
		conn.OIDCProvider = provider
		upstreamID = provider.ClientID

	default:
		return nil, apierror.InvalidInput("either SAML metadata or an OIDC provider is required")
	}

	conn.ClientID = DeriveClientID(req.Tenant, req.Product, upstreamID)

	existing, err := g.Get(ctx, conn.ClientID)
	switch {
	case err == nil:
		conn.ClientSecret = existing.ClientSecret
		conn.Certs = existing.Certs
	case apierror.StatusOf(err) == 404:
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		conn.ClientSecret = secret
	default:
		return nil, err
	}

	if conn.IsSAML() && conn.Certs == nil {
		pair, err := certs.Generate(req.Tenant+"-"+req.Product, 0)
		if err != nil {
			return nil, apierror.Internal("failed to generate signing keys: %v", err)
		}
		conn.Certs = &pair
	}

	if err := g.put(ctx, conn); err != nil {
		return nil, err
	}
	g.sink.Notify("sso.created", conn)
	return conn, nil
}

// UpdateRequest is a partial-merge update. Pointer fields overwrite only
// when supplied. ClientID, ClientSecret, Tenant and Product authenticate
// the caller against the stored record.
type UpdateRequest struct {
	ClientID     string `json:"clientID"`
	ClientSecret string `json:"clientSecret"`
	Tenant       string `json:"tenant"`
	Product      string `json:"product"`

	Name               *string  `json:"name,omitempty"`
	Description        *string  `json:"description,omitempty"`
	DefaultRedirectURL *string  `json:"defaultRedirectUrl,omitempty"`
	RedirectURLs       []string `json:"redirectUrl,omitempty"`
	Deactivated        *bool    `json:"deactivated,omitempty"`
	ForceAuthn         *bool    `json:"forceAuthn,omitempty"`

	RawMetadata     string `json:"rawMetadata,omitempty"`
	EncodedMetadata string `json:"encodedMetadata,omitempty"`

	OIDCDiscoveryURL string                      `json:"oidcDiscoveryUrl,omitempty"`
	OIDCMetadata     *oidcrelay.ProviderMetadata `json:"oidcMetadata,omitempty"`
	OIDCClientID     string                      `json:"oidcClientId,omitempty"`
	OIDCClientSecret string                      `json:"oidcClientSecret,omitempty"`
}

func (g *Registry) Update(ctx context.Context, req UpdateRequest) (*Connection, error) {
	if req.ClientID == "" || req.ClientSecret == "" || req.Tenant == "" || req.Product == "" {
		return nil, apierror.InvalidInput("clientID, clientSecret, tenant and product are required")
	}

	conn, err := g.Get(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if conn.ClientSecret != req.ClientSecret {
		return nil, apierror.InvalidInput("clientSecret does not match")
	}
	if conn.Tenant != req.Tenant || conn.Product != req.Product {
		return nil, apierror.InvalidInput("tenant/product do not match the connection")
	}

	if req.Name != nil {
		conn.Name = *req.Name
	}
	if req.Description != nil {
		conn.Description = *req.Description
	}
	if req.DefaultRedirectURL != nil {
		if err := validateRedirectURL(*req.DefaultRedirectURL); err != nil {
			return nil, err
		}
		conn.DefaultRedirectURL = *req.DefaultRedirectURL
	}
	if req.RedirectURLs != nil {
		if err := validateRedirectURLs(req.RedirectURLs); err != nil {
			return nil, err
		}
		conn.RedirectURLs = req.RedirectURLs
	}
	activationChanged := false
	if req.Deactivated != nil && conn.Deactivated != *req.Deactivated {
		conn.Deactivated = *req.Deactivated
		activationChanged = true
	}
	if req.ForceAuthn != nil && conn.IsSAML() {
		conn.ForceAuthn = *req.ForceAuthn
	}

	if conn.IsSAML() && (req.RawMetadata != "" || req.EncodedMetadata != "") {
		meta, err := parseSAMLMetadata(req.RawMetadata, req.EncodedMetadata)
		if err != nil {
			return nil, err
		}
		// Replacement metadata must still describe the same upstream
		// entity, otherwise the derived clientID would drift away from
		// the one the caller authenticated with.
		if DeriveClientID(conn.Tenant, conn.Product, meta.EntityID) != conn.ClientID {
			return nil, apierror.InvalidInput("metadata entityID does not match this connection")
		}
		conn.IdPMetadata = meta
	}

	if conn.IsOIDC() {
		if req.OIDCDiscoveryURL != "" {
			conn.OIDCProvider.DiscoveryURL = req.OIDCDiscoveryURL
			conn.OIDCProvider.Metadata = nil
			conn.OIDCProvider.Provider = providerName(req.OIDCDiscoveryURL)
		}
		if req.OIDCMetadata != nil {
			conn.OIDCProvider.Metadata = req.OIDCMetadata
			conn.OIDCProvider.DiscoveryURL = ""
			conn.OIDCProvider.Provider = providerName(req.OIDCMetadata.Issuer)
		}
		if req.OIDCClientID != "" && req.OIDCClientID != conn.OIDCProvider.ClientID {
			return nil, apierror.InvalidInput("upstream clientId cannot change; delete and re-create the connection")
		}
		if req.OIDCClientSecret != "" {
			conn.OIDCProvider.ClientSecret = req.OIDCClientSecret
		}
	}

	if err := g.put(ctx, conn); err != nil {
		return nil, err
	}
	g.sink.Notify("sso.updated", conn)
	if activationChanged {
		if conn.Deactivated {
			g.sink.Notify("sso.deactivated", conn)
		} else {
			g.sink.Notify("sso.activated", conn)
		}
	}
	return conn, nil
}

// Notify forwards a lifecycle event to the registry's sink. The flow
// brokers use it for login and logout events.
func (g *Registry) Notify(event string, payload interface{}) {
	g.sink.Notify(event, payload)
}

// Get returns the connection stored under clientID.
func (g *Registry) Get(ctx context.Context, clientID string) (*Connection, error) {
	raw, err := g.kv.Get(ctx, Namespace, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("connection not found")
	}
	if err != nil {
		return nil, apierror.Unavailable("connection lookup failed: %v", err)
	}
	return decode(raw)
}

// GetByTenantProduct returns all connections registered for the pair.
func (g *Registry) GetByTenantProduct(ctx context.Context, tenant, product string) ([]*Connection, error) {
	if tenant == "" || product == "" {
		return nil, apierror.InvalidInput("tenant and product are required")
	}
	return g.byIndex(ctx, store.Index{Name: IndexTenantProduct, Value: tenant + ":" + product})
}

// GetByEntityID returns all SAML connections registered for the IdP
// entityID. Several tenant/product pairs may share one upstream IdP.
func (g *Registry) GetByEntityID(ctx context.Context, entityID string) ([]*Connection, error) {
	if entityID == "" {
		return nil, apierror.InvalidInput("entityID is required")
	}
	return g.byIndex(ctx, store.Index{Name: IndexEntityID, Value: entityID})
}

// List returns a page of all connections.
func (g *Registry) List(ctx context.Context, page store.PageOptions) ([]*Connection, error) {
	recs, err := g.kv.GetAll(ctx, Namespace, page)
	if err != nil {
		return nil, apierror.Unavailable("connection listing failed: %v", err)
	}
	return decodeAll(recs.Data)
}

// Delete removes a connection after verifying the caller holds its secret.
func (g *Registry) Delete(ctx context.Context, clientID, clientSecret string) error {
	if clientID == "" || clientSecret == "" {
		return apierror.InvalidInput("clientID and clientSecret are required")
	}
	conn, err := g.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if conn.ClientSecret != clientSecret {
		return apierror.InvalidInput("clientSecret does not match")
	}
	if err := g.kv.Delete(ctx, Namespace, clientID); err != nil {
		return apierror.Unavailable("connection delete failed: %v", err)
	}
	g.sink.Notify("sso.deleted", conn)
	return nil
}

// DeleteByTenantProduct removes every connection for the pair. Used when
// a tenant/product's federation app is torn down.
func (g *Registry) DeleteByTenantProduct(ctx context.Context, tenant, product string) error {
	conns, err := g.GetByTenantProduct(ctx, tenant, product)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if err := g.kv.Delete(ctx, Namespace, conn.ClientID); err != nil {
			return apierror.Unavailable("connection delete failed: %v", err)
		}
		g.sink.Notify("sso.deleted", conn)
	}
	return nil
}

// RotateCerts replaces a SAML connection's signing keys and persists the
// result. Called when the broker notices the keys have expired.
func (g *Registry) RotateCerts(ctx context.Context, conn *Connection) error {
	if !conn.IsSAML() {
		return nil
	}
	pair, err := certs.Generate(conn.Tenant+"-"+conn.Product, 0)
	if err != nil {
		return apierror.Internal("failed to rotate signing keys: %v", err)
	}
	conn.Certs = &pair
	if err := g.put(ctx, conn); err != nil {
		return err
	}
	g.sink.Notify("sso.certs_rotated", conn)
	return nil
}

func (g *Registry) put(ctx context.Context, conn *Connection) error {
	raw, err := json.Marshal(conn)
	if err != nil {
		return apierror.Internal("failed to encode connection: %v", err)
	}
	indexes := []store.Index{
		{Name: IndexTenantProduct, Value: conn.Tenant + ":" + conn.Product},
	}
	if conn.IsSAML() {
		indexes = append(indexes, store.Index{Name: IndexEntityID, Value: conn.IdPMetadata.EntityID})
	}
	if err := g.kv.Put(ctx, Namespace, conn.ClientID, raw, 0, indexes...); err != nil {
		return apierror.Unavailable("connection write failed: %v", err)
	}
	return nil
}

func (g *Registry) byIndex(ctx context.Context, idx store.Index) ([]*Connection, error) {
	recs, err := g.kv.GetByIndex(ctx, Namespace, idx, store.PageOptions{})
	if err != nil {
		return nil, apierror.Unavailable("connection lookup failed: %v", err)
	}
	return decodeAll(recs.Data)
}

func decode(raw []byte) (*Connection, error) {
	var conn Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil, apierror.Internal("corrupt connection record: %v", err)
	}
	return &conn, nil
}

func decodeAll(raws [][]byte) ([]*Connection, error) {
	conns := make([]*Connection, 0, len(raws))
	for _, raw := range raws {
		conn, err := decode(raw)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func parseSAMLMetadata(raw, encoded string) (*samlbridge.IdPMetadata, error) {
	xml := []byte(raw)
	if raw == "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, apierror.InvalidInput("encodedMetadata is not valid base64")
		}
		xml = decoded
	}
	meta, err := samlbridge.ParseMetadata(xml)
	if err != nil {
		return nil, apierror.InvalidInput("invalid IdP metadata: %v", err)
	}
	return meta, nil
}

func buildOIDCProvider(req CreateRequest) (*OIDCProvider, error) {
	if req.OIDCClientID == "" || req.OIDCClientSecret == "" {
		return nil, apierror.InvalidInput("oidcClientId and oidcClientSecret are required")
	}
	p := &OIDCProvider{
		ClientID:     req.OIDCClientID,
		ClientSecret: req.OIDCClientSecret,
	}
	switch {
	case req.OIDCDiscoveryURL != "":
		p.DiscoveryURL = req.OIDCDiscoveryURL
		p.Provider = providerName(req.OIDCDiscoveryURL)
	case req.OIDCMetadata != nil:
		p.Metadata = req.OIDCMetadata
		p.Provider = providerName(req.OIDCMetadata.Issuer)
	}
	if p.Provider == "" {
		return nil, apierror.InvalidInput("could not determine the OIDC provider from its issuer URL")
	}
	return p, nil
}

func validateEnvelope(tenant, product, name, defaultRedirect string, redirects []string) error {
	switch {
	case tenant == "":
		return apierror.InvalidInput("tenant is required")
	case product == "":
		return apierror.InvalidInput("product is required")
	case name == "":
		return apierror.InvalidInput("name is required")
	case defaultRedirect == "":
		return apierror.InvalidInput("defaultRedirectUrl is required")
	case len(redirects) == 0:
		return apierror.InvalidInput("at least one redirectUrl is required")
	}
	if err := validateRedirectURL(defaultRedirect); err != nil {
		return err
	}
	return validateRedirectURLs(redirects)
}

func validateRedirectURLs(urls []string) error {
	if len(urls) > maxRedirectURLs {
		return apierror.InvalidInput("at most %d redirect URLs are allowed", maxRedirectURLs)
	}
	for _, u := range urls {
		if err := validateRedirectURL(u); err != nil {
			return err
		}
	}
	return nil
}

func validateRedirectURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apierror.InvalidInput("invalid redirect URL: %s", raw)
	}
	return nil
}

func providerName(issuerURL string) string {
	u, err := url.Parse(issuerURL)
	if err != nil || u.Hostname() == "" {
		return strings.TrimPrefix(issuerURL, "https://")
	}
	return u.Hostname()
}

func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", apierror.Internal("failed to generate client secret")
	}
	return hex.EncodeToString(buf), nil
}
