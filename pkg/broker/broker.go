// Package broker implements the OAuth-shaped federation pipeline:
// authorize, IdP response handling, token exchange and userinfo. The
// broker itself is stateless; everything that must survive between HTTP
// calls lives in the key/value store under a TTL.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/certs"
	"github.com/polyfed/polyfed/pkg/connection"
	"github.com/polyfed/polyfed/pkg/observability"
	"github.com/polyfed/polyfed/pkg/oidcrelay"
	"github.com/polyfed/polyfed/pkg/profile"
	"github.com/polyfed/polyfed/pkg/samlbridge"
	"github.com/polyfed/polyfed/pkg/store"
)

// Config carries the broker's deployment identity and policy knobs.
type Config struct {
	// ExternalURL is the public base URL of this broker, used to build
	// ACS and OIDC callback URLs handed to upstream providers.
	ExternalURL string

	// SAMLAudience is the broker's SP entity ID and the issuer of the
	// id_tokens it signs.
	SAMLAudience string

	RelayStatePrefix string

	SessionTTL time.Duration
	CodeTTL    time.Duration
	TokenTTL   time.Duration

	// ClientSecretVerifier is the shared secret that lets a service
	// provider exchange codes with an encoded or dummy client_id.
	ClientSecretVerifier string

	// IdPEnabled gates IdP-initiated SAML flows.
	IdPEnabled bool

	// JWTSigningKeys sign id_tokens. Leaving them unset makes any
	// openid-scoped token exchange fail.
	JWTSigningKeys *certs.KeyPair

	ACSPath          string
	OIDCCallbackPath string
}

func (c Config) withDefaults() Config {
	if c.RelayStatePrefix == "" {
		c.RelayStatePrefix = DefaultRelayStatePrefix
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.ACSPath == "" {
		c.ACSPath = "/oauth/saml"
	}
	if c.OIDCCallbackPath == "" {
		c.OIDCCallbackPath = "/oauth/oidc"
	}
	return c
}

// OAuthBroker drives the SP-facing OAuth surface over SAML and OIDC
// upstream legs.
type OAuthBroker struct {
	cfg      Config
	kv       store.KV
	registry *connection.Registry
	resolver *connection.Resolver
	relay    *oidcrelay.Relay
	logger   *observability.Logger
}

func NewOAuthBroker(cfg Config, kv store.KV, registry *connection.Registry, resolver *connection.Resolver, relay *oidcrelay.Relay, logger *observability.Logger) *OAuthBroker {
	return &OAuthBroker{
		cfg:      cfg.withDefaults(),
		kv:       kv,
		registry: registry,
		resolver: resolver,
		relay:    relay,
		logger:   logger,
	}
}

// AuthorizeRequest is the parsed authorize call from a service provider.
// Params holds the raw query so multi-connection flows can replay it on
// the discovery page.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	IdPHint             string
	Prompt              string
	Tenant              string
	Product             string
	AccessType          string
	Resource            string

	Params url.Values
}

// FlowResult is how every browser-facing broker operation answers:
// either a URL to redirect to or an HTML form to serve.
type FlowResult struct {
	RedirectURL string
	PostForm    string
}

// Authorize starts a federation flow. It resolves the connection,
// persists a session, and hands back the upstream redirect or form.
func (b *OAuthBroker) Authorize(ctx context.Context, req AuthorizeRequest) (*FlowResult, error) {
	// With no redirect_uri there is nowhere safe to send an OAuth
	// error, so this one failure is a plain 400.
	if req.RedirectURI == "" {
		return nil, apierror.InvalidInput("redirect_uri is required")
	}

	tenant, product := req.Tenant, req.Product
	if tenant == "" || product == "" {
		tenant, product = decodeTenantProduct(req)
	}

	res, err := b.resolver.Resolve(ctx, connection.ResolveRequest{
		Flow:           connection.FlowOAuth,
		Tenant:         tenant,
		Product:        product,
		IdPHint:        req.IdPHint,
		OriginalParams: req.Params,
	})
	if err != nil {
		return nil, err
	}
	if res.Connection == nil {
		return &FlowResult{RedirectURL: res.RedirectURL, PostForm: res.PostForm}, nil
	}
	return b.startUpstream(ctx, res.Connection, req)
}

// startUpstream runs the post-resolution leg shared by the OAuth and
// SAML entry points: allow-list checks, session persistence, and the
// redirect or form that lands the browser on the IdP.
func (b *OAuthBroker) startUpstream(ctx context.Context, conn *connection.Connection, req AuthorizeRequest) (*FlowResult, error) {
	if conn.Deactivated {
		return nil, apierror.Forbidden("connection is deactivated")
	}
	if !redirectAllowed(req.RedirectURI, conn.RedirectURLs) {
		return nil, apierror.Forbidden("redirect URL is not allowed")
	}

	// Past this point the redirect_uri is trusted, so protocol errors
	// degrade to OAuth error redirects instead of broker errors.
	if req.State == "" {
		return oauthErrorResult(req.RedirectURI, "invalid_request", "state is required", ""), nil
	}
	if req.ResponseType != "" && req.ResponseType != "code" {
		return oauthErrorResult(req.RedirectURI, "unsupported_response_type", "only the code response type is supported", req.State), nil
	}

	scopes := splitScopes(req.Scope)
	sessionID := randomID()
	relayState := b.cfg.RelayStatePrefix + sessionID

	session := Session{
		ID:           sessionID,
		ConnectionID: conn.ClientID,
		Requested: Requested{
			ClientID:    req.ClientID,
			State:       req.State,
			RedirectURI: req.RedirectURI,
			Tenant:      conn.Tenant,
			Product:     conn.Product,
			Scope:       scopes,
			Nonce:       req.Nonce,
		},
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}

	var result FlowResult
	if conn.IsSAML() {
		if conn.Certs == nil || certs.Expired(*conn.Certs) {
			if err := b.registry.RotateCerts(ctx, conn); err != nil {
				return nil, err
			}
		}
		samlReq, err := samlbridge.BuildRequest(samlbridge.RequestParams{
			Metadata:         conn.IdPMetadata,
			CallbackURL:      b.cfg.ExternalURL + b.cfg.ACSPath,
			EntityID:         b.cfg.SAMLAudience,
			RelayState:       relayState,
			ForceAuthn:       conn.ForceAuthn || req.Prompt == "login",
			IdentifierFormat: conn.IdentifierFormat,
			SigningKeys:      conn.Certs,
		})
		if err != nil {
			return nil, err
		}
		session.RequestID = samlReq.ID
		result = FlowResult{RedirectURL: samlReq.RedirectURL, PostForm: string(samlReq.PostForm)}
	} else {
		auth, err := b.relay.BuildAuthorizationURL(ctx, conn.RelayClient(b.cfg.ExternalURL+b.cfg.OIDCCallbackPath, scopes), relayState)
		if err != nil {
			return nil, err
		}
		session.OIDCCodeVerifier = auth.CodeVerifier
		session.OIDCNonce = auth.Nonce
		result = FlowResult{RedirectURL: auth.URL}
	}

	if err := b.putSession(ctx, session); err != nil {
		return nil, err
	}
	return &result, nil
}

// SAMLAuthnRequest is an inbound AuthnRequest from a service provider
// that speaks SAML to the broker instead of OAuth.
type SAMLAuthnRequest struct {
	SAMLRequest string
	RelayState  string
	IdPHint     string
}

// SAMLAuthn starts a login for a SAML-speaking service provider. The
// AuthnRequest's ACS URL stands in for the redirect_uri and its ID for
// the state, with tenant and product travelling query-encoded in the
// RelayState. From here the flow follows the standard code contract:
// the ACS URL receives a single-use code to redeem at the token
// endpoint.
func (b *OAuthBroker) SAMLAuthn(ctx context.Context, req SAMLAuthnRequest) (*FlowResult, error) {
	authn, err := samlbridge.ParseAuthnRequest(req.SAMLRequest)
	if err != nil {
		return nil, err
	}
	if authn.ID == "" {
		return nil, apierror.InvalidInput("AuthnRequest is missing an ID")
	}

	vals, _ := url.ParseQuery(req.RelayState)
	tenant, product := vals.Get("tenant"), vals.Get("product")

	authzReq := AuthorizeRequest{
		ResponseType: "code",
		ClientID:     authn.Issuer,
		RedirectURI:  authn.ACSURL,
		State:        authn.ID,
		IdPHint:      req.IdPHint,
		Tenant:       tenant,
		Product:      product,
		Params: url.Values{
			"SAMLRequest": {req.SAMLRequest},
			"RelayState":  {req.RelayState},
		},
	}

	res, err := b.resolver.Resolve(ctx, connection.ResolveRequest{
		Flow:           connection.FlowSAML,
		Tenant:         tenant,
		Product:        product,
		IdPHint:        req.IdPHint,
		OriginalParams: authzReq.Params,
	})
	if err != nil {
		return nil, err
	}
	if res.Connection == nil {
		return &FlowResult{RedirectURL: res.RedirectURL, PostForm: res.PostForm}, nil
	}
	return b.startUpstream(ctx, res.Connection, authzReq)
}

// SAMLResponseRequest is the ACS payload posted back by the IdP.
type SAMLResponseRequest struct {
	SAMLResponse string
	RelayState   string
	IdPHint      string
}

// SAMLResponse consumes an IdP assertion and redirects the browser back
// to the service provider with a freshly minted code.
func (b *OAuthBroker) SAMLResponse(ctx context.Context, req SAMLResponseRequest) (*FlowResult, error) {
	var session *Session
	if strings.HasPrefix(req.RelayState, b.cfg.RelayStatePrefix) {
		sessionID := strings.TrimPrefix(req.RelayState, b.cfg.RelayStatePrefix)
		s, err := b.getSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		session = s
	} else if !b.cfg.IdPEnabled {
		// A RelayState without our prefix is how IdP-initiated logins
		// announce themselves.
		return nil, apierror.Forbidden("IdP-initiated login is not enabled")
	}

	issuer, err := samlbridge.ParseIssuer(req.SAMLResponse)
	if err != nil {
		if session != nil {
			return oauthErrorResult(session.Requested.RedirectURI, "access_denied", err.Error(), session.Requested.State), nil
		}
		return nil, err
	}

	var conn *connection.Connection
	if session != nil {
		conn, err = b.registry.Get(ctx, session.ConnectionID)
		if err != nil {
			return oauthErrorResult(session.Requested.RedirectURI, "server_error", err.Error(), session.Requested.State), nil
		}
	} else {
		res, err := b.resolver.Resolve(ctx, connection.ResolveRequest{
			Flow:         connection.FlowIdPInitiated,
			EntityID:     issuer,
			IdPHint:      req.IdPHint,
			SAMLResponse: req.SAMLResponse,
			RelayState:   req.RelayState,
		})
		if err != nil {
			return nil, err
		}
		if res.PostForm != "" {
			return &FlowResult{PostForm: res.PostForm}, nil
		}
		conn = res.Connection
	}

	redirectURI, state := conn.DefaultRedirectURL, ""
	var inResponseTo string
	if session != nil {
		redirectURI = session.Requested.RedirectURI
		state = session.Requested.State
		inResponseTo = session.RequestID
	}

	prof, err := samlbridge.ValidateResponse(req.SAMLResponse, samlbridge.ValidateOptions{
		Certificate:  conn.IdPMetadata.Certificate,
		Thumbprint:   conn.IdPMetadata.Thumbprint,
		EntityID:     conn.IdPMetadata.EntityID,
		ACSURL:       b.cfg.ExternalURL + b.cfg.ACSPath,
		Audience:     b.cfg.SAMLAudience,
		InResponseTo: inResponseTo,
	})
	if err != nil {
		b.registry.Notify("login.failed", loginEvent(conn, err.Error()))
		return oauthErrorResult(redirectURI, "access_denied", err.Error(), state), nil
	}

	return b.mintCode(ctx, conn, session, *prof, redirectURI, state)
}

// loginEvent is the payload for login lifecycle notifications.
func loginEvent(conn *connection.Connection, reason string) map[string]interface{} {
	return map[string]interface{}{
		"clientID": conn.ClientID,
		"tenant":   conn.Tenant,
		"product":  conn.Product,
		"reason":   reason,
	}
}

// OIDCAuthzResponseRequest is the upstream OIDC provider's callback.
type OIDCAuthzResponseRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// OIDCAuthzResponse completes the upstream OIDC leg: it exchanges the
// provider's code and mints a broker code for the service provider.
func (b *OAuthBroker) OIDCAuthzResponse(ctx context.Context, req OIDCAuthzResponseRequest) (*FlowResult, error) {
	if !strings.HasPrefix(req.State, b.cfg.RelayStatePrefix) {
		return nil, apierror.Forbidden("invalid state")
	}
	session, err := b.getSession(ctx, strings.TrimPrefix(req.State, b.cfg.RelayStatePrefix))
	if err != nil {
		return nil, err
	}

	redirectURI, state := session.Requested.RedirectURI, session.Requested.State
	if req.Error != "" {
		// The upstream provider already decided; pass its verdict
		// through untouched.
		return oauthErrorResult(redirectURI, req.Error, req.ErrorDescription, state), nil
	}

	conn, err := b.registry.Get(ctx, session.ConnectionID)
	if err != nil {
		return oauthErrorResult(redirectURI, "server_error", err.Error(), state), nil
	}

	prof, err := b.relay.ExchangeCode(ctx, conn.RelayClient(b.cfg.ExternalURL+b.cfg.OIDCCallbackPath, nil), req.Code, session.OIDCCodeVerifier, session.OIDCNonce)
	if err != nil {
		b.registry.Notify("login.failed", loginEvent(conn, err.Error()))
		var ue *oidcrelay.UpstreamError
		if errors.As(err, &ue) {
			return oauthErrorResult(redirectURI, ue.Code, ue.Description, state), nil
		}
		return oauthErrorResult(redirectURI, "access_denied", err.Error(), state), nil
	}

	return b.mintCode(ctx, conn, session, prof, redirectURI, state)
}

// mintCode stores a single-use code bound to the validated profile and
// sends the browser back to the service provider.
func (b *OAuthBroker) mintCode(ctx context.Context, conn *connection.Connection, session *Session, prof profile.Profile, redirectURI, state string) (*FlowResult, error) {
	code := Code{
		Profile:      prof,
		ClientID:     conn.ClientID,
		ClientSecret: conn.ClientSecret,
	}
	if session != nil {
		code.Requested = session.Requested
		code.CodeChallenge = session.CodeChallenge
		code.CodeChallengeMethod = session.CodeChallengeMethod
	} else {
		code.Requested = Requested{
			ClientID:    conn.ClientID,
			RedirectURI: redirectURI,
			Tenant:      conn.Tenant,
			Product:     conn.Product,
		}
	}

	raw, err := json.Marshal(code)
	if err != nil {
		return nil, apierror.Internal("failed to encode code record: %v", err)
	}
	codeValue := randomID()
	if err := b.kv.Put(ctx, CodeNamespace, codeValue, raw, b.cfg.CodeTTL); err != nil {
		return nil, apierror.Unavailable("code write failed: %v", err)
	}

	if session != nil {
		// Best effort. A session that outlives its use just expires.
		if err := b.kv.Delete(ctx, SessionNamespace, session.ID); err != nil {
			b.logger.WithError(err).Warn("failed to delete consumed session")
		}
	}

	params := url.Values{"code": {codeValue}}
	if state != "" {
		params.Set("state", state)
	}
	return &FlowResult{RedirectURL: appendQuery(redirectURI, params)}, nil
}

func (b *OAuthBroker) putSession(ctx context.Context, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return apierror.Internal("failed to encode session: %v", err)
	}
	if err := b.kv.Put(ctx, SessionNamespace, session.ID, raw, b.cfg.SessionTTL); err != nil {
		return apierror.Unavailable("session write failed: %v", err)
	}
	return nil
}

func (b *OAuthBroker) getSession(ctx context.Context, id string) (*Session, error) {
	raw, err := b.kv.Get(ctx, SessionNamespace, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.Forbidden("invalid state: session expired or unknown")
	}
	if err != nil {
		return nil, apierror.Unavailable("session read failed: %v", err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, apierror.Internal("corrupt session record: %v", err)
	}
	return &session, nil
}

// decodeTenantProduct recovers tenant/product from whichever channel the
// service provider's OAuth library let them through: an encoded
// client_id, access_type, resource, or a scope entry.
func decodeTenantProduct(req AuthorizeRequest) (string, string) {
	candidates := []string{req.ClientID, req.AccessType, req.Resource}
	candidates = append(candidates, strings.Fields(req.Scope)...)
	for _, c := range candidates {
		if !strings.Contains(c, "tenant=") {
			continue
		}
		vals, err := url.ParseQuery(c)
		if err != nil {
			continue
		}
		tenant, product := vals.Get("tenant"), vals.Get("product")
		if tenant != "" && product != "" {
			return tenant, product
		}
	}
	return "", ""
}

// redirectAllowed matches scheme, host and port exactly and ignores the
// path, per the allow-list contract.
func redirectAllowed(candidate string, allowed []string) bool {
	cu, err := url.Parse(candidate)
	if err != nil || !cu.IsAbs() {
		return false
	}
	for _, a := range allowed {
		au, err := url.Parse(a)
		if err != nil {
			continue
		}
		if au.Scheme == cu.Scheme && au.Hostname() == cu.Hostname() && au.Port() == cu.Port() {
			return true
		}
	}
	return false
}

func splitScopes(scope string) []string {
	var out []string
	for _, s := range strings.Fields(scope) {
		// An encoded tenant/product entry is transport, not a scope.
		if strings.Contains(s, "tenant=") {
			continue
		}
		out = append(out, s)
	}
	return out
}

func oauthErrorResult(redirectURI, code, description, state string) *FlowResult {
	params := url.Values{"error": {code}}
	if description != "" {
		params.Set("error_description", description)
	}
	if state != "" {
		params.Set("state", state)
	}
	return &FlowResult{RedirectURL: appendQuery(redirectURI, params)}
}

func appendQuery(rawURL string, params url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + params.Encode()
}
