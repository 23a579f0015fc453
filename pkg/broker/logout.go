package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/connection"
	"github.com/polyfed/polyfed/pkg/observability"
	"github.com/polyfed/polyfed/pkg/samlbridge"
	"github.com/polyfed/polyfed/pkg/store"
)

// LogoutNamespace holds in-flight SLO sessions.
const LogoutNamespace = "logout"

// LogoutBroker drives SAML single logout against upstream IdPs.
type LogoutBroker struct {
	cfg      Config
	kv       store.KV
	registry *connection.Registry
	logger   *observability.Logger
}

func NewLogoutBroker(cfg Config, kv store.KV, registry *connection.Registry, logger *observability.Logger) *LogoutBroker {
	return &LogoutBroker{cfg: cfg.withDefaults(), kv: kv, registry: registry, logger: logger}
}

// CreateLogoutRequest starts SLO for a user on a tenant/product's SAML
// connection.
type CreateLogoutRequest struct {
	NameID      string
	Tenant      string
	Product     string
	RedirectURL string
}

func (l *LogoutBroker) CreateRequest(ctx context.Context, req CreateLogoutRequest) (*FlowResult, error) {
	if req.NameID == "" {
		return nil, apierror.InvalidInput("nameId is required")
	}

	conns, err := l.registry.GetByTenantProduct(ctx, req.Tenant, req.Product)
	if err != nil {
		return nil, err
	}
	var conn *connection.Connection
	for _, c := range conns {
		if c.IsSAML() {
			conn = c
			break
		}
	}
	if conn == nil {
		return nil, apierror.NotFound("no SAML connection found for this tenant/product")
	}

	sessionID := randomID()
	relayState := l.cfg.RelayStatePrefix + sessionID

	logoutReq, err := samlbridge.BuildLogoutRequest(samlbridge.LogoutParams{
		Metadata:    conn.IdPMetadata,
		EntityID:    l.cfg.SAMLAudience,
		NameID:      req.NameID,
		RelayState:  relayState,
		SigningKeys: conn.Certs,
	})
	if err != nil {
		return nil, err
	}

	redirectURL := req.RedirectURL
	if redirectURL == "" {
		redirectURL = conn.DefaultRedirectURL
	}
	session := LogoutSession{ID: sessionID, RequestID: logoutReq.ID, RedirectURL: redirectURL}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, apierror.Internal("failed to encode logout session: %v", err)
	}
	if err := l.kv.Put(ctx, LogoutNamespace, sessionID, raw, l.cfg.SessionTTL); err != nil {
		return nil, apierror.Unavailable("logout session write failed: %v", err)
	}

	return &FlowResult{RedirectURL: logoutReq.RedirectURL, PostForm: string(logoutReq.PostForm)}, nil
}

// HandleLogoutResponse is the IdP's answer to a LogoutRequest.
type HandleLogoutResponse struct {
	SAMLResponse string
	RelayState   string
}

// HandleResponse validates the IdP's LogoutResponse and returns the URL
// the browser should land on afterwards.
func (l *LogoutBroker) HandleResponse(ctx context.Context, req HandleLogoutResponse) (string, error) {
	if !strings.HasPrefix(req.RelayState, l.cfg.RelayStatePrefix) {
		return "", apierror.Forbidden("invalid state")
	}
	sessionID := strings.TrimPrefix(req.RelayState, l.cfg.RelayStatePrefix)

	raw, err := l.kv.Get(ctx, LogoutNamespace, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return "", apierror.Forbidden("invalid state: logout session expired or unknown")
	}
	if err != nil {
		return "", apierror.Unavailable("logout session read failed: %v", err)
	}
	var session LogoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return "", apierror.Internal("corrupt logout session: %v", err)
	}

	issuer, err := samlbridge.ParseIssuer(req.SAMLResponse)
	if err != nil {
		return "", err
	}
	conns, err := l.registry.GetByEntityID(ctx, issuer)
	if err != nil {
		return "", err
	}
	if len(conns) == 0 {
		return "", apierror.NotFound("no connection found for the logout issuer")
	}
	conn := conns[0]

	resp, err := samlbridge.ParseLogoutResponse(req.SAMLResponse, conn.IdPMetadata.Certificate, conn.IdPMetadata.Thumbprint)
	if err != nil {
		return "", err
	}
	if resp.Status != samlbridge.StatusSuccess {
		return "", apierror.InvalidInput("logout failed at the identity provider: %s", resp.Status)
	}
	if resp.InResponseTo != session.RequestID {
		return "", apierror.InvalidInput("logout response does not match the request")
	}

	if err := l.kv.Delete(ctx, LogoutNamespace, sessionID); err != nil {
		l.logger.WithError(err).Warn("failed to delete consumed logout session")
	}

	l.registry.Notify("logout.completed", map[string]interface{}{
		"clientID": conn.ClientID,
		"tenant":   conn.Tenant,
		"product":  conn.Product,
	})

	if session.RedirectURL != "" {
		return session.RedirectURL, nil
	}
	return conn.DefaultRedirectURL, nil
}
