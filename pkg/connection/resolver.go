package connection

import (
	"context"
	"encoding/json"
	"html/template"
	"net/url"
	"strings"

	"github.com/polyfed/polyfed/pkg/apierror"
)

// AuthFlow identifies how an authentication attempt reached the broker.
type AuthFlow string

const (
	FlowOAuth        AuthFlow = "oauth"
	FlowSAML         AuthFlow = "saml"
	FlowIdPInitiated AuthFlow = "idp-initiated"
)

// ResolveRequest carries the lookup keys for a flow plus enough of the
// original request to rebuild it on the IdP-discovery page.
type ResolveRequest struct {
	Flow     AuthFlow
	Tenant   string
	Product  string
	EntityID string
	IdPHint  string

	// OriginalParams are replayed on the discovery redirect so the
	// chooser page can resume the flow once the user picks an IdP.
	OriginalParams url.Values

	// SAMLResponse is embedded in the discovery form for IdP-initiated
	// flows, where the assertion already exists before disambiguation.
	SAMLResponse string
	RelayState   string
}

// Candidate is one selectable connection on the IdP-discovery page.
type Candidate struct {
	Provider string `json:"provider"`
	ClientID string `json:"clientID"`
	IsSAML   bool   `json:"isSAML"`
	IsOIDC   bool   `json:"isOIDC"`
}

// Resolution is the resolver's tri-state outcome: exactly one of the
// fields is populated. Callers branch on which one.
type Resolution struct {
	Connection  *Connection
	RedirectURL string
	PostForm    string
}

// Resolver picks the connection for an incoming flow, deferring to the
// IdP-discovery page when several connections are eligible.
type Resolver struct {
	registry      *Registry
	discoveryPath string
}

func NewResolver(registry *Registry, discoveryPath string) *Resolver {
	return &Resolver{registry: registry, discoveryPath: discoveryPath}
}

func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.IdPHint != "" {
		conn, err := r.registry.Get(ctx, req.IdPHint)
		if err != nil {
			return nil, err
		}
		return &Resolution{Connection: conn}, nil
	}

	var (
		conns []*Connection
		err   error
	)
	switch {
	case req.Tenant != "" && req.Product != "":
		conns, err = r.registry.GetByTenantProduct(ctx, req.Tenant, req.Product)
	case req.EntityID != "":
		conns, err = r.registry.GetByEntityID(ctx, req.EntityID)
	default:
		return nil, apierror.InvalidInput("tenant/product, entityID or idp_hint is required")
	}
	if err != nil {
		return nil, err
	}

	switch len(conns) {
	case 0:
		if req.Flow == FlowIdPInitiated {
			return nil, apierror.Forbidden("no connection registered for this identity provider")
		}
		return nil, apierror.NotFound("no connection found")
	case 1:
		return &Resolution{Connection: conns[0]}, nil
	}

	candidates := toCandidates(conns)
	if req.Flow == FlowIdPInitiated {
		form, err := r.discoveryForm(req, candidates)
		if err != nil {
			return nil, err
		}
		return &Resolution{PostForm: form}, nil
	}

	redirect, err := r.discoveryRedirect(req, candidates)
	if err != nil {
		return nil, err
	}
	return &Resolution{RedirectURL: redirect}, nil
}

func toCandidates(conns []*Connection) []Candidate {
	out := make([]Candidate, 0, len(conns))
	for _, c := range conns {
		out = append(out, Candidate{
			Provider: c.Provider(),
			ClientID: c.ClientID,
			IsSAML:   c.IsSAML(),
			IsOIDC:   c.IsOIDC(),
		})
	}
	return out
}

// discoveryRedirect sends the browser to the IdP chooser with the
// original request parameters intact, so a pick can resume the flow.
func (r *Resolver) discoveryRedirect(req ResolveRequest, candidates []Candidate) (string, error) {
	list, err := json.Marshal(candidates)
	if err != nil {
		return "", apierror.Internal("failed to encode candidate list: %v", err)
	}

	params := url.Values{}
	for k, vs := range req.OriginalParams {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("authFlow", string(req.Flow))
	params.Set("idp", string(list))

	return r.discoveryPath + "?" + params.Encode(), nil
}

var discoveryFormTmpl = template.Must(template.New("discovery").Parse(strings.TrimSpace(`
<!DOCTYPE html>
<html>
<body onload="document.forms[0].submit()">
<noscript><p>Continue to choose your identity provider.</p></noscript>
<form method="post" action="{{.Action}}">
<input type="hidden" name="SAMLResponse" value="{{.SAMLResponse}}" />
<input type="hidden" name="RelayState" value="{{.RelayState}}" />
<input type="hidden" name="idp" value="{{.Candidates}}" />
<input type="hidden" name="authFlow" value="{{.Flow}}" />
<noscript><input type="submit" value="Continue" /></noscript>
</form>
</body>
</html>`)))

// discoveryForm defers IdP-initiated disambiguation to a user click: the
// assertion already arrived, so it rides along to the chooser as a POST.
func (r *Resolver) discoveryForm(req ResolveRequest, candidates []Candidate) (string, error) {
	list, err := json.Marshal(candidates)
	if err != nil {
		return "", apierror.Internal("failed to encode candidate list: %v", err)
	}

	var b strings.Builder
	err = discoveryFormTmpl.Execute(&b, map[string]string{
		"Action":       r.discoveryPath,
		"SAMLResponse": req.SAMLResponse,
		"RelayState":   req.RelayState,
		"Candidates":   string(list),
		"Flow":         string(req.Flow),
	})
	if err != nil {
		return "", apierror.Internal("failed to render discovery form: %v", err)
	}
	return b.String(), nil
}
