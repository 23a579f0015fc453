package api

import (
	"net/http"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/connection"
	"github.com/polyfed/polyfed/pkg/httputil"
	"github.com/polyfed/polyfed/pkg/samlbridge"
	"github.com/polyfed/polyfed/pkg/store"
)

// createConnection handles POST /api/v1/sso
func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	var req connection.CreateRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, apierror.InvalidInput("%v", err))
		return
	}

	conn, err := s.registry.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	s.recordConnections(r)
	httputil.WriteCreated(w, conn)
}

// getConnections handles GET /api/v1/sso. Lookup priority mirrors the
// registry: clientID beats tenant/product beats a paginated listing.
func (s *Server) getConnections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if clientID := httputil.ParseQueryString(r, "clientID", ""); clientID != "" {
		conn, err := s.registry.Get(ctx, clientID)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteSuccess(w, []*connection.Connection{conn})
		return
	}

	tenant := httputil.ParseQueryString(r, "tenant", "")
	product := httputil.ParseQueryString(r, "product", "")
	if tenant != "" && product != "" {
		conns, err := s.registry.GetByTenantProduct(ctx, tenant, product)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteSuccess(w, conns)
		return
	}

	offset, err := httputil.ParseQueryInt(r, "pageOffset", 0)
	if err != nil {
		writeError(w, apierror.InvalidInput("%v", err))
		return
	}
	limit, err := httputil.ParseQueryInt(r, "pageLimit", 50)
	if err != nil {
		writeError(w, apierror.InvalidInput("%v", err))
		return
	}

	conns, err := s.registry.List(ctx, store.PageOptions{
		Offset:    offset,
		Limit:     limit,
		PageToken: httputil.ParseQueryString(r, "pageToken", ""),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, conns)
}

// updateConnection handles PATCH /api/v1/sso
func (s *Server) updateConnection(w http.ResponseWriter, r *http.Request) {
	var req connection.UpdateRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, apierror.InvalidInput("%v", err))
		return
	}

	conn, err := s.registry.Update(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, conn)
}

type deleteConnectionRequest struct {
	ClientID     string `json:"clientID"`
	ClientSecret string `json:"clientSecret"`
	Tenant       string `json:"tenant"`
	Product      string `json:"product"`
}

// deleteConnection handles DELETE /api/v1/sso. Deleting by clientID
// requires the matching secret; deleting by tenant/product is the bulk
// path for tenant offboarding.
func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request) {
	var req deleteConnectionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := httputil.ParseJSON(r, &req); err != nil {
			writeError(w, apierror.InvalidInput("%v", err))
			return
		}
	}
	if req.ClientID == "" {
		req.ClientID = httputil.ParseQueryString(r, "clientID", "")
		req.ClientSecret = httputil.ParseQueryString(r, "clientSecret", "")
		req.Tenant = httputil.ParseQueryString(r, "tenant", "")
		req.Product = httputil.ParseQueryString(r, "product", "")
	}

	ctx := r.Context()
	var err error
	switch {
	case req.ClientID != "":
		err = s.registry.Delete(ctx, req.ClientID, req.ClientSecret)
	case req.Tenant != "" && req.Product != "":
		err = s.registry.DeleteByTenantProduct(ctx, req.Tenant, req.Product)
	default:
		err = apierror.InvalidInput("clientID/clientSecret or tenant/product is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.recordConnections(r)
	httputil.WriteNoContent(w)
}

// spMetadata handles GET /api/v1/sso/metadata: the broker's own SP
// metadata for IdP-side registration.
func (s *Server) spMetadata(w http.ResponseWriter, r *http.Request) {
	acsPath := s.cfg.ACSPath
	if acsPath == "" {
		acsPath = "/oauth/saml"
	}
	params := samlbridge.SPMetadataParams{
		EntityID: s.cfg.SAMLAudience,
		ACSURL:   s.cfg.ExternalURL + acsPath,
		SLOURL:   s.cfg.ExternalURL + "/oauth/logout/callback",
	}
	if s.cfg.JWTSigningKeys != nil {
		params.Certificate = s.cfg.JWTSigningKeys.PublicKey
	}

	xml, err := samlbridge.BuildSPMetadata(params)
	if err != nil {
		writeError(w, apierror.Internal("failed to build SP metadata: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write(xml)
}

// recordConnections refreshes the per-type connection gauges after a
// registry mutation.
func (s *Server) recordConnections(r *http.Request) {
	if s.metrics == nil {
		return
	}
	conns, err := s.registry.List(r.Context(), store.PageOptions{})
	if err != nil {
		return
	}
	var saml, oidc float64
	for _, c := range conns {
		if c.IsSAML() {
			saml++
		} else {
			oidc++
		}
	}
	s.metrics.ConnectionsTotal.WithLabelValues("saml").Set(saml)
	s.metrics.ConnectionsTotal.WithLabelValues("oidc").Set(oidc)
}
