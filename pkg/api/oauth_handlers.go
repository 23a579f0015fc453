package api

import (
	"net/http"
	"strings"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/broker"
	"github.com/polyfed/polyfed/pkg/httputil"
)

// authorize handles GET/POST /oauth/authorize
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apierror.InvalidInput("malformed request: %v", err))
		return
	}
	params := r.Form

	req := broker.AuthorizeRequest{
		ResponseType:        params.Get("response_type"),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		State:               params.Get("state"),
		Scope:               params.Get("scope"),
		Nonce:               params.Get("nonce"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
		IdPHint:             params.Get("idp_hint"),
		Prompt:              params.Get("prompt"),
		Tenant:              params.Get("tenant"),
		Product:             params.Get("product"),
		AccessType:          params.Get("access_type"),
		Resource:            params.Get("resource"),
		Params:              params,
	}

	result, err := s.oauth.Authorize(r.Context(), req)
	if err != nil {
		s.countLogin("oauth", "error")
		writeError(w, err)
		return
	}
	s.countLogin("oauth", "redirected")
	writeFlowResult(w, r, result)
}

// samlAuthorize handles GET/POST /oauth/saml/authorize, the entry point
// for service providers that speak SAML rather than OAuth.
func (s *Server) samlAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apierror.InvalidInput("malformed request: %v", err))
		return
	}

	result, err := s.oauth.SAMLAuthn(r.Context(), broker.SAMLAuthnRequest{
		SAMLRequest: r.Form.Get("SAMLRequest"),
		RelayState:  r.Form.Get("RelayState"),
		IdPHint:     r.Form.Get("idp_hint"),
	})
	if err != nil {
		s.countLogin("saml", "error")
		writeError(w, err)
		return
	}
	s.countLogin("saml", "redirected")
	writeFlowResult(w, r, result)
}

// samlResponse handles POST /oauth/saml, the assertion consumer service.
func (s *Server) samlResponse(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apierror.InvalidInput("malformed ACS post: %v", err))
		return
	}

	relayState := r.PostForm.Get("RelayState")
	flow := "sp-initiated"
	prefix := s.cfg.RelayStatePrefix
	if prefix == "" {
		prefix = broker.DefaultRelayStatePrefix
	}
	if !strings.HasPrefix(relayState, prefix) {
		flow = "idp-initiated"
	}

	result, err := s.oauth.SAMLResponse(r.Context(), broker.SAMLResponseRequest{
		SAMLResponse: r.PostForm.Get("SAMLResponse"),
		RelayState:   relayState,
		IdPHint:      r.PostForm.Get("idp_hint"),
	})
	if err != nil {
		s.countLoginFlow("saml", flow, "error")
		writeError(w, err)
		return
	}
	s.countLoginFlow("saml", flow, "completed")
	writeFlowResult(w, r, result)
}

// oidcCallback handles GET /oauth/oidc, the upstream provider's redirect.
func (s *Server) oidcCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	result, err := s.oauth.OIDCAuthzResponse(r.Context(), broker.OIDCAuthzResponseRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		s.countLogin("oidc", "error")
		writeError(w, err)
		return
	}
	s.countLogin("oidc", "completed")
	writeFlowResult(w, r, result)
}

// token handles POST /oauth/token
func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apierror.InvalidInput("malformed token request: %v", err))
		return
	}

	req := broker.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Code:         r.PostForm.Get("code"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
	}

	// client_secret_basic callers put the credentials in the header.
	if user, pass, ok := r.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = user, pass
	}

	resp, err := s.oauth.Token(r.Context(), req)
	if err != nil {
		s.countTokenExchange(req, "error")
		writeError(w, err)
		return
	}

	s.countTokenExchange(req, "success")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	httputil.WriteSuccess(w, resp)
}

// userInfo handles GET/POST /oauth/userinfo
func (s *Server) userInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, apierror.Unauthorized("bearer token is required"))
		return
	}

	info, err := s.oauth.UserInfo(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, info)
}

// createLogout handles GET/POST /oauth/logout
func (s *Server) createLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apierror.InvalidInput("malformed logout request: %v", err))
		return
	}

	result, err := s.logout.CreateRequest(r.Context(), broker.CreateLogoutRequest{
		NameID:      r.Form.Get("nameId"),
		Tenant:      r.Form.Get("tenant"),
		Product:     r.Form.Get("product"),
		RedirectURL: r.Form.Get("redirectUrl"),
	})
	if err != nil {
		s.countLogout("error")
		writeError(w, err)
		return
	}
	writeFlowResult(w, r, result)
}

// logoutCallback handles POST /oauth/logout/callback, the IdP's
// LogoutResponse.
func (s *Server) logoutCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apierror.InvalidInput("malformed logout response: %v", err))
		return
	}

	redirectURL, err := s.logout.HandleResponse(r.Context(), broker.HandleLogoutResponse{
		SAMLResponse: r.PostForm.Get("SAMLResponse"),
		RelayState:   r.PostForm.Get("RelayState"),
	})
	if err != nil {
		s.countLogout("error")
		writeError(w, err)
		return
	}

	s.countLogout("success")
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// openIDConfiguration handles GET /.well-known/openid-configuration
func (s *Server) openIDConfiguration(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.oauth.OpenIDConfig())
}

// jwks handles GET /oauth/jwks
func (s *Server) jwks(w http.ResponseWriter, r *http.Request) {
	doc, err := s.oauth.JWKSDocument()
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, doc)
}

// bearerToken pulls the access token from the Authorization header, with
// a form-field fallback for POST callers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			return r.PostForm.Get("access_token")
		}
	}
	return ""
}

func (s *Server) countLogin(protocol, status string) {
	s.countLoginFlow(protocol, "sp-initiated", status)
}

func (s *Server) countLoginFlow(protocol, flow, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.LoginRequestsTotal.WithLabelValues(protocol, flow, status).Inc()
}

func (s *Server) countTokenExchange(req broker.TokenRequest, status string) {
	if s.metrics == nil {
		return
	}
	method := "client_secret"
	if req.CodeVerifier != "" {
		method = "pkce"
	}
	s.metrics.TokenExchangesTotal.WithLabelValues(method, status).Inc()
}

func (s *Server) countLogout(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.LogoutRequestsTotal.WithLabelValues(status).Inc()
}
