package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/broker"
	"github.com/polyfed/polyfed/pkg/connection"
	"github.com/polyfed/polyfed/pkg/httputil"
	"github.com/polyfed/polyfed/pkg/observability"
	"github.com/polyfed/polyfed/pkg/webhooks"
)

// DiscoveryPath is where multi-connection flows send the browser to pick
// an identity provider.
const DiscoveryPath = "/idp/select"

// Options carries the server's collaborators. Metrics and Webhooks are
// optional; everything else is required.
type Options struct {
	Broker   broker.Config
	Registry *connection.Registry
	Resolver *connection.Resolver
	OAuth    *broker.OAuthBroker
	Logout   *broker.LogoutBroker
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Webhooks *webhooks.WebhookHandlers
}

// Server is the broker's HTTP front.
type Server struct {
	router   *mux.Router
	cfg      broker.Config
	registry *connection.Registry
	resolver *connection.Resolver
	oauth    *broker.OAuthBroker
	logout   *broker.LogoutBroker
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewServer creates the API server and wires its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		cfg:      opts.Broker,
		registry: opts.Registry,
		resolver: opts.Resolver,
		oauth:    opts.OAuth,
		logout:   opts.Logout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}

	s.setupRoutes(opts.Webhooks)
	return s
}

func (s *Server) setupRoutes(webhookHandlers *webhooks.WebhookHandlers) {
	// Admin connection API
	s.router.HandleFunc("/api/v1/sso", s.createConnection).Methods("POST")
	s.router.HandleFunc("/api/v1/sso", s.getConnections).Methods("GET")
	s.router.HandleFunc("/api/v1/sso", s.updateConnection).Methods("PATCH")
	s.router.HandleFunc("/api/v1/sso", s.deleteConnection).Methods("DELETE")
	s.router.HandleFunc("/api/v1/sso/metadata", s.spMetadata).Methods("GET")

	// Federation surface
	s.router.HandleFunc("/oauth/authorize", s.authorize).Methods("GET", "POST")
	s.router.HandleFunc("/oauth/saml/authorize", s.samlAuthorize).Methods("GET", "POST")
	s.router.HandleFunc("/oauth/saml", s.samlResponse).Methods("POST")
	s.router.HandleFunc("/oauth/oidc", s.oidcCallback).Methods("GET")
	s.router.HandleFunc("/oauth/token", s.token).Methods("POST")
	s.router.HandleFunc("/oauth/userinfo", s.userInfo).Methods("GET", "POST")

	// Single logout
	s.router.HandleFunc("/oauth/logout", s.createLogout).Methods("GET", "POST")
	s.router.HandleFunc("/oauth/logout/callback", s.logoutCallback).Methods("POST")

	// The broker as an OpenID provider
	s.router.HandleFunc("/.well-known/openid-configuration", s.openIDConfiguration).Methods("GET")
	s.router.HandleFunc("/oauth/jwks", s.jwks).Methods("GET")

	// IdP chooser for ambiguous tenant/product matches
	s.router.HandleFunc(DiscoveryPath, s.idpSelect).Methods("GET", "POST")

	if webhookHandlers != nil {
		webhookHandlers.RegisterRoutes(s.router.PathPrefix("/api/v1").Subrouter())
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler wraps the router in the ambient middleware stack.
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
	)
	if s.metrics != nil {
		return chain(observability.HTTPMetricsMiddleware(s.metrics)(s.router))
	}
	return chain(s.router)
}

// writeError renders the broker error envelope: the status comes from
// the error itself, the body nests the message under "error".
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierror.StatusOf(err))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": err.Error()},
	})
}

// writeFlowResult answers a browser-facing operation with either a 302
// or an auto-submitting HTML form, whichever the broker produced.
func writeFlowResult(w http.ResponseWriter, r *http.Request, result *broker.FlowResult) {
	if result.PostForm != "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(result.PostForm))
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}
