// Package api wires the federation broker's HTTP surface: the admin
// connection endpoints under /api/v1/sso, the OAuth facade under
// /oauth, the OIDC discovery documents, and the IdP chooser page.
//
// The server is a thin routing layer. All protocol decisions live in
// the broker and connection packages; handlers translate HTTP requests
// into broker calls and render the results, either as JSON, as a 302
// redirect, or as a self-submitting HTML form for SAML POST bindings.
//
// Construction:
//
//	srv := api.NewServer(api.Options{
//		Broker:   cfg,
//		Registry: registry,
//		Resolver: resolver,
//		OAuth:    oauthBroker,
//		Logout:   logoutBroker,
//		Logger:   logger,
//		Metrics:  metrics,
//	})
//	http.ListenAndServe(":8080", srv.Handler())
//
// Handler returns the router wrapped with request-ID, panic-recovery,
// request-logging, and (when metrics are configured) HTTP metrics
// middleware. ServeHTTP serves the bare router, which the tests use.
//
// Errors are rendered as the JSON envelope {"error": {"message": ...}}
// with the status mapped from the apierror kind. Browser-facing flow
// endpoints never render that envelope for recoverable OAuth protocol
// errors; those go back to the application as standard error redirects.
package api
