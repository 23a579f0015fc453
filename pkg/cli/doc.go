// Package cli provides the polyfed command-line interface for connection
// management.
//
// # Overview
//
// This package implements the `polyfed` admin CLI for operators to register,
// inspect, and remove SSO connections against a running broker's admin API.
//
// # Commands
//
// create: Register a SAML connection from an IdP metadata file
//
//	polyfed create \
//		--broker https://broker.example.com \
//		--tenant acme.com \
//		--product crm \
//		--name "Acme Okta" \
//		--redirect-url https://app.acme.com/done \
//		--metadata-file ./okta-metadata.xml
//
// or an OIDC connection from a provider discovery URL:
//
//	polyfed create \
//		--tenant acme.com \
//		--product crm \
//		--name "Acme Google" \
//		--redirect-url https://app.acme.com/done \
//		--oidc-discovery-url https://accounts.google.com/.well-known/openid-configuration \
//		--oidc-client-id <id> \
//		--oidc-client-secret <secret>
//
// list: Print connections, optionally filtered
//
//	polyfed list --tenant acme.com --product crm
//
// delete: Remove a connection by credentials, or all for a tenant/product
//
//	polyfed delete --client-id pf_abc --client-secret <secret>
//	polyfed delete --tenant acme.com --product crm
//
// metadata: Print the broker's SAML SP metadata for IdP-side registration
//
//	polyfed metadata --broker https://broker.example.com
//
// The broker URL defaults to http://localhost:8080 and can also come from
// POLYFED_BROKER_URL.
package cli
