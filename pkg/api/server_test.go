package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polyfed/polyfed/pkg/broker"
	"github.com/polyfed/polyfed/pkg/certs"
	"github.com/polyfed/polyfed/pkg/connection"
	"github.com/polyfed/polyfed/pkg/observability"
	"github.com/polyfed/polyfed/pkg/oidcrelay"
	"github.com/polyfed/polyfed/pkg/store"
)

const (
	testExternalURL = "https://broker.example.com"
	testAudience    = "https://saml.broker.example.com"
	testEntityID    = "https://idp.example.com/metadata"
	testRedirectURL = "https://app.acme.com/done"
)

type testServer struct {
	server   *Server
	registry *connection.Registry
	kv       store.KV
	idpKeys  certs.KeyPair
}

func newTestServer(t *testing.T, mutate func(*broker.Config)) *testServer {
	t.Helper()

	idpKeys, err := certs.Generate("idp.example.com", 0)
	require.NoError(t, err)

	kv := store.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })

	registry := connection.NewRegistry(kv, nil)
	resolver := connection.NewResolver(registry, DiscoveryPath)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	cfg := broker.Config{
		ExternalURL:          testExternalURL,
		SAMLAudience:         testAudience,
		ClientSecretVerifier: "shared-verifier",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	server := NewServer(Options{
		Broker:   cfg,
		Registry: registry,
		Resolver: resolver,
		OAuth:    broker.NewOAuthBroker(cfg, kv, registry, resolver, oidcrelay.NewRelay(), logger),
		Logout:   broker.NewLogoutBroker(cfg, kv, registry, logger),
		Logger:   logger,
	})

	return &testServer{
		server:   server,
		registry: registry,
		kv:       kv,
		idpKeys:  idpKeys,
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.server.ServeHTTP(w, req)
	return w
}

func certBody(pemCert string) string {
	s := strings.ReplaceAll(pemCert, "-----BEGIN CERTIFICATE-----", "")
	s = strings.ReplaceAll(s, "-----END CERTIFICATE-----", "")
	return strings.TrimSpace(s)
}

func (ts *testServer) idpMetadataXML(entityID string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID=%q>
<md:IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
<md:KeyDescriptor use="signing"><ds:KeyInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#"><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo></md:KeyDescriptor>
<md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.com/sso"/>
</md:IDPSSODescriptor></md:EntityDescriptor>`, entityID, certBody(ts.idpKeys.PublicKey))
}

func (ts *testServer) createSAMLConnection(t *testing.T, entityID, product string) *connection.Connection {
	t.Helper()
	conn, err := ts.registry.Create(context.Background(), connection.CreateRequest{
		Tenant:             "acme.com",
		Product:            product,
		Name:               "Acme " + product,
		DefaultRedirectURL: testRedirectURL,
		RedirectURLs:       []string{testRedirectURL},
		RawMetadata:        ts.idpMetadataXML(entityID),
	})
	require.NoError(t, err)
	return conn
}

// errorMessage digs the message out of the broker error envelope.
func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.Error.Message
}
