package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/samlbridge"
)

func logoutResponseXML(status, inResponseTo string) string {
	raw := fmt.Sprintf(
		`<samlp:LogoutResponse xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"`+
			` ID="_lr1" InResponseTo=%q><saml:Issuer>%s</saml:Issuer>`+
			`<samlp:Status><samlp:StatusCode Value=%q/></samlp:Status></samlp:LogoutResponse>`,
		inResponseTo, testEntityID, status)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func (e *testEnv) startLogout(t *testing.T) (relayState, requestID string) {
	t.Helper()
	res, err := e.logout.CreateRequest(context.Background(), CreateLogoutRequest{
		NameID:  "jane@acme.com",
		Tenant:  "acme.com",
		Product: "crm",
	})
	require.NoError(t, err)
	require.Contains(t, res.RedirectURL, "https://idp.example.com/slo")

	relayState = queryOf(t, res.RedirectURL).Get("RelayState")
	require.True(t, strings.HasPrefix(relayState, DefaultRelayStatePrefix))

	raw, err := e.kv.Get(context.Background(), LogoutNamespace, strings.TrimPrefix(relayState, DefaultRelayStatePrefix))
	require.NoError(t, err)
	var session LogoutSession
	require.NoError(t, json.Unmarshal(raw, &session))
	return relayState, session.RequestID
}

func TestLogoutRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	e.createSAMLConnection(t, testEntityID, "crm")

	relayState, requestID := e.startLogout(t)

	redirect, err := e.logout.HandleResponse(context.Background(), HandleLogoutResponse{
		SAMLResponse: logoutResponseXML(samlbridge.StatusSuccess, requestID),
		RelayState:   relayState,
	})
	require.NoError(t, err)
	assert.Equal(t, testRedirectURL, redirect, "falls back to the connection default")
	assert.Contains(t, e.events.names, "logout.completed")

	// The session is consumed; replaying the response fails.
	_, err = e.logout.HandleResponse(context.Background(), HandleLogoutResponse{
		SAMLResponse: logoutResponseXML(samlbridge.StatusSuccess, requestID),
		RelayState:   relayState,
	})
	assert.Equal(t, 403, apierror.StatusOf(err))
}

func TestLogoutStatusFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	e.createSAMLConnection(t, testEntityID, "crm")

	relayState, requestID := e.startLogout(t)

	_, err := e.logout.HandleResponse(context.Background(), HandleLogoutResponse{
		SAMLResponse: logoutResponseXML("urn:oasis:names:tc:SAML:2.0:status:Responder", requestID),
		RelayState:   relayState,
	})
	require.Error(t, err)
	assert.Equal(t, 400, apierror.StatusOf(err))
	assert.Contains(t, err.Error(), "logout failed")
}

func TestLogoutInResponseToMismatch(t *testing.T) {
	e := newTestEnv(t, nil)
	e.createSAMLConnection(t, testEntityID, "crm")

	relayState, _ := e.startLogout(t)

	_, err := e.logout.HandleResponse(context.Background(), HandleLogoutResponse{
		SAMLResponse: logoutResponseXML(samlbridge.StatusSuccess, "_someoneelse"),
		RelayState:   relayState,
	})
	require.Error(t, err)
	assert.Equal(t, 400, apierror.StatusOf(err))
	assert.Contains(t, err.Error(), "does not match")
}

func TestLogoutInvalidState(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.logout.HandleResponse(context.Background(), HandleLogoutResponse{
		SAMLResponse: logoutResponseXML(samlbridge.StatusSuccess, "_x"),
		RelayState:   "unprefixed",
	})
	assert.Equal(t, 403, apierror.StatusOf(err))
}

func TestLogoutCreateRequestValidation(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.logout.CreateRequest(context.Background(), CreateLogoutRequest{
		Tenant: "acme.com", Product: "crm",
	})
	assert.Equal(t, 400, apierror.StatusOf(err), "nameId is required")

	_, err = e.logout.CreateRequest(context.Background(), CreateLogoutRequest{
		NameID: "jane@acme.com", Tenant: "ghost.com", Product: "crm",
	})
	assert.Equal(t, 404, apierror.StatusOf(err))
}
