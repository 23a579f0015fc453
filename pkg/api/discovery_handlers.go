package api

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/polyfed/polyfed/pkg/apierror"
	"github.com/polyfed/polyfed/pkg/connection"
)

var idpSelectTmpl = template.Must(template.New("idp-select").Parse(strings.TrimSpace(`
<!DOCTYPE html>
<html>
<head><title>Choose your identity provider</title></head>
<body>
<h1>Choose your identity provider</h1>
{{range .Choices}}
<form method="{{$.Method}}" action="{{$.Action}}">
{{range $k, $vs := $.Params}}{{range $vs}}<input type="hidden" name="{{$k}}" value="{{.}}" />
{{end}}{{end}}<input type="hidden" name="idp_hint" value="{{.ClientID}}" />
<button type="submit">{{.Provider}} ({{.Kind}})</button>
</form>
{{end}}
</body>
</html>`)))

type idpChoice struct {
	Provider string
	ClientID string
	Kind     string
}

// idpSelect serves the chooser for flows where several connections match
// one tenant/product. Each button resubmits the original flow with an
// idp_hint pinned to one connection.
func (s *Server) idpSelect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apierror.InvalidInput("malformed discovery request: %v", err))
		return
	}

	var candidates []connection.Candidate
	if raw := r.Form.Get("idp"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
			writeError(w, apierror.InvalidInput("malformed candidate list"))
			return
		}
	}
	if len(candidates) == 0 {
		writeError(w, apierror.InvalidInput("no identity providers to choose from"))
		return
	}

	// IdP-initiated flows carry the assertion; a pick re-posts it to the
	// ACS. SP-initiated flows replay the original authorize query.
	action := "/oauth/authorize"
	method := "get"
	params := url.Values{}
	if r.Form.Get("authFlow") == string(connection.FlowIdPInitiated) {
		action = "/oauth/saml"
		method = "post"
		params.Set("SAMLResponse", r.Form.Get("SAMLResponse"))
		params.Set("RelayState", r.Form.Get("RelayState"))
	} else {
		for k, vs := range r.Form {
			switch k {
			case "idp", "authFlow", "idp_hint":
				continue
			}
			params[k] = vs
		}
	}

	choices := make([]idpChoice, 0, len(candidates))
	for _, c := range candidates {
		kind := "SAML"
		if c.IsOIDC {
			kind = "OIDC"
		}
		choices = append(choices, idpChoice{
			Provider: c.Provider,
			ClientID: c.ClientID,
			Kind:     kind,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := idpSelectTmpl.Execute(w, map[string]interface{}{
		"Action":  action,
		"Method":  method,
		"Params":  params,
		"Choices": choices,
	})
	if err != nil {
		s.logger.WithError(err).Error("failed to render IdP chooser")
	}
}
