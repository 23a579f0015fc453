package cli

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/polyfed/polyfed/pkg/connection"
)

func newCreateCommand() *Command {
	cmd := &Command{
		Name:        "create",
		Description: "Register an SSO connection",
		Flags:       flag.NewFlagSet("create", flag.ExitOnError),
	}

	broker := cmd.Flags.String("broker", defaultBrokerURL, "Broker base URL")
	tenant := cmd.Flags.String("tenant", "", "Tenant the connection belongs to")
	product := cmd.Flags.String("product", "", "Product the connection belongs to")
	name := cmd.Flags.String("name", "", "Connection name")
	description := cmd.Flags.String("description", "", "Connection description")
	redirectURL := cmd.Flags.String("redirect-url", "", "Default redirect URL")
	extraRedirects := cmd.Flags.String("extra-redirect-urls", "", "Additional allowed redirect URLs, comma separated")
	metadataFile := cmd.Flags.String("metadata-file", "", "Path to the IdP's SAML metadata XML")
	oidcDiscoveryURL := cmd.Flags.String("oidc-discovery-url", "", "OIDC provider discovery URL")
	oidcClientID := cmd.Flags.String("oidc-client-id", "", "OIDC client ID registered at the provider")
	oidcClientSecret := cmd.Flags.String("oidc-client-secret", "", "OIDC client secret registered at the provider")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		req := connection.CreateRequest{
			Tenant:             *tenant,
			Product:            *product,
			Name:               *name,
			Description:        *description,
			DefaultRedirectURL: *redirectURL,
			RedirectURLs:       splitList(*extraRedirects),
			OIDCDiscoveryURL:   *oidcDiscoveryURL,
			OIDCClientID:       *oidcClientID,
			OIDCClientSecret:   *oidcClientSecret,
		}
		if req.DefaultRedirectURL != "" {
			req.RedirectURLs = append(req.RedirectURLs, req.DefaultRedirectURL)
		}
		if *metadataFile != "" {
			data, err := os.ReadFile(*metadataFile)
			if err != nil {
				return fmt.Errorf("failed to read metadata file: %w", err)
			}
			req.RawMetadata = string(data)
		}

		var conn connection.Connection
		if err := doJSON("POST", brokerURL(*broker)+"/api/v1/sso", req, &conn); err != nil {
			return err
		}

		fmt.Printf("Created connection %s\n", conn.ClientID)
		fmt.Printf("  clientSecret: %s\n", conn.ClientSecret)
		return nil
	}
	return cmd
}

func newListCommand() *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List SSO connections",
		Flags:       flag.NewFlagSet("list", flag.ExitOnError),
	}

	broker := cmd.Flags.String("broker", defaultBrokerURL, "Broker base URL")
	clientID := cmd.Flags.String("client-id", "", "Look up a single connection by client ID")
	tenant := cmd.Flags.String("tenant", "", "Filter by tenant")
	product := cmd.Flags.String("product", "", "Filter by product")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		params := url.Values{}
		if *clientID != "" {
			params.Set("clientID", *clientID)
		}
		if *tenant != "" {
			params.Set("tenant", *tenant)
		}
		if *product != "" {
			params.Set("product", *product)
		}

		var conns []*connection.Connection
		if err := doJSON("GET", brokerURL(*broker)+"/api/v1/sso?"+params.Encode(), nil, &conns); err != nil {
			return err
		}

		if len(conns) == 0 {
			fmt.Println("No connections found")
			return nil
		}
		for _, conn := range conns {
			kind := "saml"
			if conn.IsOIDC() {
				kind = "oidc"
			}
			fmt.Printf("%s  %s/%s  %s  %s\n", conn.ClientID, conn.Tenant, conn.Product, kind, conn.Name)
		}
		return nil
	}
	return cmd
}

func newDeleteCommand() *Command {
	cmd := &Command{
		Name:        "delete",
		Description: "Delete SSO connections",
		Flags:       flag.NewFlagSet("delete", flag.ExitOnError),
	}

	broker := cmd.Flags.String("broker", defaultBrokerURL, "Broker base URL")
	clientID := cmd.Flags.String("client-id", "", "Client ID of the connection to delete")
	clientSecret := cmd.Flags.String("client-secret", "", "Client secret, required with --client-id")
	tenant := cmd.Flags.String("tenant", "", "Delete all connections for this tenant")
	product := cmd.Flags.String("product", "", "Delete all connections for this product")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		body := map[string]string{}
		if *clientID != "" {
			body["clientID"] = *clientID
			body["clientSecret"] = *clientSecret
		} else if *tenant != "" && *product != "" {
			body["tenant"] = *tenant
			body["product"] = *product
		} else {
			return fmt.Errorf("either --client-id/--client-secret or --tenant/--product is required")
		}

		if err := doJSON("DELETE", brokerURL(*broker)+"/api/v1/sso", body, nil); err != nil {
			return err
		}
		fmt.Println("Deleted")
		return nil
	}
	return cmd
}

func newMetadataCommand() *Command {
	cmd := &Command{
		Name:        "metadata",
		Description: "Print the broker's SAML SP metadata",
		Flags:       flag.NewFlagSet("metadata", flag.ExitOnError),
	}

	broker := cmd.Flags.String("broker", defaultBrokerURL, "Broker base URL")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		resp, err := httpClient.Get(brokerURL(*broker) + "/api/v1/sso/metadata")
		if err != nil {
			return fmt.Errorf("broker unreachable: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("broker returned %d: %s", resp.StatusCode, errorFromEnvelope(data))
		}
		fmt.Println(string(data))
		return nil
	}
	return cmd
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
