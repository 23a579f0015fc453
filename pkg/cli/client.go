package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultBrokerURL = "http://localhost:8080"

// brokerURL resolves the broker base URL from the flag, falling back to
// POLYFED_BROKER_URL.
func brokerURL(flagValue string) string {
	if flagValue != defaultBrokerURL && flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("POLYFED_BROKER_URL"); env != "" {
		return env
	}
	return defaultBrokerURL
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

// doJSON sends a request with an optional JSON body and decodes a JSON
// response into out. Error responses are unwrapped from the broker's
// error envelope.
func doJSON(method, url string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, errorFromEnvelope(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func errorFromEnvelope(data []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(data)
}
