package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vidforge/vidforge/internal/config"
)

// clientTimeout bounds every control-plane API call from the CLI.
const clientTimeout = 30 * time.Second

// apiClient is a thin JSON client for a running vidforge server.
type apiClient struct {
	base string
	http *http.Client
}

// newAPIClient resolves the server address: an explicit --addr flag wins,
// otherwise the configured listen address is used.
func newAPIClient(addr string, cfg *config.Config) *apiClient {
	if addr == "" {
		addr = cfg.Server.ListenAddr
	}

	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}

	return &apiClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: clientTimeout},
	}
}

// apiError is the server's error envelope.
type apiError struct {
	Error string `json:"error"`
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var envelope apiError

		decodeErr := json.NewDecoder(resp.Body).Decode(&envelope)
		if decodeErr == nil && envelope.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, envelope.Error, resp.StatusCode)
		}

		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}

	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}
