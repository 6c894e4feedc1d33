// Package client reads the barnr status server over HTTP(S).
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/loykin/barnr/internal/record"
)

// DefaultBaseURL matches a status server listening on 127.0.0.1:7987.
const DefaultBaseURL = "http://127.0.0.1:7987/api"

// Client talks to a running barnr status server
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// CACert trusts this PEM file, e.g. the tls_ca.crt of a generated certificate.
	CACert     string
	ServerName string
	Insecure   bool // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a status client. It fails only when the CA file cannot be used.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.ServerName != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the status server answers its health check
func (c *Client) IsReachable(ctx context.Context) bool {
	var ok struct {
		OK bool `json:"ok"`
	}
	if err := c.get(ctx, "/healthz", &ok); err != nil {
		c.logger.Debug("Status server unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return ok.OK
}

// Instances lists every instance.
func (c *Client) Instances(ctx context.Context) ([]Status, error) {
	var out []Status
	return out, c.get(ctx, "/instances", &out)
}

// Instance returns one instance. Unknown names yield an error wrapping
// record.ErrNotFound.
func (c *Client) Instance(ctx context.Context, name string) (Status, error) {
	var out Status
	return out, c.get(ctx, "/instances/"+url.PathEscape(name), &out)
}

// Bridges lists the bridges that are configured or running.
func (c *Client) Bridges(ctx context.Context) ([]BridgeStatus, error) {
	var out []BridgeStatus
	return out, c.get(ctx, "/bridges", &out)
}

// Scheduler returns the backup scheduler counters.
func (c *Client) Scheduler(ctx context.Context) (SchedulerState, error) {
	var out SchedulerState
	return out, c.get(ctx, "/scheduler", &out)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicitly requested by the caller
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	tlsConfig.ServerName = config.ServerName
	if config.CACert != "" {
		if err := loadCACert(tlsConfig, config.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// get performs a GET and decodes the JSON body into out
func (c *Client) get(ctx context.Context, path string, out any) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil && errorResp.Error != "" {
		msg = errorResp.Error
	} else {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("API error: %w (%s)", record.ErrNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("API error: %w (%s)", record.ErrInvalidName, msg)
	}
	return fmt.Errorf("API error: %s", msg)
}
