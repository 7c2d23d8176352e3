// Package client is an HTTP client for the novapm daemon's /api/v1 REST
// surface, for embedders and external tooling that prefer HTTP over the
// local Unix-socket control channel internal/ipc provides.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/novapm/novapm/internal/container"
	"github.com/novapm/novapm/internal/procspec"
)

// Client talks to a running novapm daemon's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

func DefaultConfig() Config {
	return Config{BaseURL: "http://localhost:8282/api/v1", Timeout: 10 * time.Second}
}

func DefaultTLSConfig() Config {
	return Config{
		BaseURL: "https://localhost:8282/api/v1",
		Timeout: 10 * time.Second,
		TLS:     &TLSClientConfig{Enabled: true},
	}
}

func InsecureConfig() Config {
	return Config{BaseURL: "https://localhost:8282/api/v1", Timeout: 10 * time.Second, Insecure: true}
}

// New creates a new novapm API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8282/api/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// StartProcess starts a new process from spec.
func (c *Client) StartProcess(ctx context.Context, spec procspec.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/processes", data)
}

// StopProcess stops a process by name.
func (c *Client) StopProcess(ctx context.Context, name string, force bool, wait time.Duration) error {
	url := fmt.Sprintf("%s/processes/%s/stop?force=%t&wait=%s", c.baseURL, name, force, wait)
	return c.doRequest(ctx, http.MethodPost, url, nil)
}

// RestartProcess restarts a process by name.
func (c *Client) RestartProcess(ctx context.Context, name string, force bool, wait time.Duration) error {
	url := fmt.Sprintf("%s/processes/%s/restart?force=%t&wait=%s", c.baseURL, name, force, wait)
	return c.doRequest(ctx, http.MethodPost, url, nil)
}

// ScaleProcess resizes a process's instance count ("N", "max", or "auto").
func (c *Client) ScaleProcess(ctx context.Context, name, instances string) error {
	data, err := json.Marshal(map[string]string{"instances": instances})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/processes/"+name+"/scale", data)
}

// DeleteProcess stops (if running) and forgets a process's bookkeeping.
func (c *Client) DeleteProcess(ctx context.Context, name string) error {
	return c.doRequest(ctx, http.MethodDelete, c.baseURL+"/processes/"+name, nil)
}

// ListProcesses returns every managed process instance's status.
func (c *Client) ListProcesses(ctx context.Context) ([]container.Status, error) {
	var out []container.Status
	err := c.doJSONGet(ctx, c.baseURL+"/processes", &out)
	return out, err
}

// ProcessInfo returns status for every instance of name.
func (c *Client) ProcessInfo(ctx context.Context, name string) ([]container.Status, error) {
	var out []container.Status
	err := c.doJSONGet(ctx, c.baseURL+"/processes/"+name, &out)
	return out, err
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) error {
	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return c.handleErrorResponse(resp)
}

func (c *Client) doJSONGet(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
