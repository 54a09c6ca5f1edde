// Package client provides HTTP clients for the comfyrun admin and gateway
// APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to a running comfyrun supervisor's admin API and, when
// configured, the public gateway.
type Client struct {
	adminURL   string
	gatewayURL string
	client     *http.Client
	logger     *slog.Logger
}

// Config holds client configuration.
type Config struct {
	AdminURL   string // supervisor admin endpoint, e.g. http://127.0.0.1:9090
	GatewayURL string // public gateway endpoint, e.g. http://127.0.0.1:8000
	Timeout    time.Duration
	Logger     *slog.Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		AdminURL:   "http://127.0.0.1:9090",
		GatewayURL: "http://127.0.0.1:8000",
		Timeout:    10 * time.Second,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.AdminURL == "" {
		config.AdminURL = def.AdminURL
	}
	if config.GatewayURL == "" {
		config.GatewayURL = def.GatewayURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		adminURL:   config.AdminURL,
		gatewayURL: config.GatewayURL,
		logger:     config.Logger,
		client:     &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the supervisor admin API is reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("supervisor unreachable", "err", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the full supervisor snapshot.
func (c *Client) Status(ctx context.Context) (SupervisorStatus, error) {
	var out SupervisorStatus
	err := c.getJSON(ctx, c.adminURL+"/status", &out)
	return out, err
}

// ServiceStatus fetches one service's status by name.
func (c *Client) ServiceStatus(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.getJSON(ctx, c.adminURL+"/status?name="+name, &out)
	return out, err
}

// Stop asks the supervisor to shut all services down.
func (c *Client) Stop(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adminURL+"/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	return nil
}

// Generate submits a generation request to the gateway and waits for the
// rendered images. The gateway call can outlast the configured timeout, so a
// caller-scoped context governs the wait.
func (c *Client) Generate(ctx context.Context, greq GenerateRequest) (GenerateResult, error) {
	var out GenerateResult
	body, err := json.Marshal(greq)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	// generation runs for minutes; honor ctx instead of the short timeout
	httpc := &http.Client{}
	resp, err := httpc.Do(req)
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return out, c.errorFrom(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode generate response: %w", err)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) errorFrom(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, er.Error)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
