// Package platformclient implements ports.PlatformClient as an
// HTTP/JSON transport to the external platform that owns node discovery
// and provisioning, with optional mutual TLS.
package platformclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// TLSConfig configures optional mutual TLS to the platform.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	SkipVerify bool   `yaml:"skip_verify" json:"skip_verify"`
}

// Config governs the platform client.
type Config struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	TLS     TLSConfig     `yaml:"tls" json:"tls"`
}

// DefaultConfig allows provisioning calls more headroom than agent
// calls get; the platform sits further from the orchestration loop.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// buildTLSConfig loads the client certificate and CA pool for mTLS, or
// returns nil when TLS is disabled so http.Client falls back to its
// default plain-HTTP transport.
func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.SkipVerify}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load platform client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read platform CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse platform CA file %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// Client is the HTTP/JSON ports.PlatformClient implementation.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client from cfg, filling zero fields from DefaultConfig
// and constructing the optional mTLS transport.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if tlsCfg != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	return &Client{baseURL: cfg.BaseURL, http: httpClient}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode platform request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build platform request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do platform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("platform returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode platform response body: %w", err)
	}
	return nil
}

// Discover lists clusters and their nodes as the platform currently
// reports them.
func (c *Client) Discover(ctx context.Context) ([]ports.DiscoveredCluster, error) {
	var out struct {
		Clusters []ports.DiscoveredCluster `json:"clusters"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/discover", nil, &out); err != nil {
		return nil, err
	}
	return out.Clusters, nil
}

// Provision asks the platform to create req.Count new nodes in
// req.NodeGroup.
func (c *Client) Provision(ctx context.Context, req ports.ProvisionRequest) (*ports.ProvisionResult, error) {
	var out ports.ProvisionResult
	if err := c.do(ctx, http.MethodPost, "/v1/provision", req, &out); err != nil {
		return nil, fmt.Errorf("provision %s/%s group %s: %w", req.NsID, req.ClusterID, req.NodeGroup, err)
	}
	return &out, nil
}

// Deprovision asks the platform to destroy the named nodes.
func (c *Client) Deprovision(ctx context.Context, req ports.DeprovisionRequest) error {
	if err := c.do(ctx, http.MethodPost, "/v1/deprovision", req, nil); err != nil {
		return fmt.Errorf("deprovision %s/%s: %w", req.NsID, req.ClusterID, err)
	}
	return nil
}
