// Package agentclient implements ports.AgentClient/AgentClientFactory as
// an HTTP/JSON transport to each node's agent, one client per discovered
// node with its own rate limiter so a hot orchestration loop cannot
// flood a single agent.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Config governs every client the factory builds.
type Config struct {
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// DefaultConfig returns conservative defaults: a five second round trip
// budget and a modest per-node request rate, matching the cadence of
// one orchestration cycle per cluster rather than a tight poll loop.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		RateLimitPerSec: 5,
		RateLimitBurst:  10,
	}
}

// Factory builds one Client per (namespace, cluster, node).
type Factory struct {
	cfg Config
}

// NewFactory constructs a Factory with cfg, filling zero fields from
// DefaultConfig.
func NewFactory(cfg Config) *Factory {
	def := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimitPerSec == 0 {
		cfg.RateLimitPerSec = def.RateLimitPerSec
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	return &Factory{cfg: cfg}
}

// ForNode builds a Client dialing node's agent address.
func (f *Factory) ForNode(nsID string, spec orchtypes.ClusterSpec, node orchtypes.DiscoveredNode) (ports.AgentClient, error) {
	if node.AgentAddress == "" {
		return nil, fmt.Errorf("node %s has no agent address", node.NodeID)
	}
	return &Client{
		baseURL: node.AgentAddress,
		nodeID:  node.NodeID,
		http:    &http.Client{Timeout: f.cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(f.cfg.RateLimitPerSec), f.cfg.RateLimitBurst),
	}, nil
}

// Client is the per-node HTTP/JSON agent transport.
type Client struct {
	baseURL string
	nodeID  string
	http    *http.Client
	limiter *rate.Limiter
}

func (c *Client) wrap(err error) error {
	if err == nil {
		return nil
	}
	return &ports.NodeSpecificError{NodeID: c.nodeID, Err: err}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.wrap(fmt.Errorf("rate limit wait: %w", err))
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return c.wrap(fmt.Errorf("encode request body: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return c.wrap(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrap(fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return c.wrap(ports.ErrScheduleActionDuplicateID)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.wrap(fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.wrap(fmt.Errorf("decode response body: %w", err))
	}
	return nil
}

// InfoNode fetches the agent's current self-reported node state.
func (c *Client) InfoNode(ctx context.Context) (*orchtypes.Node, error) {
	var node orchtypes.Node
	if err := c.do(ctx, http.MethodGet, "/unstable/info/node", nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// InfoShards fetches the agent's current shard replica state.
func (c *Client) InfoShards(ctx context.Context) ([]orchtypes.Shard, error) {
	var out struct {
		Shards []orchtypes.Shard `json:"shards"`
	}
	if err := c.do(ctx, http.MethodGet, "/unstable/info/shards", nil, &out); err != nil {
		return nil, err
	}
	return out.Shards, nil
}

// ActionsFinished lists actions the agent considers terminal.
func (c *Client) ActionsFinished(ctx context.Context) ([]ports.ActionSummary, error) {
	var out struct {
		Actions []ports.ActionSummary `json:"actions"`
	}
	if err := c.do(ctx, http.MethodGet, "/unstable/actions/finished", nil, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// ActionsQueue lists actions the agent is still running or has queued.
func (c *Client) ActionsQueue(ctx context.Context) ([]ports.ActionSummary, error) {
	var out struct {
		Actions []ports.ActionSummary `json:"actions"`
	}
	if err := c.do(ctx, http.MethodGet, "/unstable/actions/queue", nil, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// ActionLookup fetches the full record for one action by ID.
func (c *Client) ActionLookup(ctx context.Context, id uuid.UUID) (*ports.ActionExecution, error) {
	var out ports.ActionExecution
	if err := c.do(ctx, http.MethodGet, "/unstable/action/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActionSchedule submits req to the agent for execution.
func (c *Client) ActionSchedule(ctx context.Context, req ports.ActionExecutionRequest) error {
	return c.do(ctx, http.MethodPost, "/unstable/action", req, nil)
}
