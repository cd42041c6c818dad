// Package config loads the control plane's process configuration: one
// YAML file with a curated set of environment-variable overrides for
// the fields an operator most often needs to set per-deployment without
// editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/khryptorgraphics/orchestrall/internal/agentclient"
	"github.com/khryptorgraphics/orchestrall/internal/auth"
	"github.com/khryptorgraphics/orchestrall/internal/events/redisstream"
	"github.com/khryptorgraphics/orchestrall/internal/lease/redislease"
	"github.com/khryptorgraphics/orchestrall/internal/platformclient"
	"github.com/khryptorgraphics/orchestrall/internal/store/postgres"
	"github.com/khryptorgraphics/orchestrall/internal/tasks/redisqueue"
)

// ServerConfig governs the HTTP API listener (internal/api).
type ServerConfig struct {
	Listen      string   `yaml:"listen"`
	TLSCert     string   `yaml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key"`
	CorsOrigins []string `yaml:"cors_origins"`
}

// Config is the process-wide configuration for every orchestrall
// binary (serve, worker, migrate, orchestrate-once, check *).
type Config struct {
	Owner             string        `yaml:"owner"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`

	Server   ServerConfig          `yaml:"server"`
	Postgres postgres.Config       `yaml:"postgres"`
	Events   redisstream.Config    `yaml:"events"`
	Tasks    redisqueue.Config     `yaml:"tasks"`
	Lease    redislease.Config     `yaml:"lease"`
	Agent    agentclient.Config    `yaml:"agent"`
	Platform platformclient.Config `yaml:"platform"`
	Auth     auth.Config           `yaml:"auth"`
}

// DefaultConfig composes every collaborator's own DefaultConfig into
// the aggregate defaults a bare deployment runs on.
func DefaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		Owner:             fmt.Sprintf("%s-%d", host, os.Getpid()),
		WorkerConcurrency: 4,
		TelemetryInterval: time.Minute,
		Server: ServerConfig{
			Listen:      "0.0.0.0:8080",
			CorsOrigins: []string{"*"},
		},
		Postgres: postgres.DefaultConfig(),
		Events:   redisstream.DefaultConfig(),
		Tasks:    redisqueue.DefaultConfig(),
		Lease:    redislease.DefaultConfig(),
		Agent:    agentclient.DefaultConfig(),
		Platform: platformclient.DefaultConfig(),
		Auth:     auth.DefaultConfig(),
	}
}

// Load reads path (if non-empty and it exists) over DefaultConfig, then
// applies the env overrides below. A missing path is not an error: a
// deployment may run entirely off defaults plus env vars.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers a handful of deployment-specific secrets and
// endpoints from the environment on top of whatever the YAML file set.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Listen = getEnvOrDefault("ORCHESTRALL_SERVER_LISTEN", cfg.Server.Listen)
	cfg.Postgres.Host = getEnvOrDefault("ORCHESTRALL_DB_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnvIntOrDefault("ORCHESTRALL_DB_PORT", cfg.Postgres.Port)
	cfg.Postgres.Password = getEnvOrDefault("ORCHESTRALL_DB_PASSWORD", cfg.Postgres.Password)
	cfg.Events.Host = getEnvOrDefault("ORCHESTRALL_REDIS_HOST", cfg.Events.Host)
	cfg.Tasks.Host = getEnvOrDefault("ORCHESTRALL_REDIS_HOST", cfg.Tasks.Host)
	cfg.Lease.Host = getEnvOrDefault("ORCHESTRALL_REDIS_HOST", cfg.Lease.Host)
	cfg.Platform.BaseURL = getEnvOrDefault("ORCHESTRALL_PLATFORM_BASE_URL", cfg.Platform.BaseURL)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
