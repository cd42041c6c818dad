// Package postgres implements ports.Store over PostgreSQL via sqlx and
// lib/pq: one table per entity, single-row upserts keyed by the
// entity's composite identifier.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config governs the PostgreSQL connection pool. Redis-backed
// collaborators carry their own configs under internal/events,
// internal/tasks, and internal/lease.
type Config struct {
	Host            string        `yaml:"host" env:"ORCHESTRALL_DB_HOST"`
	Port            int           `yaml:"port" env:"ORCHESTRALL_DB_PORT"`
	Name            string        `yaml:"name" env:"ORCHESTRALL_DB_NAME"`
	User            string        `yaml:"user" env:"ORCHESTRALL_DB_USER"`
	Password        string        `yaml:"password" env:"ORCHESTRALL_DB_PASSWORD"`
	SSLMode         string        `yaml:"ssl_mode" env:"ORCHESTRALL_DB_SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"ORCHESTRALL_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"ORCHESTRALL_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"ORCHESTRALL_DB_CONN_MAX_LIFETIME"`
}

// DefaultConfig returns the pool defaults used when fields are left
// zero.
func DefaultConfig() Config {
	return Config{
		SSLMode:         "prefer",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store is the PostgreSQL-backed ports.Store implementation.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL with the configured pool settings and
// verifies connectivity before returning.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity to PostgreSQL.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying *sql.DB for the migrate CLI command, which
// needs database/sql (not sqlx) to run RunMigrations.
func (s *Store) DB() *sql.DB { return s.db.DB }
