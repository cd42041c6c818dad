// Package redislease implements ports.LockService as a non-blocking
// Redis lease: SET NX PX to acquire, a token-checked Lua script to
// release only the holder's own lease, and TTL expiry standing in for
// holder-disappearance detection.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Config holds the Redis connection fields the lease service needs.
type Config struct {
	Host        string        `yaml:"host" env:"ORCHESTRALL_REDIS_HOST"`
	Port        int           `yaml:"port" env:"ORCHESTRALL_REDIS_PORT"`
	Password    string        `yaml:"password" env:"ORCHESTRALL_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"ORCHESTRALL_REDIS_DB"`
	PoolSize    int           `yaml:"pool_size" env:"ORCHESTRALL_REDIS_POOL_SIZE"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"ORCHESTRALL_REDIS_DIAL_TIMEOUT"`
	TTL         time.Duration `yaml:"ttl" env:"ORCHESTRALL_LEASE_TTL"`
}

// DefaultConfig returns pool defaults plus a lease TTL generous enough
// to outlast one orchestration cycle.
func DefaultConfig() Config {
	return Config{
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
		TTL:         2 * time.Minute,
	}
}

// releaseScript deletes the key only if it still holds this guard's
// token, so a lease that expired and was re-acquired by someone else is
// never released out from under them.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Service is the Redis-backed ports.LockService.
type Service struct {
	rdb *redis.Client
	ttl time.Duration
}

// Open connects to Redis and verifies connectivity with a ping.
func Open(cfg Config, logger *slog.Logger) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultConfig().TTL
	}
	return &Service{rdb: rdb, ttl: ttl}, nil
}

// Close releases the underlying Redis client.
func (s *Service) Close() error { return s.rdb.Close() }

func leaseKey(name string) string { return "orchestrall:lease:" + name }

// Acquire attempts a non-blocking SET NX PX. It returns ports.ErrLeaseHeld
// (wrapped) if the key already exists. The stored value carries the
// owner for diagnostics (Holder) plus a random token so two acquires by
// the same owner never release each other's lease.
func (s *Service) Acquire(ctx context.Context, name, owner string) (ports.LeaseGuard, error) {
	token := owner + "/" + uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, leaseKey(name), token, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lease %s for %s: %w", name, owner, ports.ErrLeaseHeld)
	}
	return &guard{rdb: s.rdb, name: name, token: token}, nil
}

// Holder reports the current holder of name and the lease's remaining
// TTL, for the `orchestrall check lease` diagnostics command. held is
// false when no one holds the lease.
func (s *Service) Holder(ctx context.Context, name string) (owner string, remaining time.Duration, held bool, err error) {
	val, err := s.rdb.Get(ctx, leaseKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("inspect lease %s: %w", name, err)
	}
	remaining, err = s.rdb.PTTL(ctx, leaseKey(name)).Result()
	if err != nil {
		remaining = 0
	}
	owner = val
	if i := strings.LastIndex(val, "/"); i >= 0 {
		owner = val[:i]
	}
	return owner, remaining, true, nil
}

type guard struct {
	rdb   *redis.Client
	name  string
	token string
}

// IsHeld re-reads the lease key and reports whether it still holds this
// guard's own token. A caller must re-check this before any step that
// assumes exclusivity.
func (g *guard) IsHeld(ctx context.Context) bool {
	val, err := g.rdb.Get(ctx, leaseKey(g.name)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return false
		}
		return false
	}
	return val == g.token
}

// Release deletes the key only if it still holds this guard's token.
func (g *guard) Release(ctx context.Context) error {
	if err := g.rdb.Eval(ctx, releaseScript, []string{leaseKey(g.name)}, g.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", g.name, err)
	}
	return nil
}
