// Package redisstream implements ports.EventSink over Redis Streams: a
// durable append-only log two streams (audit, change) wide, plus a
// tail-follow for live change consumers.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Config holds the Redis connection fields a stream producer needs.
type Config struct {
	Host        string        `yaml:"host" env:"ORCHESTRALL_REDIS_HOST"`
	Port        int           `yaml:"port" env:"ORCHESTRALL_REDIS_PORT"`
	Password    string        `yaml:"password" env:"ORCHESTRALL_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"ORCHESTRALL_REDIS_DB"`
	PoolSize    int           `yaml:"pool_size" env:"ORCHESTRALL_REDIS_POOL_SIZE"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"ORCHESTRALL_REDIS_DIAL_TIMEOUT"`
	MaxLen      int64         `yaml:"max_len" env:"ORCHESTRALL_REDIS_STREAM_MAX_LEN"`
}

// DefaultConfig returns the pool defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
		MaxLen:      100_000,
	}
}

const (
	auditStream  = "orchestrall:audit"
	changeStream = "orchestrall:change"
)

// Sink is the Redis Streams backed ports.EventSink.
type Sink struct {
	rdb    *redis.Client
	logger *slog.Logger
	maxLen int64
}

// Open connects to Redis and verifies connectivity with a ping.
func Open(cfg Config, logger *slog.Logger) (*Sink, error) {
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

	maxLen := cfg.MaxLen
	if maxLen == 0 {
		maxLen = DefaultConfig().MaxLen
	}
	return &Sink{rdb: rdb, logger: logger, maxLen: maxLen}, nil
}

// Close releases the underlying Redis client.
func (s *Sink) Close() error { return s.rdb.Close() }

func (s *Sink) publish(ctx context.Context, stream string, ev ports.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload %s: %w", ev.Code, err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"code":          ev.Code,
			"payload":       payload,
			"partition_key": ev.PartitionKey,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event %s to %s: %w", ev.Code, stream, err)
	}
	return nil
}

// Audit appends ev to the audit stream.
func (s *Sink) Audit(ctx context.Context, ev ports.Event) error {
	return s.publish(ctx, auditStream, ev)
}

// Change appends ev to the change stream.
func (s *Sink) Change(ctx context.Context, ev ports.Event) error {
	return s.publish(ctx, changeStream, ev)
}

// FollowChanges blocks on XREAD against the change stream from the tail
// and invokes fn for each event, until ctx is cancelled or a read of the
// stream fails; entries that do not decode are logged and skipped. Used
// by the websocket hub to fan out change events to connected operators.
func (s *Sink) FollowChanges(ctx context.Context, fn func(ports.Event)) error {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{changeStream, lastID},
			Block:   5 * time.Second,
			Count:   64,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("read change stream: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				ev, decodeErr := decodeEvent(msg.Values)
				if decodeErr != nil {
					s.logger.Warn("dropping unparsable change event", "id", msg.ID, "error", decodeErr)
					continue
				}
				fn(ev)
			}
		}
	}
}

func decodeEvent(values map[string]interface{}) (ports.Event, error) {
	code, _ := values["code"].(string)
	partitionKey, _ := values["partition_key"].(string)
	rawPayload, _ := values["payload"].(string)

	var payload interface{}
	if rawPayload != "" {
		if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
			return ports.Event{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return ports.Event{Code: code, Payload: payload, PartitionKey: partitionKey}, nil
}
