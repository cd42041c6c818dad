// Package redisqueue implements ports.TaskSubmit and ports.TaskSource
// over Redis lists, using the reliable-queue pattern: LPUSH producer,
// BLMOVE into a per-queue processing list, LREM to ack, so a consumer
// that crashes mid-task leaves it recoverable.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Config holds the Redis connection fields the queue needs.
type Config struct {
	Host        string        `yaml:"host" env:"ORCHESTRALL_REDIS_HOST"`
	Port        int           `yaml:"port" env:"ORCHESTRALL_REDIS_PORT"`
	Password    string        `yaml:"password" env:"ORCHESTRALL_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"ORCHESTRALL_REDIS_DB"`
	PoolSize    int           `yaml:"pool_size" env:"ORCHESTRALL_REDIS_POOL_SIZE"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"ORCHESTRALL_REDIS_DIAL_TIMEOUT"`
	// BlockTimeout bounds how long Next waits for a task before
	// returning nil, nil (a normal empty-poll result, not an error).
	BlockTimeout time.Duration `yaml:"block_timeout" env:"ORCHESTRALL_QUEUE_BLOCK_TIMEOUT"`
}

// DefaultConfig returns the pool defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		BlockTimeout: 5 * time.Second,
	}
}

// Queue is the Redis-backed ports.TaskSubmit / ports.TaskSource.
type Queue struct {
	rdb          *redis.Client
	logger       *slog.Logger
	blockTimeout time.Duration
}

// Open connects to Redis and verifies connectivity with a ping.
func Open(cfg Config, logger *slog.Logger) (*Queue, error) {
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

	block := cfg.BlockTimeout
	if block == 0 {
		block = DefaultConfig().BlockTimeout
	}
	return &Queue{rdb: rdb, logger: logger, blockTimeout: block}, nil
}

// Close releases the underlying Redis client.
func (q *Queue) Close() error { return q.rdb.Close() }

func pendingKey(queue string) string    { return "orchestrall:queue:" + queue }
func processingKey(queue string) string { return "orchestrall:queue:" + queue + ":processing" }

type envelope struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// Submit pushes sub.Payload onto the tail of its queue's pending list.
func (q *Queue) Submit(ctx context.Context, sub ports.TaskSubmission) error {
	env := envelope{ID: uuid.NewString(), Payload: sub.Payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode task envelope for %s: %w", sub.Queue, err)
	}
	if err := q.rdb.LPush(ctx, pendingKey(sub.Queue), data).Err(); err != nil {
		return fmt.Errorf("submit task to %s: %w", sub.Queue, err)
	}
	return nil
}

// Next blocks up to the configured block timeout for a task, atomically
// moving it from the pending list to the per-queue processing list so a
// consumer that crashes before Done/Nack leaves the task recoverable.
// Returns nil, nil on an empty poll rather than an error.
func (q *Queue) Next(ctx context.Context, queue string) (*ports.ReceivedTask, error) {
	data, err := q.rdb.BLMove(ctx, pendingKey(queue), processingKey(queue), "RIGHT", "LEFT", q.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll task from %s: %w", queue, err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("decode task envelope from %s: %w", queue, err)
	}
	return &ports.ReceivedTask{Queue: queue, Payload: env.Payload, AckHandle: ackHandle(queue, data)}, nil
}

// ackHandle packs the queue name and the raw list entry so Done/Nack can
// remove the exact entry from the processing list without a second
// round trip to look it up.
func ackHandle(queue, raw string) string {
	enc, _ := json.Marshal([2]string{queue, raw})
	return string(enc)
}

func decodeHandle(handle string) (queue, raw string, err error) {
	var parts [2]string
	if err := json.Unmarshal([]byte(handle), &parts); err != nil {
		return "", "", fmt.Errorf("decode ack handle: %w", err)
	}
	return parts[0], parts[1], nil
}

// Done removes the task from its processing list, completing the ack.
func (q *Queue) Done(ctx context.Context, handle string) error {
	queue, raw, err := decodeHandle(handle)
	if err != nil {
		return err
	}
	if err := q.rdb.LRem(ctx, processingKey(queue), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack task on %s: %w", queue, err)
	}
	return nil
}

// Nack removes the task from its processing list and pushes it back
// onto the pending list's tail for redelivery. It keeps no attempt
// count, and its caller (internal/orchestrator.Worker) nacks every
// AckRetry outcome, so a task that keeps failing is redelivered
// indefinitely.
func (q *Queue) Nack(ctx context.Context, handle string) error {
	queue, raw, err := decodeHandle(handle)
	if err != nil {
		return err
	}
	if err := q.rdb.LRem(ctx, processingKey(queue), 1, raw).Err(); err != nil {
		return fmt.Errorf("nack task on %s: %w", queue, err)
	}
	if err := q.rdb.LPush(ctx, pendingKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("requeue task on %s: %w", queue, err)
	}
	return nil
}
