package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

// PositionCache memoises position reads per appointment. Every queue mutation
// bumps the queue version, which orphans all cached positions of that queue;
// a stale read is bounded by the TTL. Cache failures never fail a read.
type PositionCache interface {
	Get(ctx context.Context, appointmentID uuid.UUID) (*Position, bool)
	Version(ctx context.Context, queueID uuid.UUID) int64
	Set(ctx context.Context, version int64, p *Position)
	Invalidate(ctx context.Context, queueID uuid.UUID)
}

type noopPositionCache struct{}

func NewNoopPositionCache() PositionCache { return noopPositionCache{} }

func (noopPositionCache) Get(context.Context, uuid.UUID) (*Position, bool) { return nil, false }
func (noopPositionCache) Version(context.Context, uuid.UUID) int64 { return 0 }
func (noopPositionCache) Set(context.Context, int64, *Position) {}
func (noopPositionCache) Invalidate(context.Context, uuid.UUID) {}

type redisPositionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// entry -> queue mapping never changes, so it can outlive the positions.
const appointmentQueueTTL = 24 * time.Hour

func NewRedisPositionCache(client *redis.Client, ttl time.Duration, logger *logging.Logger) PositionCache {
	if logger == nil {
		logger = logging.Default()
	}
	return &redisPositionCache{client: client, ttl: ttl, logger: logger}
}

func versionKey(queueID uuid.UUID) string {
	return fmt.Sprintf("queue:%s:version", queueID)
}

func positionKey(queueID uuid.UUID, version int64, appointmentID uuid.UUID) string {
	return fmt.Sprintf("queue:%s:v%d:pos:%s", queueID, version, appointmentID)
}

func appointmentQueueKey(appointmentID uuid.UUID) string {
	return "queue:appointment:" + appointmentID.String()
}

func (c *redisPositionCache) Get(ctx context.Context, appointmentID uuid.UUID) (*Position, bool) {
	raw, err := c.client.Get(ctx, appointmentQueueKey(appointmentID)).Result()
	if err != nil {
		c.logMiss(err, "lookup queue")
		return nil, false
	}
	queueID, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, positionKey(queueID, c.Version(ctx, queueID), appointmentID)).Bytes()
	if err != nil {
		c.logMiss(err, "lookup position")
		return nil, false
	}

	var p Position
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("position cache decode failed", "appointment_id", appointmentID, "error", err)
		return nil, false
	}
	return &p, true
}

func (c *redisPositionCache) Version(ctx context.Context, queueID uuid.UUID) int64 {
	v, err := c.client.Get(ctx, versionKey(queueID)).Int64()
	if err != nil {
		c.logMiss(err, "read version")
		return 0
	}
	return v
}

func (c *redisPositionCache) Set(ctx context.Context, version int64, p *Position) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, appointmentQueueKey(p.AppointmentID), p.QueueID.String(), appointmentQueueTTL)
	pipe.Set(ctx, positionKey(p.QueueID, version, p.AppointmentID), data, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("position cache write failed", "queue_id", p.QueueID, "error", err)
	}
}

func (c *redisPositionCache) Invalidate(ctx context.Context, queueID uuid.UUID) {
	if err := c.client.Incr(ctx, versionKey(queueID)).Err(); err != nil {
		c.logger.Warn("position cache invalidate failed", "queue_id", queueID, "error", err)
	}
}

func (c *redisPositionCache) logMiss(err error, op string) {
	if errors.Is(err, redis.Nil) {
		return
	}
	c.logger.Warn("position cache unavailable", "op", op, "error", err)
}
