package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PentesterFlow/SiteScape/internal/models"
)

// RedisSink stores the latest event of each job under <prefix><jobId> and
// publishes every event and log entry on <prefix>events / <prefix>logs.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSink connects a sink to the Redis server at addr.
func NewRedisSink(addr, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "sitescape:"
	}
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

// Ping checks the connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// StatusKey returns the key holding the latest event of jobID.
func (s *RedisSink) StatusKey(jobID string) string {
	return s.prefix + jobID
}

// EventChannel returns the pub/sub channel for events.
func (s *RedisSink) EventChannel() string {
	return s.prefix + "events"
}

// LogChannel returns the pub/sub channel for log entries.
func (s *RedisSink) LogChannel() string {
	return s.prefix + "logs"
}

// PublishEvent implements Sink.
func (s *RedisSink) PublishEvent(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.StatusKey(event.JobID), payload, s.ttl)
	pipe.Publish(ctx, s.EventChannel(), payload)
	_, err = pipe.Exec(ctx)
	return err
}

// PublishLog implements Sink.
func (s *RedisSink) PublishLog(ctx context.Context, entry models.LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.LogChannel(), payload).Err()
}
