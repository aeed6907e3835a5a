package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koltyakov/managedsp/internal/domain"
)

// Key patterns:
// - managedsp:deployment:{id}:last_change - RFC3339Nano, removed on destroy
// - managedsp:deployment:freshness        - pub/sub channel, JSON FreshnessEvent
const (
	DefaultChannel   = "managedsp:deployment:freshness"
	DefaultKeyPrefix = "managedsp:deployment:"
	defaultKeyTTL    = 7 * 24 * time.Hour
)

// RedisPublisher writes the last-change marker of a deployment and publishes
// the event in one MULTI/EXEC round trip.
type RedisPublisher struct {
	client    *redis.Client
	channel   string
	keyPrefix string
	ttl       time.Duration
}

// NewRedisPublisher connects to rawURL (redis://host:port/db) and pings it.
func NewRedisPublisher(ctx context.Context, rawURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisPublisherWithClient(client), nil
}

// NewRedisPublisherWithClient publishes through an existing client.
func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{
		client:    client,
		channel:   DefaultChannel,
		keyPrefix: DefaultKeyPrefix,
		ttl:       defaultKeyTTL,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.FreshnessEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := p.lastChangeKey(ev.DeploymentID)
	pipe := p.client.TxPipeline()
	if ev.LastChange == nil {
		pipe.Del(ctx, key)
	} else {
		pipe.Set(ctx, key, ev.LastChange.UTC().Format(time.RFC3339Nano), p.ttl)
	}
	pipe.Publish(ctx, p.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish freshness for deployment %d: %w", ev.DeploymentID, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) lastChangeKey(id int64) string {
	return p.keyPrefix + strconv.FormatInt(id, 10) + ":last_change"
}
