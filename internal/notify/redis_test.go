package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/managedsp/internal/domain"
)

func TestLastChangeKey(t *testing.T) {
	t.Parallel()

	p := NewRedisPublisherWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	defer p.Close()
	assert.Equal(t, "managedsp:deployment:42:last_change", p.lastChangeKey(42))
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"localhost:6379", "http://localhost:6379", "redis://localhost:6379/notadb"} {
		_, err := NewRedisPublisher(context.Background(), raw)
		require.Error(t, err, raw)
		assert.Contains(t, err.Error(), "invalid redis url", raw)
	}
}

func TestFreshnessEventJSON(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(domain.FreshnessEvent{DeploymentID: 3, LastChange: &ts, Reason: "touch"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"deployment_id":3,"last_change":"2026-03-01T12:00:00Z","reason":"touch"}`, string(data))

	data, err = json.Marshal(domain.FreshnessEvent{DeploymentID: 3, Reason: "destroy"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"deployment_id":3,"reason":"destroy"}`, string(data))
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	url := os.Getenv("MANAGEDSP_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MANAGEDSP_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	p, err := NewRedisPublisher(ctx, url)
	require.NoError(t, err)
	defer p.Close()

	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	ts := time.Now().UTC().Truncate(time.Microsecond)
	id := time.Now().UnixNano()
	require.NoError(t, p.Publish(ctx, domain.FreshnessEvent{DeploymentID: id, LastChange: &ts, Reason: "touch"}))

	raw, err := p.client.Get(ctx, p.lastChangeKey(id)).Result()
	require.NoError(t, err)
	got, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var ev domain.FreshnessEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	assert.Equal(t, id, ev.DeploymentID)

	require.NoError(t, p.Publish(ctx, domain.FreshnessEvent{DeploymentID: id, Reason: "destroy"}))
	_, err = p.client.Get(ctx, p.lastChangeKey(id)).Result()
	assert.ErrorIs(t, err, redis.Nil)
}
