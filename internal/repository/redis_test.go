package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

func newTestRedisLive(t *testing.T) (*RedisLive, *redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(&config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisLive(client, utils.NewNopLogger()), client, mr
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(&config.RedisConfig{URL: "not-a-url"})
	assert.Error(t, err)

	_, err = NewRedisClient(nil)
	assert.Error(t, err)
}

func TestRedisLive_StatusMissing(t *testing.T) {
	live, _, _ := newTestRedisLive(t)

	status, err := live.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestRedisLive_NotifyStoresAndPublishes(t *testing.T) {
	live, client, mr := newTestRedisLive(t)
	ctx := context.Background()

	require.NoError(t, live.Ping(ctx))

	sub := client.Subscribe(ctx, SessionUpdatesChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	status := models.SessionStatus{
		State:          models.SessionRecording,
		TrackID:        "t1",
		Distance:       1234.5,
		AcceptedPoints: 7,
		Online:         true,
		UpdatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, live.Notify(ctx, status))

	stored, err := live.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "t1", stored.TrackID)
	assert.Equal(t, 1234.5, stored.Distance)
	assert.True(t, mr.TTL(SessionStatusKey) > 0)

	select {
	case msg := <-sub.Channel():
		var published models.SessionStatus
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &published))
		assert.Equal(t, models.SessionRecording, published.State)
	case <-time.After(2 * time.Second):
		t.Fatal("status was not published")
	}
}
