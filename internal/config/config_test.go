package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/tracks")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.Address)
	assert.Equal(t, 50.0, cfg.Recording.AccuracyThresholdMeters)
	assert.Equal(t, 10.0, cfg.Recording.MinDistanceMeters)
	assert.Equal(t, int64(5000), cfg.Recording.LocationIntervalMs)
	assert.Equal(t, "tracker", cfg.MQTT.TopicPrefix)
	assert.True(t, cfg.MQTT.OrderMatters)
	assert.Equal(t, 10*time.Second, cfg.Sync.StopTimeout)
	assert.Empty(t, cfg.Auth.APIToken)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MYSQL_DSN", "dsn")
	t.Setenv("MIN_DISTANCE_METERS", "25")
	t.Setenv("SYNC_STOP_TIMEOUT", "3s")
	t.Setenv("METRICS_ENABLED", "false")
	// Некорректное значение оставляет значение по умолчанию
	t.Setenv("FIX_QUEUE_SIZE", "many")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25.0, cfg.Recording.MinDistanceMeters)
	assert.Equal(t, 3*time.Second, cfg.Sync.StopTimeout)
	assert.False(t, cfg.Monitoring.MetricsEnabled)
	assert.Equal(t, 256, cfg.Recording.FixQueueSize)
}

func TestLoad_MissingDSN(t *testing.T) {
	t.Setenv("MYSQL_DSN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MYSQL_DSN")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero accuracy", func(c *Config) { c.Recording.AccuracyThresholdMeters = 0 }, "ACCURACY_THRESHOLD_METERS"},
		{"negative distance", func(c *Config) { c.Recording.MinDistanceMeters = -1 }, "MIN_DISTANCE_METERS"},
		{"zero interval", func(c *Config) { c.Recording.LocationIntervalMs = 0 }, "LOCATION_INTERVAL_MS"},
		{"empty buffer path", func(c *Config) { c.Buffer.Path = "" }, "BUFFER_PATH"},
		{"zero probe", func(c *Config) { c.Connectivity.ProbeTimeout = 0 }, "CONNECTIVITY_PROBE"},
		{"negative retries", func(c *Config) { c.Sync.MaxRetries = -1 }, "SYNC_MAX_RETRIES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MYSQL_DSN", "dsn")
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
