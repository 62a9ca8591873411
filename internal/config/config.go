package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит конфигурацию приложения
type Config struct {
	Environment  string
	Server       ServerConfig
	MySQL        MySQLConfig
	Buffer       BufferConfig
	Redis        RedisConfig
	MQTT         MQTTConfig
	Recording    RecordingConfig
	Connectivity ConnectivityConfig
	Sync         SyncConfig
	Monitoring   MonitoringConfig
	Auth         AuthConfig
}

// ServerConfig конфигурация HTTP сервера
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    float64
	RateBurst    int
}

// MySQLConfig конфигурация основного хранилища треков
type MySQLConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// BufferConfig конфигурация локального буфера точек (SQLite)
type BufferConfig struct {
	Path string
}

// RedisConfig конфигурация Redis (live-снимок сессии, настройки записи)
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// MQTTConfig конфигурация MQTT (поток фиксов от провайдера локации)
type MQTTConfig struct {
	URL          string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	OrderMatters bool
	TopicPrefix  string
}

// RecordingConfig параметры сессии записи
type RecordingConfig struct {
	AccuracyThresholdMeters float64
	MinDistanceMeters       float64
	LocationIntervalMs      int64
	FixQueueSize            int
	WriteTimeout            time.Duration
	ProgressLogEvery        int
	NotifyInterval          time.Duration
	TrackNamePrefix         string
	LastFixMaxAge           time.Duration
}

// ConnectivityConfig параметры монитора доступности
type ConnectivityConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// SyncConfig параметры синхронизации буфера
type SyncConfig struct {
	StopTimeout time.Duration
	RunTimeout  time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// MonitoringConfig конфигурация мониторинга
type MonitoringConfig struct {
	MetricsEnabled bool
}

// AuthConfig конфигурация доступа к управляющему API
type AuthConfig struct {
	APIToken string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8090"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RateLimit:    getFloat("SERVER_RATE_LIMIT", 50),
			RateBurst:    getInt("SERVER_RATE_BURST", 100),
		},
		MySQL: MySQLConfig{
			DSN:             getEnv("MYSQL_DSN", ""),
			MaxIdleConns:    getInt("MYSQL_MAX_IDLE_CONNS", 5),
			MaxOpenConns:    getInt("MYSQL_MAX_OPEN_CONNS", 20),
			ConnMaxLifetime: getDuration("MYSQL_CONN_MAX_LIFETIME", time.Hour),
		},
		Buffer: BufferConfig{
			Path: getEnv("BUFFER_PATH", "buffer.db"),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
		},
		MQTT: MQTTConfig{
			URL:          getEnv("MQTT_URL", ""),
			ClientID:     getEnv("MQTT_CLIENT_ID", "track-recorder"),
			Username:     getEnv("MQTT_USERNAME", ""),
			Password:     getEnv("MQTT_PASSWORD", ""),
			CleanSession: getBool("MQTT_CLEAN_SESSION", false),
			OrderMatters: getBool("MQTT_ORDER_MATTERS", true),
			TopicPrefix:  getEnv("MQTT_TOPIC_PREFIX", "tracker"),
		},
		Recording: RecordingConfig{
			AccuracyThresholdMeters: getFloat("ACCURACY_THRESHOLD_METERS", 50),
			MinDistanceMeters:       getFloat("MIN_DISTANCE_METERS", 10),
			LocationIntervalMs:      int64(getInt("LOCATION_INTERVAL_MS", 5000)),
			FixQueueSize:            getInt("FIX_QUEUE_SIZE", 256),
			WriteTimeout:            getDuration("POINT_WRITE_TIMEOUT", 5*time.Second),
			ProgressLogEvery:        getInt("PROGRESS_LOG_EVERY", 50),
			NotifyInterval:          getDuration("NOTIFY_INTERVAL", time.Second),
			TrackNamePrefix:         getEnv("TRACK_NAME_PREFIX", "Track"),
			LastFixMaxAge:           getDuration("LAST_FIX_MAX_AGE", 30*time.Second),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: getDuration("CONNECTIVITY_PROBE_INTERVAL", 10*time.Second),
			ProbeTimeout:  getDuration("CONNECTIVITY_PROBE_TIMEOUT", 3*time.Second),
		},
		Sync: SyncConfig{
			StopTimeout: getDuration("SYNC_STOP_TIMEOUT", 10*time.Second),
			RunTimeout:  getDuration("SYNC_RUN_TIMEOUT", 2*time.Minute),
			MaxRetries:  getInt("SYNC_MAX_RETRIES", 3),
			RetryDelay:  getDuration("SYNC_RETRY_DELAY", 200*time.Millisecond),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
		},
		Auth: AuthConfig{
			APIToken: getEnv("API_TOKEN", ""),
		},
	}

	// Валидация
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("SERVER_ADDRESS is required")
	}

	if c.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}

	if c.Buffer.Path == "" {
		return fmt.Errorf("BUFFER_PATH is required")
	}

	if c.Recording.AccuracyThresholdMeters <= 0 {
		return fmt.Errorf("ACCURACY_THRESHOLD_METERS must be positive")
	}

	if c.Recording.MinDistanceMeters < 0 {
		return fmt.Errorf("MIN_DISTANCE_METERS must not be negative")
	}

	if c.Recording.LocationIntervalMs <= 0 {
		return fmt.Errorf("LOCATION_INTERVAL_MS must be positive")
	}

	if c.Recording.FixQueueSize <= 0 {
		return fmt.Errorf("FIX_QUEUE_SIZE must be positive")
	}

	if c.Recording.WriteTimeout <= 0 {
		return fmt.Errorf("POINT_WRITE_TIMEOUT must be positive")
	}

	if c.Connectivity.ProbeInterval <= 0 || c.Connectivity.ProbeTimeout <= 0 {
		return fmt.Errorf("CONNECTIVITY_PROBE_INTERVAL and CONNECTIVITY_PROBE_TIMEOUT must be positive")
	}

	if c.Sync.StopTimeout <= 0 {
		return fmt.Errorf("SYNC_STOP_TIMEOUT must be positive")
	}

	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative")
	}

	return nil
}

// Helper функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// LogLevel возвращает уровень логирования
func LogLevel() string {
	return getEnv("LOG_LEVEL", "info")
}

// LogFormat возвращает формат логирования
func LogFormat() string {
	return getEnv("LOG_FORMAT", "json")
}
