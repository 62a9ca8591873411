package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

const (
	SessionStatusKey      = "recorder:session"         // Последний снимок сессии
	SessionUpdatesChannel = "recorder:session:updates" // Pub/sub канал изменений
	SessionStatusTTL      = 24 * time.Hour
)

// NewRedisClient создает клиента Redis по конфигурации
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	// Парсим Redis URL
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Дополнительные настройки
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.ConnMaxIdleTime = 30 * time.Minute
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return redis.NewClient(opt), nil
}

// RedisLive публикует снимок сессии для внешних наблюдателей
type RedisLive struct {
	client *redis.Client
	logger *utils.Logger
}

// NewRedisLive создает публикатор снимков
func NewRedisLive(client *redis.Client, logger *utils.Logger) *RedisLive {
	return &RedisLive{client: client, logger: logger}
}

// Ping проверяет соединение с Redis
func (r *RedisLive) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Notify сохраняет снимок и публикует его в канал обновлений
func (r *RedisLive) Notify(ctx context.Context, status models.SessionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode session status: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, SessionStatusKey, data, SessionStatusTTL)
	pipe.Publish(ctx, SessionUpdatesChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish session status: %w", err)
	}
	return nil
}

// Status возвращает последний опубликованный снимок или nil
func (r *RedisLive) Status(ctx context.Context) (*models.SessionStatus, error) {
	data, err := r.client.Get(ctx, SessionStatusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session status: %w", err)
	}

	var status models.SessionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode session status: %w", err)
	}
	return &status, nil
}
