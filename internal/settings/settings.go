package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// redisKey ключ настроек записи в Redis
const redisKey = "recorder:settings"

// Settings параметры записи, которые политика читает на каждом фиксе
type Settings struct {
	AccuracyThresholdMeters float64 `json:"accuracy_threshold_meters"`
	MinDistanceMeters       float64 `json:"min_distance_meters"`
	LocationIntervalMs      int64   `json:"location_interval_ms"`
}

// Default возвращает настройки по умолчанию
func Default() Settings {
	return Settings{
		AccuracyThresholdMeters: 50,
		MinDistanceMeters:       10,
		LocationIntervalMs:      5000,
	}
}

// FromConfig строит настройки из конфигурации приложения
func FromConfig(cfg config.RecordingConfig) Settings {
	return Settings{
		AccuracyThresholdMeters: cfg.AccuracyThresholdMeters,
		MinDistanceMeters:       cfg.MinDistanceMeters,
		LocationIntervalMs:      cfg.LocationIntervalMs,
	}
}

// Validate проверяет корректность настроек
func (s Settings) Validate() error {
	if math.IsNaN(s.AccuracyThresholdMeters) || s.AccuracyThresholdMeters <= 0 {
		return fmt.Errorf("accuracy threshold must be positive, got %v", s.AccuracyThresholdMeters)
	}
	if math.IsNaN(s.MinDistanceMeters) || s.MinDistanceMeters < 0 {
		return fmt.Errorf("min distance must not be negative, got %v", s.MinDistanceMeters)
	}
	if s.LocationIntervalMs <= 0 {
		return fmt.Errorf("location interval must be positive, got %d", s.LocationIntervalMs)
	}
	return nil
}

// Store хранилище текущих настроек записи.
// Снимок читается на каждом фиксе, обновления приходят из API.
type Store struct {
	mu       sync.RWMutex
	current  Settings
	redis    *redis.Client
	logger   *utils.Logger
	watchers []func(Settings)
}

// NewStore создает хранилище с начальными настройками. Некорректные настройки отклоняются сразу.
func NewStore(initial Settings, redisClient *redis.Client, logger *utils.Logger) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial settings: %w", err)
	}
	return &Store{
		current: initial,
		redis:   redisClient,
		logger:  logger,
	}, nil
}

// Load подтягивает сохраненные настройки из Redis, если они есть
func (s *Store) Load(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}

	data, err := s.redis.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	var stored Settings
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := stored.Validate(); err != nil {
		s.logger.WithField("error", err).Warn("Ignoring invalid stored settings")
		return nil
	}

	s.mu.Lock()
	s.current = stored
	s.mu.Unlock()

	s.logger.WithField("settings", stored).Info("Loaded recording settings from Redis")
	return nil
}

// Snapshot возвращает текущие настройки
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update заменяет настройки и сохраняет их в Redis
func (s *Store) Update(ctx context.Context, next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	if s.redis != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		if err := s.redis.Set(ctx, redisKey, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to persist settings: %w", err)
		}
	}

	s.mu.Lock()
	s.current = next
	watchers := append([]func(Settings){}, s.watchers...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(next)
	}
	return nil
}

// OnChange регистрирует обработчик изменений (например, передача интервала провайдеру)
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}
