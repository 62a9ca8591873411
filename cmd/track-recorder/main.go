package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/connectivity"
	"github.com/flybeeper/track-recorder/internal/handler"
	"github.com/flybeeper/track-recorder/internal/metrics"
	"github.com/flybeeper/track-recorder/internal/mqtt"
	"github.com/flybeeper/track-recorder/internal/notify"
	"github.com/flybeeper/track-recorder/internal/repository"
	"github.com/flybeeper/track-recorder/internal/service"
	"github.com/flybeeper/track-recorder/internal/session"
	"github.com/flybeeper/track-recorder/internal/settings"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

var (
	// Version будет установлен при сборке через ldflags
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализируем логирование
	logger := utils.NewLogger(config.LogLevel(), config.LogFormat())
	logger.WithField("version", Version).Info("Starting track recorder")

	handler.Version = Version
	metrics.SetAppInfo(Version, Commit, BuildTime)

	// Создаем контекст приложения
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Основное хранилище. Недоступность при старте не ошибка: запись уйдет в буфер.
	store, err := repository.NewMySQLRepository(&cfg.MySQL, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize MySQL repository")
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Connectivity.ProbeTimeout)
	err = store.Ping(pingCtx)
	pingCancel()
	switch {
	case errors.Is(err, repository.ErrDataIntegrity):
		logger.WithField("error", err).Fatal("Primary store schema is corrupted")
	case err != nil:
		logger.WithField("error", err).Warn("Primary store unreachable, recording will be buffered")
	default:
		logger.Info("Connected to MySQL")
	}

	// Локальный буфер точек
	buffer, err := repository.NewSQLiteBuffer(&cfg.Buffer, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to open local point buffer")
	}
	defer buffer.Close()

	// Redis (опционально): live-снимок сессии и настройки записи
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = repository.NewRedisClient(&cfg.Redis)
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to initialize Redis client")
		}
		defer redisClient.Close()
	}

	settingsStore, err := settings.NewStore(settings.FromConfig(cfg.Recording), redisClient, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Invalid recording settings")
	}
	if err := settingsStore.Load(ctx); err != nil {
		logger.WithField("error", err).Warn("Failed to load stored settings, using defaults")
	}

	monitor := connectivity.NewMonitor(store, cfg.Connectivity, logger)
	locks := service.NewTrackLocks()
	reconciler := service.NewSyncReconciler(store, buffer, locks, cfg.Sync, logger)

	// Получатели снимков сессии
	hub := handler.NewSessionHub(logger)
	sinks := notify.NewMulti(logger,
		notify.Sink{Name: "log", Notifier: notify.NewLogNotifier(logger)},
		notify.Sink{Name: "websocket", Notifier: hub},
	)
	if redisClient != nil {
		sinks.Add("redis", repository.NewRedisLive(redisClient, logger))
	}
	notifier := notify.NewThrottled(sinks, rate.Every(cfg.Recording.NotifyInterval))

	location := session.NewLocationTracker(cfg.Recording.LastFixMaxAge)

	// Первая проверка до восстановления: решает, откуда читать прерванный трек
	monitor.Check(ctx)

	sess := session.New(session.Deps{
		Store:        store,
		Buffer:       buffer,
		Reconciler:   reconciler,
		Locks:        locks,
		Settings:     settingsStore,
		Connectivity: monitor,
		Location:     location,
		Notifier:     notifier,
		Logger:       logger,
	}, cfg.Recording, cfg.Sync)
	hub.SetStatusSource(sess.Status)

	if track, err := sess.Recover(ctx); err != nil {
		logger.WithField("error", err).Error("Failed to recover interrupted recording")
	} else if track != nil {
		logger.WithField("track_id", track.ID).Info("Resumed interrupted recording")
	}

	var wg sync.WaitGroup
	runBackground := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	runBackground(monitor.Run)
	runBackground(sess.Run)
	runBackground(func(ctx context.Context) { reconciler.Run(ctx, monitor) })

	// MQTT (опционально): поток фиксов от провайдера локации
	if cfg.MQTT.URL != "" {
		mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger, mqtt.NewIngestHandler(sess, location))
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to initialize MQTT client")
		}
		defer mqttClient.Disconnect()

		if err := mqttClient.Connect(); err != nil {
			logger.WithField("error", err).Error("Failed to connect to MQTT broker, will retry in background")
		}

		// Интервал фиксов передается провайдерам при каждом изменении настроек
		settingsStore.OnChange(func(s settings.Settings) {
			payload, err := mqtt.EncodeInterval(s.LocationIntervalMs)
			if err != nil {
				return
			}
			if err := mqttClient.PublishMessage(mqtt.IntervalTopic(cfg.MQTT.TopicPrefix), payload, 1, true); err != nil {
				logger.WithField("error", err).Warn("Failed to publish location interval")
			}
		})
	}

	server := handler.NewServer(cfg, handler.Deps{
		Session:      sess,
		Sync:         reconciler,
		Store:        store,
		Settings:     settingsStore,
		Location:     location,
		Hub:          hub,
		Connectivity: monitor,
	}, logger)

	// Запускаем HTTP сервер в горутине
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err).Fatal("Failed to start HTTP server")
		}
	}()

	// Ждем сигнала остановки
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.WithField("signal", sig).Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("HTTP server shutdown error")
	}

	// Активная запись не завершается: после перезапуска Recover продолжит трек
	if status := sess.Status(); status.IsActive() {
		logger.WithFields(map[string]interface{}{
			"track_id":        status.TrackID,
			"accepted_points": status.AcceptedPoints,
		}).Info("Leaving recording open for recovery on restart")
	}

	cancel()
	wg.Wait()

	logger.Info("Server stopped gracefully")
}
