package repository

import (
	"context"
	"errors"
	"iter"

	"github.com/flybeeper/track-recorder/internal/models"
)

var (
	// ErrTrackNotFound трек отсутствует в основном хранилище
	ErrTrackNotFound = errors.New("track not found")

	// ErrDataIntegrity схема хранилища повреждена или миграция не применилась.
	// Восстановление требует сброса хранилища на уровне выше пайплайна.
	ErrDataIntegrity = errors.New("storage data integrity failure")
)

// TrackStore основное хранилище треков и точек
type TrackStore interface {
	// Проверка соединения
	Ping(ctx context.Context) error
	Close() error

	// Операции с треками
	InsertTrack(ctx context.Context, track *models.Track) error
	UpdateTrack(ctx context.Context, track *models.Track) error
	UpdateTrackDistance(ctx context.Context, trackID string, distance float64) error
	DeleteTrack(ctx context.Context, trackID string) error
	GetTrackByID(ctx context.Context, trackID string) (*models.Track, error)
	// GetCurrentRecordingTrack возвращает nil, nil если записи нет
	GetCurrentRecordingTrack(ctx context.Context) (*models.Track, error)

	// Операции с точками. Вставка идемпотентна по ID точки.
	InsertTrackPoints(ctx context.Context, points []models.TrackPoint) error
	StreamTrackPoints(ctx context.Context, trackID string) iter.Seq2[models.TrackPoint, error]
	ListTrackPoints(ctx context.Context, trackID string) ([]models.TrackPoint, error)
}

// PointBuffer локальная очередь точек, принятых без связи с основным хранилищем
type PointBuffer interface {
	// Enqueue идемпотентен по ID: повторная запись заменяет точку
	Enqueue(ctx context.Context, point models.BufferedTrackPoint) error
	UnsyncedForTrack(ctx context.Context, trackID string) ([]models.BufferedTrackPoint, error)
	AllUnsynced(ctx context.Context) ([]models.BufferedTrackPoint, error)
	MarkSynced(ctx context.Context, pointIDs ...string) error
	MarkAllSyncedForTrack(ctx context.Context, trackID string) error
	PurgeSynced(ctx context.Context) (int64, error)
	UnsyncedCount(ctx context.Context, trackID string) (int, error)
	TotalUnsynced(ctx context.Context) (int, error)
	DeletePoints(ctx context.Context, pointIDs ...string) error
}

// TrackOutbox изменения треков, ожидающие связи с основным хранилищем:
// создание трека без связи и отложенное завершение
type TrackOutbox interface {
	SavePendingTrack(ctx context.Context, track models.Track) error
	PendingTracks(ctx context.Context) ([]models.Track, error)
	RemovePendingTrack(ctx context.Context, trackID string) error

	SavePendingFinalization(ctx context.Context, pending models.PendingFinalization) error
	PendingFinalizations(ctx context.Context) ([]models.PendingFinalization, error)
	RemovePendingFinalization(ctx context.Context, trackID string) error
}

// LocalBuffer локальная база: буфер точек и outbox треков
type LocalBuffer interface {
	PointBuffer
	TrackOutbox
	Close() error
}

// Ensure implementations
var _ TrackStore = (*MySQLRepository)(nil)
var _ TrackStore = (*MemoryStore)(nil)
var _ LocalBuffer = (*SQLiteBuffer)(nil)
var _ LocalBuffer = (*MemoryBuffer)(nil)
