package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

const selectBufferedColumns = `
	id, track_id, timestamp, latitude, longitude, altitude, speed, bearing, accuracy, is_synced, created_at`

// SQLiteBuffer локальный буфер точек в файле SQLite. Доступен всегда, в том числе без сети.
type SQLiteBuffer struct {
	db     *sql.DB
	logger *utils.Logger
}

// NewSQLiteBuffer открывает файл буфера и применяет миграции
func NewSQLiteBuffer(cfg *config.BufferConfig, logger *utils.Logger) (*SQLiteBuffer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("buffer config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}

	// Один писатель: SQLite сериализует записи, пул только добавит SQLITE_BUSY
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	if err := applyMigrations("sqlite", "sqlite", driver, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", cfg.Path).Info("Opened local point buffer")
	return &SQLiteBuffer{db: db, logger: logger}, nil
}

// Close закрывает базу буфера
func (b *SQLiteBuffer) Close() error {
	return b.db.Close()
}

// Enqueue сохраняет точку; повторная запись того же ID заменяет строку
func (b *SQLiteBuffer) Enqueue(ctx context.Context, point models.BufferedTrackPoint) error {
	query := `
		INSERT OR REPLACE INTO buffered_track_points (` + selectBufferedColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	createdAt := point.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := b.db.ExecContext(ctx, query,
		point.ID, point.TrackID, point.Timestamp.UnixNano(), point.Latitude, point.Longitude,
		nullFloat(point.Altitude), nullFloat(point.Speed), nullFloat(point.Bearing), nullFloat(point.Accuracy),
		boolToInt(point.IsSynced), createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to enqueue point %s: %w", point.ID, err)
	}
	return nil
}

// UnsyncedForTrack возвращает несинхронизированные точки трека по возрастанию времени
func (b *SQLiteBuffer) UnsyncedForTrack(ctx context.Context, trackID string) ([]models.BufferedTrackPoint, error) {
	query := `SELECT ` + selectBufferedColumns + `
		FROM buffered_track_points
		WHERE is_synced = 0 AND track_id = ?
		ORDER BY timestamp ASC, id ASC`
	return b.queryBuffered(ctx, query, trackID)
}

// AllUnsynced возвращает все несинхронизированные точки по возрастанию времени
func (b *SQLiteBuffer) AllUnsynced(ctx context.Context) ([]models.BufferedTrackPoint, error) {
	query := `SELECT ` + selectBufferedColumns + `
		FROM buffered_track_points
		WHERE is_synced = 0
		ORDER BY timestamp ASC, id ASC`
	return b.queryBuffered(ctx, query)
}

// MarkSynced помечает точки синхронизированными одной транзакцией
func (b *SQLiteBuffer) MarkSynced(ctx context.Context, pointIDs ...string) error {
	err := b.execByIDs(ctx, `UPDATE buffered_track_points SET is_synced = 1 WHERE id IN (%s)`, pointIDs)
	if err != nil {
		return fmt.Errorf("failed to mark %d points synced: %w", len(pointIDs), err)
	}
	return nil
}

// MarkAllSyncedForTrack помечает синхронизированными все точки трека
func (b *SQLiteBuffer) MarkAllSyncedForTrack(ctx context.Context, trackID string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE buffered_track_points SET is_synced = 1 WHERE track_id = ? AND is_synced = 0`, trackID)
	if err != nil {
		return fmt.Errorf("failed to mark points of track %s synced: %w", trackID, err)
	}
	return nil
}

// PurgeSynced удаляет синхронизированные строки
func (b *SQLiteBuffer) PurgeSynced(ctx context.Context) (int64, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM buffered_track_points WHERE is_synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced points: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// UnsyncedCount возвращает количество несинхронизированных точек трека
func (b *SQLiteBuffer) UnsyncedCount(ctx context.Context, trackID string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffered_track_points WHERE is_synced = 0 AND track_id = ?`, trackID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced points of track %s: %w", trackID, err)
	}
	return count, nil
}

// TotalUnsynced возвращает глубину буфера
func (b *SQLiteBuffer) TotalUnsynced(ctx context.Context) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buffered_track_points WHERE is_synced = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced points: %w", err)
	}
	return count, nil
}

// DeletePoints удаляет точки без синхронизации (сироты)
func (b *SQLiteBuffer) DeletePoints(ctx context.Context, pointIDs ...string) error {
	err := b.execByIDs(ctx, `DELETE FROM buffered_track_points WHERE id IN (%s)`, pointIDs)
	if err != nil {
		return fmt.Errorf("failed to delete %d buffered points: %w", len(pointIDs), err)
	}
	return nil
}

// SavePendingTrack запоминает трек, созданный без связи с основным хранилищем
func (b *SQLiteBuffer) SavePendingTrack(ctx context.Context, track models.Track) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_tracks (id, name, start_time, created_at) VALUES (?, ?, ?, ?)`,
		track.ID, track.Name, track.StartTime.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save pending track %s: %w", track.ID, err)
	}
	return nil
}

// PendingTracks возвращает треки, ожидающие создания, в порядке начала записи
func (b *SQLiteBuffer) PendingTracks(ctx context.Context) ([]models.Track, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, start_time FROM pending_tracks ORDER BY start_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tracks: %w", err)
	}
	defer rows.Close()

	var result []models.Track
	for rows.Next() {
		var (
			track     models.Track
			startTime int64
		)
		if err := rows.Scan(&track.ID, &track.Name, &startTime); err != nil {
			return nil, fmt.Errorf("failed to scan pending track: %w", err)
		}
		track.StartTime = time.Unix(0, startTime).UTC()
		track.IsRecording = true
		result = append(result, track)
	}
	return result, rows.Err()
}

// RemovePendingTrack удаляет трек из outbox после создания в основном хранилище
func (b *SQLiteBuffer) RemovePendingTrack(ctx context.Context, trackID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM pending_tracks WHERE id = ?`, trackID)
	if err != nil {
		return fmt.Errorf("failed to remove pending track %s: %w", trackID, err)
	}
	return nil
}

// SavePendingFinalization запоминает трек, который нужно завершить после восстановления связи
func (b *SQLiteBuffer) SavePendingFinalization(ctx context.Context, pending models.PendingFinalization) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_finalizations (track_id, started_at, ended_at) VALUES (?, ?, ?)`,
		pending.TrackID, pending.StartedAt.UnixNano(), pending.EndedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save pending finalization of track %s: %w", pending.TrackID, err)
	}
	return nil
}

// PendingFinalizations возвращает отложенные завершения в порядке времени остановки
func (b *SQLiteBuffer) PendingFinalizations(ctx context.Context) ([]models.PendingFinalization, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT track_id, started_at, ended_at FROM pending_finalizations ORDER BY ended_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending finalizations: %w", err)
	}
	defer rows.Close()

	var result []models.PendingFinalization
	for rows.Next() {
		var (
			pending            models.PendingFinalization
			startedAt, endedAt int64
		)
		if err := rows.Scan(&pending.TrackID, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending finalization: %w", err)
		}
		pending.StartedAt = time.Unix(0, startedAt).UTC()
		pending.EndedAt = time.Unix(0, endedAt).UTC()
		result = append(result, pending)
	}
	return result, rows.Err()
}

// RemovePendingFinalization удаляет выполненное завершение
func (b *SQLiteBuffer) RemovePendingFinalization(ctx context.Context, trackID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM pending_finalizations WHERE track_id = ?`, trackID)
	if err != nil {
		return fmt.Errorf("failed to remove pending finalization of track %s: %w", trackID, err)
	}
	return nil
}

// execByIDs выполняет запрос пачками по pointsBatchSize ID в одной транзакции.
// SQLite ограничивает число параметров одного запроса.
func (b *SQLiteBuffer) execByIDs(ctx context.Context, queryFormat string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += pointsBatchSize {
		end := min(start+pointsBatchSize, len(ids))
		batch := ids[start:end]
		query := fmt.Sprintf(queryFormat, inPlaceholders(len(batch)))
		if _, err := tx.ExecContext(ctx, query, stringArgs(batch)...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (b *SQLiteBuffer) queryBuffered(ctx context.Context, query string, args ...interface{}) ([]models.BufferedTrackPoint, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query buffered points: %w", err)
	}
	defer rows.Close()

	var points []models.BufferedTrackPoint
	for rows.Next() {
		var (
			point                              models.BufferedTrackPoint
			timestamp, createdAt               int64
			altitude, speed, bearing, accuracy sql.NullFloat64
		)
		err := rows.Scan(&point.ID, &point.TrackID, &timestamp, &point.Latitude, &point.Longitude,
			&altitude, &speed, &bearing, &accuracy, &point.IsSynced, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan buffered point: %w", err)
		}
		point.Timestamp = time.Unix(0, timestamp).UTC()
		point.CreatedAt = time.Unix(0, createdAt).UTC()
		point.Altitude = floatPtr(altitude)
		point.Speed = floatPtr(speed)
		point.Bearing = floatPtr(bearing)
		point.Accuracy = floatPtr(accuracy)
		points = append(points, point)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating buffered rows: %w", err)
	}
	return points, nil
}

func inPlaceholders(count int) string {
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
