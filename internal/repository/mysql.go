package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/geo"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// Максимум точек в одном INSERT
const pointsBatchSize = 500

const selectTrackColumns = `id, name, start_time, end_time, distance, duration, is_recording`

const selectPointsQuery = `
	SELECT id, track_id, timestamp, latitude, longitude, altitude, speed, bearing, accuracy
	FROM track_points
	WHERE track_id = ?
	ORDER BY timestamp ASC, id ASC`

// MySQLRepository основное хранилище треков в MySQL
type MySQLRepository struct {
	db     *sql.DB
	logger *utils.Logger

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewMySQLRepository создает новый MySQL репозиторий.
// Соединение не проверяется: хранилище может быть недоступно при старте.
func NewMySQLRepository(cfg *config.MySQLConfig, logger *utils.Logger) (*MySQLRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mysql config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required")
	}

	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Настройки connection pool
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &MySQLRepository{
		db:     db,
		logger: logger,
	}, nil
}

// NewMySQLRepositoryWithDB оборачивает готовое соединение, схема считается уже созданной
func NewMySQLRepositoryWithDB(db *sql.DB, logger *utils.Logger) *MySQLRepository {
	return &MySQLRepository{
		db:          db,
		logger:      logger,
		schemaReady: true,
	}
}

// normalizeDSN включает опции драйвера, без которых репозиторий работает неверно
func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = true
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// Ping проверяет соединение с MySQL и при первом успехе применяет миграции
func (r *MySQLRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql ping failed: %w", err)
	}
	return r.ensureSchema()
}

func (r *MySQLRepository) ensureSchema() error {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()

	if r.schemaReady {
		return nil
	}

	driver, err := migratemysql.WithInstance(r.db, &migratemysql.Config{})
	if err != nil {
		return fmt.Errorf("failed to create mysql migrate driver: %w", err)
	}
	if err := applyMigrations("mysql", "mysql", driver, r.logger); err != nil {
		return err
	}

	r.schemaReady = true
	r.logger.Info("MySQL schema ready")
	return nil
}

// Close закрывает соединение с MySQL
func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

// InsertTrack создает трек
func (r *MySQLRepository) InsertTrack(ctx context.Context, track *models.Track) error {
	query := `
		INSERT INTO tracks (id, name, start_time, end_time, distance, duration, is_recording)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		track.ID, track.Name, track.StartTime.UTC(), nullTime(track.EndTime),
		track.Distance, track.Duration, track.IsRecording)
	if err != nil {
		return fmt.Errorf("failed to insert track %s: %w", track.ID, err)
	}
	return nil
}

// UpdateTrack перезаписывает изменяемые поля трека
func (r *MySQLRepository) UpdateTrack(ctx context.Context, track *models.Track) error {
	query := `
		UPDATE tracks
		SET name = ?, start_time = ?, end_time = ?, distance = ?, duration = ?, is_recording = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		track.Name, track.StartTime.UTC(), nullTime(track.EndTime),
		track.Distance, track.Duration, track.IsRecording, track.ID)
	if err != nil {
		return fmt.Errorf("failed to update track %s: %w", track.ID, err)
	}
	return expectAffected(result, track.ID)
}

// UpdateTrackDistance обновляет только дистанцию трека
func (r *MySQLRepository) UpdateTrackDistance(ctx context.Context, trackID string, distance float64) error {
	result, err := r.db.ExecContext(ctx, `UPDATE tracks SET distance = ? WHERE id = ?`, distance, trackID)
	if err != nil {
		return fmt.Errorf("failed to update distance of track %s: %w", trackID, err)
	}
	return expectAffected(result, trackID)
}

// DeleteTrack удаляет трек вместе с точками
func (r *MySQLRepository) DeleteTrack(ctx context.Context, trackID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM track_points WHERE track_id = ?`, trackID); err != nil {
		return fmt.Errorf("failed to delete points of track %s: %w", trackID, err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM tracks WHERE id = ?`, trackID)
	if err != nil {
		return fmt.Errorf("failed to delete track %s: %w", trackID, err)
	}
	if err := expectAffected(result, trackID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of track %s: %w", trackID, err)
	}

	r.logger.WithField("track_id", trackID).Debug("Deleted track from MySQL")
	return nil
}

// GetTrackByID возвращает трек или ErrTrackNotFound
func (r *MySQLRepository) GetTrackByID(ctx context.Context, trackID string) (*models.Track, error) {
	query := `SELECT ` + selectTrackColumns + ` FROM tracks WHERE id = ?`

	track, err := scanTrack(r.db.QueryRowContext(ctx, query, trackID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTrackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track %s: %w", trackID, err)
	}
	return track, nil
}

// GetCurrentRecordingTrack возвращает трек с is_recording = 1, если он есть
func (r *MySQLRepository) GetCurrentRecordingTrack(ctx context.Context) (*models.Track, error) {
	query := `SELECT ` + selectTrackColumns + ` FROM tracks WHERE is_recording = 1 ORDER BY start_time DESC LIMIT 1`

	track, err := scanTrack(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current recording track: %w", err)
	}
	return track, nil
}

// InsertTrackPoints сохраняет точки батчами. Повторная вставка того же ID перезаписывает строку.
func (r *MySQLRepository) InsertTrackPoints(ctx context.Context, points []models.TrackPoint) error {
	if len(points) == 0 {
		return nil
	}

	// Начинаем транзакцию
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(points); start += pointsBatchSize {
		end := min(start+pointsBatchSize, len(points))
		batch := points[start:end]

		args := make([]interface{}, 0, len(batch)*10)
		for _, p := range batch {
			args = append(args,
				p.ID, p.TrackID, p.Timestamp.UTC(), p.Latitude, p.Longitude,
				nullFloat(p.Altitude), nullFloat(p.Speed), nullFloat(p.Bearing), nullFloat(p.Accuracy),
				geo.Cell(p.Latitude, p.Longitude))
		}

		query := `
			INSERT INTO track_points (
				id, track_id, timestamp, latitude, longitude,
				altitude, speed, bearing, accuracy, geohash
			) VALUES ` + generatePlaceholders(len(batch), 10) + `
			ON DUPLICATE KEY UPDATE
				track_id = VALUES(track_id), timestamp = VALUES(timestamp),
				latitude = VALUES(latitude), longitude = VALUES(longitude),
				altitude = VALUES(altitude), speed = VALUES(speed),
				bearing = VALUES(bearing), accuracy = VALUES(accuracy),
				geohash = VALUES(geohash)`

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to batch insert track points: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit track points: %w", err)
	}

	r.logger.WithField("count", len(points)).Debug("Saved track points batch to MySQL")
	return nil
}

// StreamTrackPoints отдает точки трека по возрастанию времени, не загружая их все в память
func (r *MySQLRepository) StreamTrackPoints(ctx context.Context, trackID string) iter.Seq2[models.TrackPoint, error] {
	return func(yield func(models.TrackPoint, error) bool) {
		rows, err := r.db.QueryContext(ctx, selectPointsQuery, trackID)
		if err != nil {
			yield(models.TrackPoint{}, fmt.Errorf("failed to query points of track %s: %w", trackID, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			point, err := scanTrackPoint(rows)
			if err != nil {
				yield(models.TrackPoint{}, fmt.Errorf("failed to scan track point: %w", err))
				return
			}
			if !yield(point, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(models.TrackPoint{}, fmt.Errorf("error iterating track point rows: %w", err))
		}
	}
}

// ListTrackPoints возвращает все точки трека по возрастанию времени
func (r *MySQLRepository) ListTrackPoints(ctx context.Context, trackID string) ([]models.TrackPoint, error) {
	return collectPoints(r.StreamTrackPoints(ctx, trackID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrack(row rowScanner) (*models.Track, error) {
	var (
		track   models.Track
		endTime sql.NullTime
	)
	err := row.Scan(&track.ID, &track.Name, &track.StartTime, &endTime,
		&track.Distance, &track.Duration, &track.IsRecording)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		end := endTime.Time
		track.EndTime = &end
	}
	return &track, nil
}

func scanTrackPoint(row rowScanner) (models.TrackPoint, error) {
	var (
		point                              models.TrackPoint
		altitude, speed, bearing, accuracy sql.NullFloat64
	)
	err := row.Scan(&point.ID, &point.TrackID, &point.Timestamp, &point.Latitude, &point.Longitude,
		&altitude, &speed, &bearing, &accuracy)
	if err != nil {
		return models.TrackPoint{}, err
	}
	point.Altitude = floatPtr(altitude)
	point.Speed = floatPtr(speed)
	point.Bearing = floatPtr(bearing)
	point.Accuracy = floatPtr(accuracy)
	return point, nil
}

func collectPoints(seq iter.Seq2[models.TrackPoint, error]) ([]models.TrackPoint, error) {
	points := make([]models.TrackPoint, 0)
	for point, err := range seq {
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, nil
}

func expectAffected(result sql.Result, trackID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("track %s: %w", trackID, ErrTrackNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// generatePlaceholders генерирует плейсхолдеры для batch INSERT
func generatePlaceholders(count, fieldsPerRecord int) string {
	if count == 0 {
		return ""
	}

	// Генерируем один набор плейсхолдеров (?,?,?...)
	singleRecord := "(" + strings.Repeat("?,", fieldsPerRecord-1) + "?)"

	// Повторяем для всех записей
	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = singleRecord
	}

	return strings.Join(placeholders, ",")
}
