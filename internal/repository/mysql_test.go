package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

var trackColumns = []string{"id", "name", "start_time", "end_time", "distance", "duration", "is_recording"}
var pointColumns = []string{"id", "track_id", "timestamp", "latitude", "longitude", "altitude", "speed", "bearing", "accuracy"}

func newMockRepository(t *testing.T) (*MySQLRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQLRepositoryWithDB(db, utils.NewNopLogger()), mock
}

func TestMySQL_InsertTrack(t *testing.T) {
	repo, mock := newMockRepository(t)
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO tracks").
		WithArgs("t1", "Track 1", start, nil, 0.0, int64(0), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.InsertTrack(context.Background(), &models.Track{ID: "t1", Name: "Track 1", StartTime: start, IsRecording: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_UpdateTrackDistance_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec("UPDATE tracks SET distance").
		WithArgs(12.5, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateTrackDistance(context.Background(), "missing", 12.5)
	assert.True(t, errors.Is(err, ErrTrackNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_GetTrackByID(t *testing.T) {
	repo, mock := newMockRepository(t)
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM tracks WHERE id").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(trackColumns).AddRow("t1", "Track 1", start, end, 1500.5, int64(3600), false))

	track, err := repo.GetTrackByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Track 1", track.Name)
	require.NotNil(t, track.EndTime)
	assert.True(t, track.EndTime.Equal(end))
	assert.Equal(t, 1500.5, track.Distance)
	assert.False(t, track.IsRecording)

	mock.ExpectQuery("SELECT (.+) FROM tracks WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(trackColumns))

	_, err = repo.GetTrackByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrTrackNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_GetCurrentRecordingTrack_None(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("FROM tracks WHERE is_recording = 1").
		WillReturnRows(sqlmock.NewRows(trackColumns))

	track, err := repo.GetCurrentRecordingTrack(context.Background())
	require.NoError(t, err)
	assert.Nil(t, track)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_InsertTrackPoints_Upsert(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	points := []models.TrackPoint{
		{ID: "p1", TrackID: "t1", Timestamp: now, Latitude: 46, Longitude: 8, Accuracy: models.Float64(4)},
		{ID: "p2", TrackID: "t1", Timestamp: now.Add(time.Second), Latitude: 46.001, Longitude: 8},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO track_points (.+) ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, repo.InsertTrackPoints(context.Background(), points))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_InsertTrackPoints_RollbackOnError(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO track_points").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.InsertTrackPoints(context.Background(), []models.TrackPoint{{ID: "p1", TrackID: "t1", Timestamp: time.Now()}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_InsertTrackPoints_Empty(t *testing.T) {
	repo, mock := newMockRepository(t)
	require.NoError(t, repo.InsertTrackPoints(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_ListTrackPoints(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM track_points").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(pointColumns).
			AddRow("p1", "t1", now, 46.0, 8.0, 1200.0, nil, nil, 4.0).
			AddRow("p2", "t1", now.Add(time.Second), 46.001, 8.0, nil, 1.5, 90.0, 6.0))

	points, err := repo.ListTrackPoints(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "p1", points[0].ID)
	require.NotNil(t, points[0].Altitude)
	assert.Equal(t, 1200.0, *points[0].Altitude)
	assert.Nil(t, points[0].Speed)
	assert.Nil(t, points[1].Altitude)
	assert.Equal(t, 90.0, *points[1].Bearing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_StreamTrackPoints_StopsEarly(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM track_points").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(pointColumns).
			AddRow("p1", "t1", now, 46.0, 8.0, nil, nil, nil, 4.0).
			AddRow("p2", "t1", now, 46.1, 8.0, nil, nil, nil, 4.0))

	seen := 0
	for _, err := range repo.StreamTrackPoints(context.Background(), "t1") {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestMySQL_DeleteTrack(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM track_points WHERE track_id").WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM tracks WHERE id").WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteTrack(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGeneratePlaceholders(t *testing.T) {
	assert.Equal(t, "", generatePlaceholders(0, 3))
	assert.Equal(t, "(?,?)", generatePlaceholders(1, 2))
	assert.Equal(t, "(?,?,?),(?,?,?)", generatePlaceholders(2, 3))
}

func TestNormalizeDSN(t *testing.T) {
	dsn, err := normalizeDSN("user:pass@tcp(localhost:3306)/tracks")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "multiStatements=true")
	assert.Contains(t, dsn, "clientFoundRows=true")

	_, err = normalizeDSN("::not a dsn")
	assert.Error(t, err)
}
