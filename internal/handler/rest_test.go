package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/internal/repository"
	"github.com/flybeeper/track-recorder/internal/service"
	"github.com/flybeeper/track-recorder/internal/session"
	"github.com/flybeeper/track-recorder/internal/settings"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// MockSession для тестирования
type MockSession struct {
	mock.Mock
}

func (m *MockSession) Start(ctx context.Context) (*models.Track, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Track), args.Error(1)
}

func (m *MockSession) Stop(ctx context.Context) (session.StopResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(session.StopResult), args.Error(1)
}

func (m *MockSession) Pause(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) Resume(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) Status() models.SessionStatus {
	return m.Called().Get(0).(models.SessionStatus)
}

func (m *MockSession) Submit(source string, fix models.Fix) bool {
	return m.Called(source, fix).Bool(0)
}

// MockSync для тестирования
type MockSync struct {
	mock.Mock
}

func (m *MockSync) ReconcileAll(ctx context.Context) (service.SyncResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(service.SyncResult), args.Error(1)
}

func (m *MockSync) LastResult() service.SyncResult {
	return m.Called().Get(0).(service.SyncResult)
}

type observedFixes struct {
	fixes []models.Fix
}

func (o *observedFixes) Observe(fix models.Fix) {
	o.fixes = append(o.fixes, fix)
}

type restFixture struct {
	session  *MockSession
	sync     *MockSync
	store    *repository.MemoryStore
	settings *settings.Store
	location *observedFixes
	router   *gin.Engine
}

func newRESTFixture(t *testing.T) *restFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := utils.NewNopLogger()
	settingsStore, err := settings.NewStore(settings.Default(), nil, logger)
	require.NoError(t, err)

	f := &restFixture{
		session:  &MockSession{},
		sync:     &MockSync{},
		store:    repository.NewMemoryStore(),
		settings: settingsStore,
		location: &observedFixes{},
	}

	h := NewRESTHandler(f.session, f.sync, f.store, f.settings, f.location, logger)
	router := gin.New()
	router.GET("/api/v1/session", h.GetSession)
	router.POST("/api/v1/session/start", h.StartSession)
	router.POST("/api/v1/session/stop", h.StopSession)
	router.POST("/api/v1/session/pause", h.PauseSession)
	router.POST("/api/v1/session/resume", h.ResumeSession)
	router.POST("/api/v1/fixes", h.PostFixes)
	router.GET("/api/v1/tracks/current", h.GetCurrentTrack)
	router.GET("/api/v1/tracks/:id", h.GetTrack)
	router.GET("/api/v1/tracks/:id/points", h.GetTrackPoints)
	router.GET("/api/v1/settings", h.GetSettings)
	router.PUT("/api/v1/settings", h.PutSettings)
	router.POST("/api/v1/sync", h.PostSync)
	router.GET("/api/v1/sync", h.GetSync)
	f.router = router

	return f
}

func (f *restFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRESTHandler_StartSession(t *testing.T) {
	f := newRESTFixture(t)

	track := &models.Track{ID: "track-1", Name: "Track", StartTime: time.Now(), IsRecording: true}
	f.session.On("Start", mock.Anything).Return(track, nil)
	f.session.On("Status").Return(models.SessionStatus{State: models.SessionRecording, TrackID: "track-1"})

	w := f.do(http.MethodPost, "/api/v1/session/start", "")

	assert.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "track-1", body["track"].(map[string]interface{})["id"])
	assert.Equal(t, "recording", body["status"].(map[string]interface{})["state"])
	f.session.AssertExpectations(t)
}

func TestRESTHandler_SessionErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"already recording", session.ErrAlreadyRecording, http.StatusConflict, "already_recording"},
		{"location unavailable", fmt.Errorf("%w: permission denied", session.ErrLocationUnavailable), http.StatusUnprocessableEntity, "location_unavailable"},
		{"start failed", fmt.Errorf("%w: disk full", session.ErrStartFailed), http.StatusServiceUnavailable, "start_failed"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRESTFixture(t)
			f.session.On("Start", mock.Anything).Return(nil, tt.err)

			w := f.do(http.MethodPost, "/api/v1/session/start", "")

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeBody(t, w)["code"])
		})
	}
}

func TestRESTHandler_StopSession(t *testing.T) {
	f := newRESTFixture(t)
	f.session.On("Stop", mock.Anything).Return(session.StopResult{
		TrackID:  "track-1",
		Outcome:  service.FinalizeCommitted,
		Distance: 1500,
		Duration: 600,
		Points:   12,
	}, nil)

	w := f.do(http.MethodPost, "/api/v1/session/stop", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "1.50 km", body["distance_text"])
	assert.Equal(t, "0:10:00", body["duration_text"])
	assert.Equal(t, "committed", body["result"].(map[string]interface{})["outcome"])
}

func TestRESTHandler_StopSession_NotRecording(t *testing.T) {
	f := newRESTFixture(t)
	f.session.On("Stop", mock.Anything).Return(session.StopResult{}, session.ErrNotRecording)

	w := f.do(http.MethodPost, "/api/v1/session/stop", "")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_recording", decodeBody(t, w)["code"])
}

func TestRESTHandler_PauseResume(t *testing.T) {
	f := newRESTFixture(t)
	f.session.On("Pause", mock.Anything).Return(nil).Once()
	f.session.On("Resume", mock.Anything).Return(nil).Once()
	f.session.On("Status").Return(models.SessionStatus{State: models.SessionRecording, Paused: true}).Once()
	f.session.On("Status").Return(models.SessionStatus{State: models.SessionRecording}).Once()

	w := f.do(http.MethodPost, "/api/v1/session/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["paused"])

	w = f.do(http.MethodPost, "/api/v1/session/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["paused"])

	f.session.AssertExpectations(t)
}

func TestRESTHandler_PostFixes(t *testing.T) {
	f := newRESTFixture(t)
	f.session.On("Submit", SourceHTTP, mock.AnythingOfType("models.Fix")).Return(true).Once()
	f.session.On("Submit", SourceHTTP, mock.AnythingOfType("models.Fix")).Return(false).Once()

	body := `{"fixes":[
		{"lat":46.0,"lon":8.0,"accuracy":5,"timestamp":"2026-05-01T10:00:00Z"},
		{"lat":46.001,"lon":8.0,"accuracy":5,"timestamp":"2026-05-01T10:00:05Z"}
	]}`
	w := f.do(http.MethodPost, "/api/v1/fixes", body)

	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(1), resp["queued"])
	assert.Equal(t, float64(1), resp["dropped"])

	require.Len(t, f.location.fixes, 2)
	assert.Equal(t, 46.001, f.location.fixes[1].Latitude)
	require.NotNil(t, f.location.fixes[0].Accuracy)
	assert.Equal(t, 5.0, *f.location.fixes[0].Accuracy)
	f.session.AssertExpectations(t)
}

func TestRESTHandler_PostFixes_InvalidRequests(t *testing.T) {
	f := newRESTFixture(t)

	w := f.do(http.MethodPost, "/api/v1/fixes", `{"fixes":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var sb strings.Builder
	sb.WriteString(`{"fixes":[`)
	for i := 0; i <= maxFixesPerRequest; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"lat":46.0,"lon":8.0,"accuracy":5,"timestamp":"2026-05-01T10:00:00Z"}`)
	}
	sb.WriteString("]}")

	w = f.do(http.MethodPost, "/api/v1/fixes", sb.String())
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	f.session.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestRESTHandler_GetCurrentTrack(t *testing.T) {
	f := newRESTFixture(t)
	ctx := context.Background()

	w := f.do(http.MethodGet, "/api/v1/tracks/current", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, f.store.InsertTrack(ctx, &models.Track{
		ID: "track-1", Name: "Track", StartTime: time.Now(), IsRecording: true, Distance: 250,
	}))

	w = f.do(http.MethodGet, "/api/v1/tracks/current", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "track-1", body["track"].(map[string]interface{})["id"])
	assert.Equal(t, "250 m", body["distance_text"])
}

func TestRESTHandler_GetTrack_NotFoundAndUnavailable(t *testing.T) {
	f := newRESTFixture(t)

	w := f.do(http.MethodGet, "/api/v1/tracks/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.store.SetUnavailable(true)
	w = f.do(http.MethodGet, "/api/v1/tracks/missing", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store_unavailable", decodeBody(t, w)["code"])
}

func TestRESTHandler_GetTrackPoints(t *testing.T) {
	f := newRESTFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, f.store.InsertTrack(ctx, &models.Track{ID: "track-1", Name: "Track", StartTime: start, IsRecording: true}))
	points := make([]models.TrackPoint, 0, 3)
	for i := 0; i < 3; i++ {
		points = append(points, models.TrackPoint{
			ID:        fmt.Sprintf("p%d", i),
			TrackID:   "track-1",
			Timestamp: start.Add(time.Duration(i) * 5 * time.Second),
			Latitude:  46.0 + float64(i)*0.001,
			Longitude: 8.0,
			Accuracy:  models.Float64(5),
		})
	}
	require.NoError(t, f.store.InsertTrackPoints(ctx, points))

	w := f.do(http.MethodGet, "/api/v1/tracks/track-1/points", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["count"])
	assert.InDelta(t, 222.39, body["distance"].(float64), 0.01)

	w = f.do(http.MethodGet, "/api/v1/tracks/track-1/points?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])

	w = f.do(http.MethodGet, "/api/v1/tracks/track-1/points?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/tracks/unknown/points", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRESTHandler_Settings(t *testing.T) {
	f := newRESTFixture(t)

	w := f.do(http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(50), decodeBody(t, w)["accuracy_threshold_meters"])

	w = f.do(http.MethodPut, "/api/v1/settings", `{"accuracy_threshold_meters":20,"min_distance_meters":5,"location_interval_ms":1000}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20.0, f.settings.Snapshot().AccuracyThresholdMeters)

	w = f.do(http.MethodPut, "/api/v1/settings", `{"accuracy_threshold_meters":0,"min_distance_meters":5,"location_interval_ms":1000}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_settings", decodeBody(t, w)["code"])
	assert.Equal(t, 20.0, f.settings.Snapshot().AccuracyThresholdMeters)
}

func TestRESTHandler_Sync(t *testing.T) {
	f := newRESTFixture(t)
	result := service.SyncResult{Trigger: service.TriggerManual, TracksSynced: 1, PointsSynced: 4}
	f.sync.On("ReconcileAll", mock.Anything).Return(result, nil).Once()
	f.sync.On("ReconcileAll", mock.Anything).Return(service.SyncResult{}, context.DeadlineExceeded).Once()
	f.sync.On("LastResult").Return(result)

	w := f.do(http.MethodPost, "/api/v1/sync", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), decodeBody(t, w)["points_synced"])

	w = f.do(http.MethodPost, "/api/v1/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "sync_interrupted", decodeBody(t, w)["code"])

	w = f.do(http.MethodGet, "/api/v1/sync", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "manual", decodeBody(t, w)["trigger"])

	f.sync.AssertExpectations(t)
}
