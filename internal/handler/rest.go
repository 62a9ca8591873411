package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flybeeper/track-recorder/internal/geo"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/internal/repository"
	"github.com/flybeeper/track-recorder/internal/service"
	"github.com/flybeeper/track-recorder/internal/session"
	"github.com/flybeeper/track-recorder/internal/settings"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// SourceHTTP метка источника фиксов, пришедших через REST
const SourceHTTP = "http"

// maxFixesPerRequest ограничение пакета фиксов в одном запросе
const maxFixesPerRequest = 500

// SessionController управление сессией записи
type SessionController interface {
	Start(ctx context.Context) (*models.Track, error)
	Stop(ctx context.Context) (session.StopResult, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Status() models.SessionStatus
	Submit(source string, fix models.Fix) bool
}

// SyncController ручной запуск синхронизации буфера
type SyncController interface {
	ReconcileAll(ctx context.Context) (service.SyncResult, error)
	LastResult() service.SyncResult
}

// LocationObserver получает фиксы для last-known позиции
type LocationObserver interface {
	Observe(fix models.Fix)
}

// RESTHandler обработчик REST API endpoints
type RESTHandler struct {
	session  SessionController
	sync     SyncController
	store    repository.TrackStore
	settings *settings.Store
	location LocationObserver
	logger   *utils.Logger
	timeout  time.Duration
}

// NewRESTHandler создает новый REST handler
func NewRESTHandler(sess SessionController, sync SyncController, store repository.TrackStore, settingsStore *settings.Store, location LocationObserver, logger *utils.Logger) *RESTHandler {
	return &RESTHandler{
		session:  sess,
		sync:     sync,
		store:    store,
		settings: settingsStore,
		location: location,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// GetSession возвращает состояние сессии записи
// GET /api/v1/session
func (h *RESTHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Status())
}

// StartSession начинает запись нового трека
// POST /api/v1/session/start
func (h *RESTHandler) StartSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	track, err := h.session.Start(ctx)
	if err != nil {
		h.sessionError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"track":  track,
		"status": h.session.Status(),
	})
}

// StopSession завершает запись
// POST /api/v1/session/stop
func (h *RESTHandler) StopSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	result, err := h.session.Stop(ctx)
	if err != nil {
		h.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"result":        result,
		"distance_text": geo.FormatDistance(result.Distance),
		"duration_text": geo.FormatDuration(time.Duration(result.Duration) * time.Second),
	})
}

// PauseSession приостанавливает прием фиксов
// POST /api/v1/session/pause
func (h *RESTHandler) PauseSession(c *gin.Context) {
	if err := h.session.Pause(c.Request.Context()); err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Status())
}

// ResumeSession возобновляет прием фиксов
// POST /api/v1/session/resume
func (h *RESTHandler) ResumeSession(c *gin.Context) {
	if err := h.session.Resume(c.Request.Context()); err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Status())
}

func (h *RESTHandler) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		c.JSON(http.StatusConflict, gin.H{"code": "already_recording", "message": err.Error()})
	case errors.Is(err, session.ErrNotRecording):
		c.JSON(http.StatusConflict, gin.H{"code": "not_recording", "message": err.Error()})
	case errors.Is(err, session.ErrLocationUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "location_unavailable", "message": err.Error()})
	case errors.Is(err, session.ErrStartFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "start_failed", "message": err.Error()})
	default:
		h.logger.WithField("error", err).Error("Session operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "message": err.Error()})
	}
}

// fixesRequest пакет фиксов от провайдера локации
type fixesRequest struct {
	Fixes []models.Fix `json:"fixes" binding:"required"`
}

// PostFixes принимает фиксы в очередь сессии
// POST /api/v1/fixes
func (h *RESTHandler) PostFixes(c *gin.Context) {
	var req fixesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if len(req.Fixes) > maxFixesPerRequest {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "too_many_fixes",
			"message": "At most " + strconv.Itoa(maxFixesPerRequest) + " fixes per request",
		})
		return
	}

	queued, displaced := 0, 0
	for _, fix := range req.Fixes {
		if h.location != nil {
			h.location.Observe(fix)
		}
		if h.session.Submit(SourceHTTP, fix) {
			queued++
		} else {
			displaced++
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"queued":  queued,
		"dropped": displaced,
	})
}

// GetCurrentTrack возвращает трек, который сейчас записывается
// GET /api/v1/tracks/current
func (h *RESTHandler) GetCurrentTrack(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	track, err := h.store.GetCurrentRecordingTrack(ctx)
	if err != nil {
		h.storeError(c, err, "Failed to get current track")
		return
	}
	if track == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": "No track is being recorded"})
		return
	}
	c.JSON(http.StatusOK, trackResponse(track))
}

// GetTrack возвращает трек по ID
// GET /api/v1/tracks/:id
func (h *RESTHandler) GetTrack(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	track, err := h.store.GetTrackByID(ctx, c.Param("id"))
	if err != nil {
		h.storeError(c, err, "Failed to get track")
		return
	}
	c.JSON(http.StatusOK, trackResponse(track))
}

// GetTrackPoints возвращает точки трека в порядке времени
// GET /api/v1/tracks/:id/points?limit=1000
func (h *RESTHandler) GetTrackPoints(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "invalid_limit",
				"message": "Limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	trackID := c.Param("id")
	if _, err := h.store.GetTrackByID(ctx, trackID); err != nil {
		h.storeError(c, err, "Failed to get track")
		return
	}

	points := make([]models.TrackPoint, 0)
	for point, err := range h.store.StreamTrackPoints(ctx, trackID) {
		if err != nil {
			h.storeError(c, err, "Failed to read track points")
			return
		}
		points = append(points, point)
		if limit > 0 && len(points) >= limit {
			break
		}
	}

	distance := geo.TrackDistance(points)
	c.JSON(http.StatusOK, gin.H{
		"track_id":      trackID,
		"count":         len(points),
		"distance":      distance,
		"distance_text": geo.FormatDistance(distance),
		"points":        points,
	})
}

func (h *RESTHandler) storeError(c *gin.Context, err error, msg string) {
	if errors.Is(err, repository.ErrTrackNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": "Track not found"})
		return
	}
	h.logger.WithField("error", err).Error(msg)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"code":    "store_unavailable",
		"message": msg,
	})
}

func trackResponse(track *models.Track) gin.H {
	return gin.H{
		"track":         track,
		"distance_text": geo.FormatDistance(track.Distance),
		"duration_text": geo.FormatDuration(time.Duration(track.Duration) * time.Second),
	}
}

// GetSettings возвращает текущие настройки записи
// GET /api/v1/settings
func (h *RESTHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Snapshot())
}

// PutSettings заменяет настройки записи. Применяются со следующего фикса.
// PUT /api/v1/settings
func (h *RESTHandler) PutSettings(c *gin.Context) {
	var next settings.Settings
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "message": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if err := h.settings.Update(ctx, next); err != nil {
		if verr := next.Validate(); verr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_settings", "message": verr.Error()})
			return
		}
		h.logger.WithField("error", err).Error("Failed to update settings")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "message": "Failed to store settings"})
		return
	}

	c.JSON(http.StatusOK, h.settings.Snapshot())
}

// PostSync запускает синхронизацию буфера вручную
// POST /api/v1/sync
func (h *RESTHandler) PostSync(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	result, err := h.sync.ReconcileAll(ctx)
	if err != nil {
		h.logger.WithField("error", err).Warn("Manual sync interrupted")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "sync_interrupted",
			"message": err.Error(),
			"result":  result,
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSync возвращает итог последней синхронизации
// GET /api/v1/sync
func (h *RESTHandler) GetSync(c *gin.Context) {
	c.JSON(http.StatusOK, h.sync.LastResult())
}
