package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/filter"
	"github.com/flybeeper/track-recorder/internal/geo"
	"github.com/flybeeper/track-recorder/internal/metrics"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/internal/repository"
	"github.com/flybeeper/track-recorder/internal/service"
	"github.com/flybeeper/track-recorder/internal/settings"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

var (
	ErrAlreadyRecording = errors.New("session already recording")
	ErrNotRecording     = errors.New("session is not recording")
	ErrPaused           = errors.New("session is paused")
	ErrStartFailed      = errors.New("recording could not start")
	ErrStopFailed       = errors.New("recording could not be finalized")
	// ErrPointLost принятый фикс не записан ни в основное хранилище, ни в буфер
	ErrPointLost = errors.New("accepted point was not persisted")
)

// Назначение записи точки (метка метрики)
const (
	destinationDirect   = "direct"
	destinationBuffered = "buffered"
)

// Connectivity последнее известное состояние связи с основным хранилищем
type Connectivity interface {
	Current() bool
}

// Notifier получатель снимков состояния сессии
type Notifier interface {
	Notify(ctx context.Context, status models.SessionStatus) error
}

// Deps зависимости сессии
type Deps struct {
	Store        repository.TrackStore
	Buffer       repository.LocalBuffer
	Reconciler   *service.SyncReconciler
	Locks        *service.TrackLocks
	Settings     *settings.Store
	Connectivity Connectivity
	Location     LocationSource
	Notifier     Notifier
	Logger       *utils.Logger
}

// StopResult итог завершения трека
type StopResult struct {
	TrackID  string                  `json:"track_id"`
	Outcome  service.FinalizeOutcome `json:"outcome"`
	Distance float64                 `json:"distance"`
	Duration int64                   `json:"duration"`
	Points   int                     `json:"points"`
}

// Session машина состояний записи трека: Idle -> Recording -> Finalizing -> Idle.
// Владеет единственным активным треком. Фиксы обрабатываются по одному в порядке поступления.
type Session struct {
	store        repository.TrackStore
	buffer       repository.LocalBuffer
	reconciler   *service.SyncReconciler
	locks        *service.TrackLocks
	settings     *settings.Store
	connectivity Connectivity
	location     LocationSource
	notifier     Notifier
	policy       filter.Policy
	config       config.RecordingConfig
	syncConfig   config.SyncConfig
	logger       *utils.Logger
	now          func() time.Time

	queue chan queuedFix

	// mu сериализует обработку фиксов и переходы состояний
	mu           sync.Mutex
	state        models.SessionState
	paused       bool
	track        *models.Track
	trackPending bool
	lastFix      *models.Fix
	distance     float64
	accepted     int
	fixCount     uint64

	statusMu sync.RWMutex
	status   models.SessionStatus
}

type queuedFix struct {
	source string
	fix    models.Fix
}

// New создает сессию в состоянии Idle
func New(deps Deps, cfg config.RecordingConfig, syncCfg config.SyncConfig) *Session {
	queueSize := cfg.FixQueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Session{
		store:        deps.Store,
		buffer:       deps.Buffer,
		reconciler:   deps.Reconciler,
		locks:        deps.Locks,
		settings:     deps.Settings,
		connectivity: deps.Connectivity,
		location:     deps.Location,
		notifier:     deps.Notifier,
		policy:       filter.NewPolicy(),
		config:       cfg,
		syncConfig:   syncCfg,
		logger:       deps.Logger,
		now:          time.Now,
		queue:        make(chan queuedFix, queueSize),
		state:        models.SessionIdle,
	}
	s.status = models.SessionStatus{State: models.SessionIdle, UpdatedAt: s.now()}
	return s
}

// Submit ставит фикс в очередь без блокировки продюсера.
// При переполнении вытесняется самый старый фикс. Возвращает false, если фикс был вытеснен сам.
func (s *Session) Submit(source string, fix models.Fix) bool {
	metrics.FixesReceived.WithLabelValues(source).Inc()
	item := queuedFix{source: source, fix: fix}

	for attempt := 0; attempt < 2; attempt++ {
		select {
		case s.queue <- item:
			return true
		default:
		}
		select {
		case <-s.queue:
			metrics.FixesDropped.Inc()
		default:
		}
	}

	metrics.FixesDropped.Inc()
	return false
}

// Run обрабатывает очередь фиксов до отмены контекста
func (s *Session) Run(ctx context.Context) {
	s.logger.WithField("queue_size", cap(s.queue)).Info("Starting recording session loop")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Recording session loop stopped")
			return
		case item := <-s.queue:
			_, err := s.OnFix(ctx, item.fix)
			switch {
			case err == nil, errors.Is(err, ErrNotRecording), errors.Is(err, ErrPaused):
			default:
				s.logger.WithField("source", item.source).WithField("error", err).Warn("Failed to process fix")
			}
		}
	}
}

// Start начинает новый трек. Наличие last-known фикса не требуется:
// если он есть и проходит политику, он становится первой точкой.
func (s *Session) Start(ctx context.Context) (*models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.SessionIdle {
		return nil, ErrAlreadyRecording
	}

	if err := s.location.Availability(); err != nil {
		s.logger.WithField("error", err).Warn("Recording not started: location unavailable")
		if errors.Is(err, ErrLocationUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}

	startedAt := s.now().UTC()
	track := &models.Track{
		ID:          uuid.NewString(),
		Name:        fmt.Sprintf("%s %s", s.config.TrackNamePrefix, startedAt.Format("2006-01-02 15:04")),
		StartTime:   startedAt,
		IsRecording: true,
	}

	pending, err := s.createTrack(ctx, track)
	if err != nil {
		return nil, err
	}

	s.state = models.SessionRecording
	s.paused = false
	s.track = track
	s.trackPending = pending
	s.lastFix = nil
	s.distance = 0
	s.accepted = 0
	s.fixCount = 0

	s.logger.WithFields(map[string]interface{}{
		"track_id": track.ID,
		"name":     track.Name,
		"offline":  pending,
	}).Info("Recording started")

	if fix, ok := s.location.LastKnownFix(); ok {
		decision, err := s.processFix(ctx, *fix)
		if err != nil {
			s.logger.WithField("error", err).Warn("Failed to seed track with last known fix")
		} else if !decision.Accepted {
			s.logger.WithField("reason", decision.Reason).Debug("Last known fix not used as first point")
		}
	}

	s.publish(ctx)

	t := *track
	return &t, nil
}

// createTrack создает трек в основном хранилище, а без связи кладет его в outbox.
// Возвращает true, если трек ожидает создания.
func (s *Session) createTrack(ctx context.Context, track *models.Track) (bool, error) {
	if s.connectivity.Current() {
		writeCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
		err := s.store.InsertTrack(writeCtx, track)
		cancel()
		if err == nil {
			return false, nil
		}
		s.logger.WithField("track_id", track.ID).WithField("error", err).Warn("Failed to create track in primary store, queueing locally")
	}

	if err := s.buffer.SavePendingTrack(ctx, *track); err != nil {
		s.logger.WithField("track_id", track.ID).WithField("error", err).Error("Failed to queue track locally")
		return false, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	return true, nil
}

// OnFix обрабатывает один фикс. Отклонение политикой не является ошибкой.
func (s *Session) OnFix(ctx context.Context, fix models.Fix) (filter.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.SessionRecording {
		return filter.Decision{}, ErrNotRecording
	}
	if s.paused {
		return filter.Decision{}, ErrPaused
	}

	decision, err := s.processFix(ctx, fix)
	s.publish(ctx)
	return decision, err
}

// processFix вызывается под s.mu в состоянии Recording
func (s *Session) processFix(ctx context.Context, fix models.Fix) (filter.Decision, error) {
	s.fixCount++

	decision := s.policy.Evaluate(fix, s.lastFix, s.settings.Snapshot())
	if !decision.Accepted {
		metrics.FixesRejected.WithLabelValues(string(decision.Reason)).Inc()
		s.logger.WithFields(map[string]interface{}{
			"reason": decision.Reason,
			"detail": decision.Detail,
		}).Debug("Fix rejected")
		return decision, nil
	}

	point := fix.ToTrackPoint(uuid.NewString(), s.track.ID)
	destination, err := s.persistPoint(ctx, point)
	if err != nil {
		metrics.PointsLost.Inc()
		s.logger.WithField("track_id", s.track.ID).WithField("error", err).Error("Accepted point lost")
		return decision, fmt.Errorf("%w: %v", ErrPointLost, err)
	}

	metrics.FixesAccepted.Inc()
	s.distance += decision.Distance
	f := fix
	s.lastFix = &f
	s.accepted++
	metrics.SessionDistanceMeters.Set(s.distance)

	if destination == destinationDirect {
		s.updateTrackDistance(ctx)
	}

	if s.config.ProgressLogEvery > 0 && s.accepted%s.config.ProgressLogEvery == 0 {
		s.logger.WithFields(map[string]interface{}{
			"track_id":  s.track.ID,
			"points":    s.accepted,
			"fixes":     s.fixCount,
			"distance":  geo.FormatDistance(s.distance),
			"elapsed":   geo.FormatDuration(s.now().Sub(s.track.StartTime)),
			"buffering": destination == destinationBuffered,
		}).Info("Recording progress")
	}

	return decision, nil
}

// persistPoint пишет точку напрямую при наличии связи, иначе в локальный буфер
func (s *Session) persistPoint(ctx context.Context, point models.TrackPoint) (string, error) {
	var directErr error

	online := s.connectivity.Current()
	if online && s.trackPending && !s.isPendingTrack(ctx, s.track.ID) {
		// Синхронизация уже создала трек в основном хранилище
		s.trackPending = false
	}

	if online && !s.trackPending {
		start := time.Now()
		writeCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
		directErr = s.store.InsertTrackPoints(writeCtx, []models.TrackPoint{point})
		cancel()
		metrics.PointWriteDuration.WithLabelValues(destinationDirect).Observe(time.Since(start).Seconds())

		if directErr == nil {
			metrics.PointsWritten.WithLabelValues(destinationDirect).Inc()
			return destinationDirect, nil
		}
		s.logger.WithField("point_id", point.ID).WithField("error", directErr).Warn("Direct point write failed, buffering")
	}

	start := time.Now()
	writeCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	err := s.buffer.Enqueue(writeCtx, point.ToBuffered(s.now().UTC()))
	cancel()
	metrics.PointWriteDuration.WithLabelValues(destinationBuffered).Observe(time.Since(start).Seconds())

	if err != nil {
		if directErr != nil {
			return "", fmt.Errorf("direct write: %v; buffer: %w", directErr, err)
		}
		return "", err
	}
	metrics.PointsWritten.WithLabelValues(destinationBuffered).Inc()
	return destinationBuffered, nil
}

// updateTrackDistance обновляет текущую дистанцию трека в основном хранилище
func (s *Session) updateTrackDistance(ctx context.Context) {
	unlock := s.locks.Lock(s.track.ID)
	defer unlock()

	writeCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	if err := s.store.UpdateTrackDistance(writeCtx, s.track.ID, s.distance); err != nil {
		s.logger.WithField("track_id", s.track.ID).WithField("error", err).Warn("Failed to update track distance")
	}
}

// Pause прекращает прием фиксов без завершения трека
func (s *Session) Pause(ctx context.Context) error {
	return s.setPaused(ctx, true)
}

// Resume возобновляет прием фиксов
func (s *Session) Resume(ctx context.Context) error {
	return s.setPaused(ctx, false)
}

func (s *Session) setPaused(ctx context.Context, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.SessionRecording {
		return ErrNotRecording
	}
	if s.paused == paused {
		return nil
	}
	s.paused = paused

	if paused {
		s.logger.WithField("track_id", s.track.ID).Info("Recording paused")
	} else {
		s.logger.WithField("track_id", s.track.ID).Info("Recording resumed")
	}
	s.publish(ctx)
	return nil
}

// Stop завершает трек. При наличии связи буфер трека синхронизируется (с ограничением по времени),
// затем дистанция пересчитывается по полному списку точек. Трек без точек удаляется.
// Без связи завершение откладывается в outbox.
func (s *Session) Stop(ctx context.Context) (StopResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.SessionRecording {
		return StopResult{}, ErrNotRecording
	}

	s.state = models.SessionFinalizing
	s.publish(ctx)

	track := *s.track
	endedAt := s.now().UTC()
	logger := s.logger.WithField("track_id", track.ID)

	result, err := s.finalize(ctx, track, endedAt, logger)

	s.state = models.SessionIdle
	s.paused = false
	s.track = nil
	s.trackPending = false
	s.lastFix = nil
	s.distance = 0
	s.accepted = 0
	metrics.SessionDistanceMeters.Set(0)
	s.publish(ctx)

	if err != nil {
		return result, err
	}

	logger.WithFields(map[string]interface{}{
		"outcome":  result.Outcome,
		"distance": geo.FormatDistance(result.Distance),
		"duration": geo.FormatDuration(time.Duration(result.Duration) * time.Second),
		"points":   result.Points,
	}).Info("Recording stopped")
	return result, nil
}

func (s *Session) finalize(ctx context.Context, track models.Track, endedAt time.Time, logger *utils.Logger) (StopResult, error) {
	result := StopResult{
		TrackID:  track.ID,
		Distance: s.distance,
		Duration: int64(endedAt.Sub(track.StartTime) / time.Second),
		Points:   s.accepted,
	}

	if s.connectivity.Current() {
		stopCtx, cancel := context.WithTimeout(ctx, s.syncConfig.StopTimeout)
		defer cancel()

		if _, err := s.reconciler.ReconcileTrack(stopCtx, track.ID); err != nil {
			logger.WithField("error", err).Warn("Buffer of stopped track not fully synced")
		}

		remaining, err := s.buffer.UnsyncedCount(stopCtx, track.ID)
		if err == nil && remaining == 0 {
			outcome, finalized, err := s.reconciler.FinalizeTrack(stopCtx, track.ID, endedAt)
			if err == nil {
				result.Outcome = outcome
				if finalized != nil {
					result.Distance = finalized.Distance
					result.Duration = finalized.Duration
				} else {
					result.Distance = 0
				}
				return result, nil
			}
			logger.WithField("error", err).Warn("Failed to finalize track, deferring")
		} else if err == nil {
			logger.WithField("unsynced", remaining).Warn("Buffered points remain, deferring finalization")
		}
	}

	// Трек, созданный без связи и не получивший ни одной точки, просто убирается из outbox
	if s.accepted == 0 && s.isPendingTrack(ctx, track.ID) {
		if err := s.buffer.RemovePendingTrack(ctx, track.ID); err == nil {
			metrics.TracksFinalized.WithLabelValues(string(service.FinalizeDiscarded)).Inc()
			result.Outcome = service.FinalizeDiscarded
			result.Distance = 0
			return result, nil
		}
	}

	err := s.buffer.SavePendingFinalization(ctx, models.PendingFinalization{
		TrackID:   track.ID,
		StartedAt: track.StartTime,
		EndedAt:   endedAt,
	})
	if err != nil {
		logger.WithField("error", err).Error("Failed to defer track finalization")
		return result, fmt.Errorf("%w: %v", ErrStopFailed, err)
	}

	metrics.TracksFinalized.WithLabelValues(string(service.FinalizeDeferred)).Inc()
	result.Outcome = service.FinalizeDeferred
	return result, nil
}

func (s *Session) isPendingTrack(ctx context.Context, trackID string) bool {
	tracks, err := s.buffer.PendingTracks(ctx)
	if err != nil {
		return false
	}
	for _, t := range tracks {
		if t.ID == trackID {
			return true
		}
	}
	return false
}

// Status возвращает последний опубликованный снимок состояния
func (s *Session) Status() models.SessionStatus {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()

	status.Online = s.connectivity.Current()
	if status.StartedAt != nil {
		elapsed := s.now().Sub(*status.StartedAt)
		status.ElapsedSeconds = int64(elapsed / time.Second)
		status.Elapsed = geo.FormatDuration(elapsed)
	}
	return status
}

// publish строит снимок под s.mu и отправляет его получателю.
// Ошибка уведомления не влияет на запись.
func (s *Session) publish(ctx context.Context) {
	status := models.SessionStatus{
		State:          s.state,
		Paused:         s.paused,
		Distance:       s.distance,
		DistanceText:   geo.FormatDistance(s.distance),
		AcceptedPoints: s.accepted,
		FixCount:       s.fixCount,
		Online:         s.connectivity.Current(),
		UpdatedAt:      s.now().UTC(),
		Elapsed:        geo.FormatDuration(0),
	}

	if s.track != nil {
		startedAt := s.track.StartTime
		status.TrackID = s.track.ID
		status.StartedAt = &startedAt
		elapsed := status.UpdatedAt.Sub(startedAt)
		status.ElapsedSeconds = int64(elapsed / time.Second)
		status.Elapsed = geo.FormatDuration(elapsed)

		if count, err := s.buffer.UnsyncedCount(ctx, s.track.ID); err == nil {
			status.BufferedPoints = count
		}
	}

	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()

	metrics.SessionState.Set(status.State.Gauge())

	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, status); err != nil {
		s.logger.WithField("error", err).Debug("Session notification failed")
	}
}
