package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/geo"
	"github.com/flybeeper/track-recorder/internal/metrics"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/internal/repository"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// Источники запуска синхронизации (метка метрики)
const (
	TriggerConnectivity = "connectivity"
	TriggerManual       = "manual"
	TriggerStop         = "stop"
)

// FinalizeOutcome результат завершения трека
type FinalizeOutcome string

const (
	FinalizeCommitted FinalizeOutcome = "committed"
	FinalizeDiscarded FinalizeOutcome = "discarded"
	// FinalizeDeferred завершение записано в outbox и будет выполнено синхронизацией
	FinalizeDeferred FinalizeOutcome = "deferred"
)

// SyncResult итог прохода синхронизации
type SyncResult struct {
	Trigger      string        `json:"trigger"`
	TracksSynced int           `json:"tracks_synced"`
	PointsSynced int           `json:"points_synced"`
	Orphans      int           `json:"orphans"`
	FailedTracks int           `json:"failed_tracks"`
	Created      int           `json:"created_tracks"`
	Finalized    int           `json:"finalized_tracks"`
	Purged       int64         `json:"purged"`
	Duration     time.Duration `json:"duration"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// ConnectivitySource сигнал доступности основного хранилища
type ConnectivitySource interface {
	Subscribe() (<-chan bool, func())
	Current() bool
	Reconnects() uint64
}

// SyncReconciler переносит точки из локального буфера в основное хранилище.
// Проходы не пересекаются: одновременно выполняется не больше одного.
type SyncReconciler struct {
	store  repository.TrackStore
	buffer repository.LocalBuffer
	locks  *TrackLocks
	config config.SyncConfig
	logger *utils.Logger

	sem *semaphore.Weighted

	mu         sync.RWMutex
	lastResult SyncResult
}

// NewSyncReconciler создает синхронизатор
func NewSyncReconciler(store repository.TrackStore, buffer repository.LocalBuffer, locks *TrackLocks, cfg config.SyncConfig, logger *utils.Logger) *SyncReconciler {
	return &SyncReconciler{
		store:  store,
		buffer: buffer,
		locks:  locks,
		config: cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(1),
	}
}

// LastResult возвращает итог последнего прохода
func (r *SyncReconciler) LastResult() SyncResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastResult
}

// ReconcileAll синхронизирует весь буфер, завершает отложенные треки и чистит синхронизированные строки
func (r *SyncReconciler) ReconcileAll(ctx context.Context) (SyncResult, error) {
	return r.reconcileAll(ctx, TriggerManual)
}

func (r *SyncReconciler) reconcileAll(ctx context.Context, trigger string) (SyncResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return SyncResult{}, fmt.Errorf("sync pass did not start: %w", err)
	}
	defer r.sem.Release(1)

	start := time.Now()
	result := SyncResult{Trigger: trigger}
	metrics.SyncRuns.WithLabelValues(trigger).Inc()

	result.Created = r.flushPendingTracks(ctx, "")

	points, err := r.buffer.AllUnsynced(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read buffer: %w", err)
	}

	r.reconcileGroups(ctx, groupByTrack(points), &result)

	result.Finalized = r.completePendingFinalizations(ctx)

	if ctx.Err() == nil {
		purged, err := r.buffer.PurgeSynced(ctx)
		if err != nil {
			r.logger.WithField("error", err).Warn("Failed to purge synced buffer rows")
		}
		result.Purged = purged
	}

	r.finish(ctx, &result, start)
	return result, ctx.Err()
}

// ReconcileTrack синхронизирует буфер одного трека. Ожидание предыдущего прохода ограничено ctx.
func (r *SyncReconciler) ReconcileTrack(ctx context.Context, trackID string) (SyncResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return SyncResult{}, fmt.Errorf("sync of track %s did not start: %w", trackID, err)
	}
	defer r.sem.Release(1)

	start := time.Now()
	result := SyncResult{Trigger: TriggerStop}
	metrics.SyncRuns.WithLabelValues(TriggerStop).Inc()

	result.Created = r.flushPendingTracks(ctx, trackID)

	points, err := r.buffer.UnsyncedForTrack(ctx, trackID)
	if err != nil {
		return result, fmt.Errorf("failed to read buffer of track %s: %w", trackID, err)
	}

	r.reconcileGroups(ctx, groupByTrack(points), &result)
	r.finish(ctx, &result, start)

	if result.FailedTracks > 0 {
		return result, fmt.Errorf("track %s was not fully synced", trackID)
	}
	return result, ctx.Err()
}

func (r *SyncReconciler) finish(ctx context.Context, result *SyncResult, start time.Time) {
	result.Duration = time.Since(start)
	result.FinishedAt = time.Now()
	metrics.SyncDuration.Observe(result.Duration.Seconds())

	if depth, err := r.buffer.TotalUnsynced(ctx); err == nil {
		metrics.BufferDepth.Set(float64(depth))
	}

	r.mu.Lock()
	r.lastResult = *result
	r.mu.Unlock()

	logger := r.logger.WithFields(map[string]interface{}{
		"trigger":        result.Trigger,
		"tracks_synced":  result.TracksSynced,
		"points_synced":  result.PointsSynced,
		"orphans":        result.Orphans,
		"failed_tracks":  result.FailedTracks,
		"created_tracks": result.Created,
		"finalized":      result.Finalized,
		"purged":         result.Purged,
		"duration":       result.Duration,
	})
	if result.PointsSynced > 0 || result.Orphans > 0 || result.FailedTracks > 0 || result.Finalized > 0 {
		logger.Info("Buffer reconciliation finished")
	} else {
		logger.Debug("Buffer reconciliation finished")
	}
}

type trackGroup struct {
	trackID string
	points  []models.BufferedTrackPoint
}

// groupByTrack группирует точки по треку, сохраняя порядок времени внутри группы
func groupByTrack(points []models.BufferedTrackPoint) []trackGroup {
	index := make(map[string]int)
	var groups []trackGroup
	for _, p := range points {
		i, ok := index[p.TrackID]
		if !ok {
			i = len(groups)
			index[p.TrackID] = i
			groups = append(groups, trackGroup{trackID: p.TrackID})
		}
		groups[i].points = append(groups[i].points, p)
	}
	return groups
}

// reconcileGroups обрабатывает группы независимо: ошибка одной не останавливает остальные
func (r *SyncReconciler) reconcileGroups(ctx context.Context, groups []trackGroup, result *SyncResult) {
	if len(groups) == 0 {
		return
	}

	pending, err := r.pendingTrackIDs(ctx)
	if err != nil {
		r.logger.WithField("error", err).Warn("Failed to read pending tracks, orphan cleanup skipped")
	}

	for _, group := range groups {
		if ctx.Err() != nil {
			// Оставшиеся точки остаются несинхронизированными до следующего прохода
			return
		}

		logger := r.logger.WithField("track_id", group.trackID).WithField("points", len(group.points))

		synced, orphan, err := r.reconcileGroup(ctx, group, pending)
		switch {
		case err != nil:
			result.FailedTracks++
			metrics.SyncErrors.Inc()
			logger.WithField("error", err).Error("Failed to reconcile buffered points")
		case orphan:
			result.Orphans += len(group.points)
			metrics.SyncOrphans.Add(float64(len(group.points)))
			logger.Info("Discarded buffered points of deleted track")
		default:
			result.TracksSynced++
			result.PointsSynced += synced
			metrics.SyncPoints.Add(float64(synced))
			logger.Debug("Reconciled buffered points")
		}
	}
}

func (r *SyncReconciler) reconcileGroup(ctx context.Context, group trackGroup, pending map[string]bool) (int, bool, error) {
	_, err := r.store.GetTrackByID(ctx, group.trackID)
	if errors.Is(err, repository.ErrTrackNotFound) {
		if pending == nil || pending[group.trackID] {
			return 0, false, fmt.Errorf("track %s is not created in primary store yet", group.trackID)
		}
		ids := pointIDs(group.points)
		if err := r.buffer.DeletePoints(ctx, ids...); err != nil {
			return 0, false, fmt.Errorf("failed to delete orphan points: %w", err)
		}
		return 0, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up track: %w", err)
	}

	points := make([]models.TrackPoint, len(group.points))
	for i, p := range group.points {
		points[i] = p.ToTrackPoint()
	}

	err = r.retryOperation(ctx, func() error {
		return r.store.InsertTrackPoints(ctx, points)
	})
	if err != nil {
		return 0, false, err
	}

	// Помечаем ровно вставленные точки: новые, добавленные во время прохода, не затрагиваются
	if err := r.buffer.MarkSynced(ctx, pointIDs(group.points)...); err != nil {
		return 0, false, fmt.Errorf("points inserted but not marked synced: %w", err)
	}

	if err := r.recomputeDistance(ctx, group.trackID); err != nil {
		r.logger.WithField("track_id", group.trackID).WithField("error", err).Warn("Failed to recompute track distance")
	}

	return len(points), false, nil
}

// recomputeDistance пересчитывает дистанцию трека по сохраненным точкам
func (r *SyncReconciler) recomputeDistance(ctx context.Context, trackID string) error {
	unlock := r.locks.Lock(trackID)
	defer unlock()

	points, err := r.store.ListTrackPoints(ctx, trackID)
	if err != nil {
		return err
	}
	return r.store.UpdateTrackDistance(ctx, trackID, geo.TrackDistance(points))
}

func (r *SyncReconciler) pendingTrackIDs(ctx context.Context) (map[string]bool, error) {
	tracks, err := r.buffer.PendingTracks(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		ids[t.ID] = true
	}
	return ids, nil
}

// flushPendingTracks создает в основном хранилище треки, начатые без связи.
// Пустой onlyTrackID означает все треки.
func (r *SyncReconciler) flushPendingTracks(ctx context.Context, onlyTrackID string) int {
	tracks, err := r.buffer.PendingTracks(ctx)
	if err != nil {
		r.logger.WithField("error", err).Warn("Failed to read pending tracks")
		return 0
	}

	created := 0
	for _, track := range tracks {
		if onlyTrackID != "" && track.ID != onlyTrackID {
			continue
		}
		logger := r.logger.WithField("track_id", track.ID)

		_, err := r.store.GetTrackByID(ctx, track.ID)
		switch {
		case err == nil:
			// Трек уже создан прошлым проходом, осталось убрать его из outbox
		case errors.Is(err, repository.ErrTrackNotFound):
			t := track
			if err := r.store.InsertTrack(ctx, &t); err != nil {
				logger.WithField("error", err).Warn("Failed to create pending track")
				continue
			}
			created++
		default:
			logger.WithField("error", err).Warn("Failed to look up pending track")
			continue
		}

		if err := r.buffer.RemovePendingTrack(ctx, track.ID); err != nil {
			logger.WithField("error", err).Warn("Failed to remove pending track from outbox")
			continue
		}
		logger.Info("Created track recorded while offline")
	}
	return created
}

// completePendingFinalizations завершает треки, остановленные без связи
func (r *SyncReconciler) completePendingFinalizations(ctx context.Context) int {
	pending, err := r.buffer.PendingFinalizations(ctx)
	if err != nil {
		r.logger.WithField("error", err).Warn("Failed to read pending finalizations")
		return 0
	}

	completed := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		logger := r.logger.WithField("track_id", p.TrackID)

		remaining, err := r.buffer.UnsyncedCount(ctx, p.TrackID)
		if err != nil || remaining > 0 {
			logger.WithField("unsynced", remaining).Debug("Pending finalization waits for buffered points")
			continue
		}

		outcome, _, err := r.FinalizeTrack(ctx, p.TrackID, p.EndedAt)
		if err != nil && !errors.Is(err, repository.ErrTrackNotFound) {
			logger.WithField("error", err).Warn("Failed to complete pending finalization")
			continue
		}

		if err := r.buffer.RemovePendingFinalization(ctx, p.TrackID); err != nil {
			logger.WithField("error", err).Warn("Failed to remove pending finalization")
			continue
		}
		completed++
		logger.WithField("outcome", outcome).Info("Completed deferred track finalization")
	}
	return completed
}

// FinalizeTrack завершает трек по сохраненным точкам: пустой трек удаляется,
// иначе дистанция пересчитывается по полному списку точек
func (r *SyncReconciler) FinalizeTrack(ctx context.Context, trackID string, endedAt time.Time) (FinalizeOutcome, *models.Track, error) {
	unlock := r.locks.Lock(trackID)
	defer unlock()

	track, err := r.store.GetTrackByID(ctx, trackID)
	if err != nil {
		return "", nil, err
	}

	points, err := r.store.ListTrackPoints(ctx, trackID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read points of track %s: %w", trackID, err)
	}

	if len(points) == 0 {
		if err := r.store.DeleteTrack(ctx, trackID); err != nil && !errors.Is(err, repository.ErrTrackNotFound) {
			return "", nil, fmt.Errorf("failed to delete empty track %s: %w", trackID, err)
		}
		metrics.TracksFinalized.WithLabelValues(string(FinalizeDiscarded)).Inc()
		return FinalizeDiscarded, nil, nil
	}

	track.Finalize(endedAt, geo.TrackDistance(points))
	if err := r.store.UpdateTrack(ctx, track); err != nil {
		return "", nil, fmt.Errorf("failed to finalize track %s: %w", trackID, err)
	}
	metrics.TracksFinalized.WithLabelValues(string(FinalizeCommitted)).Inc()
	return FinalizeCommitted, track, nil
}

// Run запускает синхронизацию на каждом переходе из недоступного состояния в доступное
func (r *SyncReconciler) Run(ctx context.Context, connectivity ConnectivitySource) {
	updates, cancel := connectivity.Subscribe()
	defer cancel()

	r.logger.Info("Starting sync reconciler")

	reachable := false
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Sync reconciler stopped")
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			if next && !reachable {
				r.syncUntilSettled(ctx, connectivity)
			}
			reachable = next
		}
	}
}

// syncUntilSettled повторяет проход, пока во время прохода случаются новые подключения
func (r *SyncReconciler) syncUntilSettled(ctx context.Context, connectivity ConnectivitySource) {
	for {
		seen := connectivity.Reconnects()
		r.runOnce(ctx, TriggerConnectivity)

		if ctx.Err() != nil || connectivity.Reconnects() == seen || !connectivity.Current() {
			return
		}
		r.logger.Debug("Reconnected during sync pass, repeating")
	}
}

func (r *SyncReconciler) runOnce(ctx context.Context, trigger string) {
	runCtx := ctx
	if r.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.RunTimeout)
		defer cancel()
	}

	if _, err := r.reconcileAll(runCtx, trigger); err != nil {
		r.logger.WithField("trigger", trigger).WithField("error", err).Warn("Buffer reconciliation interrupted")
	}
}

// retryOperation повторяет операцию с линейной задержкой
func (r *SyncReconciler) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		r.logger.WithField("attempt", attempt+1).
			WithField("max_retries", r.config.MaxRetries).
			WithField("error", lastErr).
			Warn("Primary store batch operation failed, retrying")
	}

	return fmt.Errorf("operation failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

func pointIDs(points []models.BufferedTrackPoint) []string {
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	return ids
}
