package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flybeeper/track-recorder/internal/geo"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/internal/repository"
)

// Recover восстанавливает сессию после перезапуска процесса: трек с is_recording,
// для которого нет отложенного завершения, снова становится активным.
// Дистанция и последний фикс восстанавливаются по сохраненным и буферизованным точкам.
func (s *Session) Recover(ctx context.Context) (*models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.SessionIdle {
		return nil, ErrAlreadyRecording
	}

	finalizing := make(map[string]bool)
	pendingFinalizations, err := s.buffer.PendingFinalizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending finalizations: %w", err)
	}
	for _, p := range pendingFinalizations {
		finalizing[p.TrackID] = true
	}

	track, pending, err := s.findInterruptedTrack(ctx, finalizing)
	if err != nil || track == nil {
		return nil, err
	}

	points, err := s.recoveredPoints(ctx, track.ID, pending)
	if err != nil {
		return nil, err
	}

	s.state = models.SessionRecording
	s.paused = false
	s.track = track
	s.trackPending = pending
	s.distance = geo.TrackDistance(points)
	s.accepted = len(points)
	s.fixCount = 0
	s.lastFix = nil
	if len(points) > 0 {
		last := points[len(points)-1].ToFix()
		s.lastFix = &last
	}

	s.logger.WithFields(map[string]interface{}{
		"track_id": track.ID,
		"points":   s.accepted,
		"distance": geo.FormatDistance(s.distance),
		"offline":  pending,
	}).Info("Recovered interrupted recording")

	s.publish(ctx)

	t := *track
	return &t, nil
}

// findInterruptedTrack ищет трек сначала в outbox, затем в основном хранилище
func (s *Session) findInterruptedTrack(ctx context.Context, finalizing map[string]bool) (*models.Track, bool, error) {
	pendingTracks, err := s.buffer.PendingTracks(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read pending tracks: %w", err)
	}
	for i := len(pendingTracks) - 1; i >= 0; i-- {
		if !finalizing[pendingTracks[i].ID] {
			t := pendingTracks[i]
			return &t, true, nil
		}
	}

	if !s.connectivity.Current() {
		return nil, false, nil
	}

	track, err := s.store.GetCurrentRecordingTrack(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read current recording track: %w", err)
	}
	if track == nil || finalizing[track.ID] {
		return nil, false, nil
	}
	return track, false, nil
}

// recoveredPoints объединяет точки основного хранилища и несинхронизированные точки буфера
func (s *Session) recoveredPoints(ctx context.Context, trackID string, pending bool) ([]models.TrackPoint, error) {
	byID := make(map[string]models.TrackPoint)

	if !pending {
		for p, err := range s.store.StreamTrackPoints(ctx, trackID) {
			if err != nil {
				if errors.Is(err, repository.ErrTrackNotFound) {
					break
				}
				return nil, fmt.Errorf("failed to read track points: %w", err)
			}
			byID[p.ID] = p
		}
	}

	buffered, err := s.buffer.UnsyncedForTrack(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to read buffered points: %w", err)
	}
	for _, b := range buffered {
		byID[b.ID] = b.ToTrackPoint()
	}

	points := make([]models.TrackPoint, 0, len(byID))
	for _, p := range byID {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].ID < points[j].ID
		}
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}
