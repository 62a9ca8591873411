package repository

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/flybeeper/track-recorder/internal/models"
)

// ErrStoreUnavailable возвращается MemoryStore, пока он переведен в недоступное состояние
var ErrStoreUnavailable = errors.New("store unavailable")

// MemoryStore основное хранилище в памяти. Используется в тестах и локальных прогонах.
type MemoryStore struct {
	mu          sync.RWMutex
	tracks      map[string]models.Track
	points      map[string]models.TrackPoint
	unavailable bool
	insertCalls int
}

// NewMemoryStore создает пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tracks: make(map[string]models.Track),
		points: make(map[string]models.TrackPoint),
	}
}

// SetUnavailable имитирует потерю связи: все операции возвращают ErrStoreUnavailable
func (s *MemoryStore) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	s.unavailable = unavailable
	s.mu.Unlock()
}

// InsertPointsCalls количество вызовов InsertTrackPoints
func (s *MemoryStore) InsertPointsCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insertCalls
}

// PointCount количество точек трека
func (s *MemoryStore) PointCount(trackID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.points {
		if p.TrackID == trackID {
			count++
		}
	}
	return count
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return ErrStoreUnavailable
	}
	return ctx.Err()
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) InsertTrack(ctx context.Context, track *models.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return ErrStoreUnavailable
	}
	s.tracks[track.ID] = *track
	return nil
}

func (s *MemoryStore) UpdateTrack(ctx context.Context, track *models.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return ErrStoreUnavailable
	}
	if _, ok := s.tracks[track.ID]; !ok {
		return ErrTrackNotFound
	}
	s.tracks[track.ID] = *track
	return nil
}

func (s *MemoryStore) UpdateTrackDistance(ctx context.Context, trackID string, distance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return ErrStoreUnavailable
	}
	track, ok := s.tracks[trackID]
	if !ok {
		return ErrTrackNotFound
	}
	track.Distance = distance
	s.tracks[trackID] = track
	return nil
}

func (s *MemoryStore) DeleteTrack(ctx context.Context, trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return ErrStoreUnavailable
	}
	if _, ok := s.tracks[trackID]; !ok {
		return ErrTrackNotFound
	}
	delete(s.tracks, trackID)
	for id, p := range s.points {
		if p.TrackID == trackID {
			delete(s.points, id)
		}
	}
	return nil
}

func (s *MemoryStore) GetTrackByID(ctx context.Context, trackID string) (*models.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil, ErrStoreUnavailable
	}
	track, ok := s.tracks[trackID]
	if !ok {
		return nil, ErrTrackNotFound
	}
	return &track, nil
}

func (s *MemoryStore) GetCurrentRecordingTrack(ctx context.Context) (*models.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil, ErrStoreUnavailable
	}
	var current *models.Track
	for _, track := range s.tracks {
		if !track.IsRecording {
			continue
		}
		if current == nil || track.StartTime.After(current.StartTime) {
			t := track
			current = &t
		}
	}
	return current, nil
}

func (s *MemoryStore) InsertTrackPoints(ctx context.Context, points []models.TrackPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return ErrStoreUnavailable
	}
	s.insertCalls++
	for _, p := range points {
		s.points[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) StreamTrackPoints(ctx context.Context, trackID string) iter.Seq2[models.TrackPoint, error] {
	return func(yield func(models.TrackPoint, error) bool) {
		points, err := s.snapshotPoints(trackID)
		if err != nil {
			yield(models.TrackPoint{}, err)
			return
		}
		for _, p := range points {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) ListTrackPoints(ctx context.Context, trackID string) ([]models.TrackPoint, error) {
	return collectPoints(s.StreamTrackPoints(ctx, trackID))
}

func (s *MemoryStore) snapshotPoints(trackID string) ([]models.TrackPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil, ErrStoreUnavailable
	}
	points := make([]models.TrackPoint, 0)
	for _, p := range s.points {
		if p.TrackID == trackID {
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].ID < points[j].ID
		}
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

// MemoryBuffer локальный буфер в памяти
type MemoryBuffer struct {
	mu      sync.Mutex
	points  map[string]models.BufferedTrackPoint
	tracks  map[string]models.Track
	pending map[string]models.PendingFinalization
	failing bool
}

// NewMemoryBuffer создает пустой буфер
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{
		points:  make(map[string]models.BufferedTrackPoint),
		tracks:  make(map[string]models.Track),
		pending: make(map[string]models.PendingFinalization),
	}
}

// SetFailing имитирует отказ локального диска
func (b *MemoryBuffer) SetFailing(failing bool) {
	b.mu.Lock()
	b.failing = failing
	b.mu.Unlock()
}

// Len количество строк в буфере, включая синхронизированные
func (b *MemoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.points)
}

func (b *MemoryBuffer) Close() error { return nil }

func (b *MemoryBuffer) Enqueue(ctx context.Context, point models.BufferedTrackPoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("buffer write failed")
	}
	if point.CreatedAt.IsZero() {
		point.CreatedAt = time.Now()
	}
	b.points[point.ID] = point
	return nil
}

func (b *MemoryBuffer) UnsyncedForTrack(ctx context.Context, trackID string) ([]models.BufferedTrackPoint, error) {
	return b.unsynced(func(p models.BufferedTrackPoint) bool { return p.TrackID == trackID })
}

func (b *MemoryBuffer) AllUnsynced(ctx context.Context) ([]models.BufferedTrackPoint, error) {
	return b.unsynced(func(models.BufferedTrackPoint) bool { return true })
}

func (b *MemoryBuffer) unsynced(match func(models.BufferedTrackPoint) bool) ([]models.BufferedTrackPoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return nil, errors.New("buffer read failed")
	}
	var result []models.BufferedTrackPoint
	for _, p := range b.points {
		if !p.IsSynced && match(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (b *MemoryBuffer) MarkSynced(ctx context.Context, pointIDs ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range pointIDs {
		if p, ok := b.points[id]; ok {
			p.IsSynced = true
			b.points[id] = p
		}
	}
	return nil
}

func (b *MemoryBuffer) MarkAllSyncedForTrack(ctx context.Context, trackID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.points {
		if p.TrackID == trackID {
			p.IsSynced = true
			b.points[id] = p
		}
	}
	return nil
}

func (b *MemoryBuffer) PurgeSynced(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var purged int64
	for id, p := range b.points {
		if p.IsSynced {
			delete(b.points, id)
			purged++
		}
	}
	return purged, nil
}

func (b *MemoryBuffer) UnsyncedCount(ctx context.Context, trackID string) (int, error) {
	points, err := b.UnsyncedForTrack(ctx, trackID)
	return len(points), err
}

func (b *MemoryBuffer) TotalUnsynced(ctx context.Context) (int, error) {
	points, err := b.AllUnsynced(ctx)
	return len(points), err
}

func (b *MemoryBuffer) DeletePoints(ctx context.Context, pointIDs ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range pointIDs {
		delete(b.points, id)
	}
	return nil
}

func (b *MemoryBuffer) SavePendingTrack(ctx context.Context, track models.Track) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("buffer write failed")
	}
	track.IsRecording = true
	b.tracks[track.ID] = track
	return nil
}

func (b *MemoryBuffer) PendingTracks(ctx context.Context) ([]models.Track, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]models.Track, 0, len(b.tracks))
	for _, t := range b.tracks {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result, nil
}

func (b *MemoryBuffer) RemovePendingTrack(ctx context.Context, trackID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tracks, trackID)
	return nil
}

func (b *MemoryBuffer) SavePendingFinalization(ctx context.Context, pending models.PendingFinalization) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("buffer write failed")
	}
	b.pending[pending.TrackID] = pending
	return nil
}

func (b *MemoryBuffer) PendingFinalizations(ctx context.Context) ([]models.PendingFinalization, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]models.PendingFinalization, 0, len(b.pending))
	for _, p := range b.pending {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EndedAt.Before(result[j].EndedAt) })
	return result, nil
}

func (b *MemoryBuffer) RemovePendingFinalization(ctx context.Context, trackID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, trackID)
	return nil
}
