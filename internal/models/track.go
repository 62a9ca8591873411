package models

import (
	"time"
)

// Track представляет записанный трек
type Track struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Distance    float64    `json:"distance"` // Метры
	Duration    int64      `json:"duration"` // Секунды
	IsRecording bool       `json:"is_recording"`
}

// Finalize закрывает трек: время окончания, длительность, итоговая дистанция
func (t *Track) Finalize(endTime time.Time, distance float64) {
	end := endTime
	t.EndTime = &end
	t.Duration = int64(endTime.Sub(t.StartTime) / time.Second)
	if t.Duration < 0 {
		t.Duration = 0
	}
	t.Distance = distance
	t.IsRecording = false
}

// TrackPoint представляет точку трека. После записи не изменяется.
type TrackPoint struct {
	ID        string    `json:"id"`
	TrackID   string    `json:"track_id"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  *float64  `json:"alt,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

// Position возвращает координаты точки
func (p TrackPoint) Position() GeoPoint {
	return GeoPoint{Latitude: p.Latitude, Longitude: p.Longitude}
}

// ToFix восстанавливает фикс из сохраненной точки (нужно при восстановлении сессии)
func (p TrackPoint) ToFix() Fix {
	return Fix{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Altitude:  p.Altitude,
		Speed:     p.Speed,
		Bearing:   p.Bearing,
		Accuracy:  p.Accuracy,
		Timestamp: p.Timestamp,
	}
}

// ToBuffered оборачивает точку для локального буфера
func (p TrackPoint) ToBuffered(createdAt time.Time) BufferedTrackPoint {
	return BufferedTrackPoint{
		TrackPoint: p,
		IsSynced:   false,
		CreatedAt:  createdAt,
	}
}

// BufferedTrackPoint точка, принятая политикой, но еще не перенесенная в основное хранилище
type BufferedTrackPoint struct {
	TrackPoint
	IsSynced  bool      `json:"is_synced"`
	CreatedAt time.Time `json:"created_at"`
}

// ToTrackPoint возвращает точку для основного хранилища с тем же идентификатором
func (b BufferedTrackPoint) ToTrackPoint() TrackPoint {
	return b.TrackPoint
}

// PendingFinalization отложенное завершение трека, записанное при недоступном хранилище
type PendingFinalization struct {
	TrackID   string    `json:"track_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}
