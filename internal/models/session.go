package models

import (
	"time"
)

// SessionState состояние сессии записи
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionRecording  SessionState = "recording"
	SessionFinalizing SessionState = "finalizing"
)

// Gauge возвращает числовое значение состояния для метрик
func (s SessionState) Gauge() float64 {
	switch s {
	case SessionRecording:
		return 1
	case SessionFinalizing:
		return 2
	default:
		return 0
	}
}

// SessionStatus снимок состояния сессии для API, WebSocket, Redis и логов
type SessionStatus struct {
	State          SessionState `json:"state"`
	Paused         bool         `json:"paused"`
	TrackID        string       `json:"track_id,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	ElapsedSeconds int64        `json:"elapsed_seconds"`
	Elapsed        string       `json:"elapsed"`
	Distance       float64      `json:"distance"`
	DistanceText   string       `json:"distance_text"`
	AcceptedPoints int          `json:"accepted_points"`
	FixCount       uint64       `json:"fix_count"`
	BufferedPoints int          `json:"buffered_points"`
	Online         bool         `json:"online"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsActive сообщает, что сессия владеет треком
func (s SessionStatus) IsActive() bool {
	return s.State != SessionIdle
}
