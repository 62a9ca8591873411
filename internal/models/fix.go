package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidFix возвращается для структурно некорректного фикса
var ErrInvalidFix = errors.New("invalid fix")

// Fix представляет одно мгновенное показание провайдера локации
type Fix struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  *float64  `json:"alt,omitempty"`      // Высота (м)
	Speed     *float64  `json:"speed,omitempty"`    // Скорость (м/с)
	Bearing   *float64  `json:"bearing,omitempty"`  // Курс (градусы)
	Accuracy  *float64  `json:"accuracy,omitempty"` // Точность (м)
	Timestamp time.Time `json:"timestamp"`
}

// Position возвращает координаты фикса
func (f Fix) Position() GeoPoint {
	return GeoPoint{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Validate проверяет структурную корректность фикса.
// Точность обязательна: без нее фикс нельзя сравнить с порогом.
func (f Fix) Validate() error {
	pos := f.Position()
	if pos.IsZero() {
		return fmt.Errorf("%w: zero coordinates", ErrInvalidFix)
	}
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFix, err)
	}
	if f.Accuracy == nil {
		return fmt.Errorf("%w: accuracy missing", ErrInvalidFix)
	}
	if math.IsNaN(*f.Accuracy) || math.IsInf(*f.Accuracy, 0) {
		return fmt.Errorf("%w: accuracy is not finite", ErrInvalidFix)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp missing", ErrInvalidFix)
	}
	return nil
}

// ToTrackPoint строит точку трека из принятого фикса
func (f Fix) ToTrackPoint(id, trackID string) TrackPoint {
	return TrackPoint{
		ID:        id,
		TrackID:   trackID,
		Timestamp: f.Timestamp,
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Altitude:  f.Altitude,
		Speed:     f.Speed,
		Bearing:   f.Bearing,
		Accuracy:  f.Accuracy,
	}
}

// Float64 возвращает указатель на значение, удобно для опциональных полей
func Float64(v float64) *float64 {
	return &v
}
