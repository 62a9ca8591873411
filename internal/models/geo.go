package models

import (
	"fmt"
	"math"
)

// GeoPoint представляет географическую точку
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Validate проверяет корректность координат
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Longitude)
	}
	return nil
}

// IsZero сообщает, что обе координаты равны нулю.
// Провайдеры локации отдают 0,0 вместо отсутствующей позиции.
func (p GeoPoint) IsZero() bool {
	return p.Latitude == 0 && p.Longitude == 0
}

// String форматирует точку для логов
func (p GeoPoint) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Latitude, p.Longitude)
}
