package geo

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flybeeper/track-recorder/internal/models"
)

func TestHaversineDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expected               float64
		delta                  float64
	}{
		{name: "same point", lat1: 46.5, lon1: 8.0, lat2: 46.5, lon2: 8.0, expected: 0, delta: 1e-9},
		{name: "one degree of latitude", lat1: 0, lon1: 0, lat2: 1, lon2: 0, expected: 111194.93, delta: 0.01},
		{name: "one degree of longitude at equator", lat1: 0, lon1: 10, lat2: 0, lon2: 11, expected: 111194.93, delta: 0.01},
		{name: "Paris to London", lat1: 48.8566, lon1: 2.3522, lat2: 51.5074, lon2: -0.1278, expected: 343556, delta: 100},
		{name: "antipodal", lat1: 0, lon1: 0, lat2: 0, lon2: 180, expected: math.Pi * earthRadiusM, delta: 1e-6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineDistance(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.expected, got, tt.delta)
		})
	}
}

func TestHaversineDistance_Symmetric(t *testing.T) {
	a := HaversineDistance(46.52, 6.57, 47.37, 8.54)
	b := HaversineDistance(47.37, 8.54, 46.52, 6.57)
	assert.Equal(t, a, b)
}

func TestBearing(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expected               float64
	}{
		{name: "north", lat1: 0, lon1: 0, lat2: 1, lon2: 0, expected: 0},
		{name: "east", lat1: 0, lon1: 0, lat2: 0, lon2: 1, expected: 90},
		{name: "south", lat1: 1, lon1: 0, lat2: 0, lon2: 0, expected: 180},
		{name: "west", lat1: 0, lon1: 1, lat2: 0, lon2: 0, expected: 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bearing(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.expected, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}
}

func TestTotalDistance(t *testing.T) {
	t.Run("empty and single point are zero", func(t *testing.T) {
		assert.Equal(t, 0.0, TotalDistance(nil))
		assert.Equal(t, 0.0, TotalDistance([]models.GeoPoint{{Latitude: 46, Longitude: 8}}))
		assert.Equal(t, 0.0, TrackDistance([]models.TrackPoint{{Latitude: 46, Longitude: 8}}))
	})

	t.Run("sum of pairwise distances", func(t *testing.T) {
		points := []models.GeoPoint{
			{Latitude: 46.0, Longitude: 8.0},
			{Latitude: 46.001, Longitude: 8.0},
			{Latitude: 46.001, Longitude: 8.002},
			{Latitude: 46.0, Longitude: 8.0},
		}
		expected := 0.0
		for i := 1; i < len(points); i++ {
			expected += HaversineDistance(points[i-1].Latitude, points[i-1].Longitude, points[i].Latitude, points[i].Longitude)
		}

		got := TotalDistance(points)
		assert.Equal(t, expected, got)
		assert.Greater(t, got, 0.0)

		trackPoints := make([]models.TrackPoint, len(points))
		for i, p := range points {
			trackPoints[i] = models.TrackPoint{Latitude: p.Latitude, Longitude: p.Longitude}
		}
		assert.Equal(t, got, TrackDistance(trackPoints))
	})
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "850 m", FormatDistance(850.2))
	assert.Equal(t, "12.35 km", FormatDistance(12345))
	assert.Equal(t, "0:00:00", FormatDuration(-time.Second))
	assert.Equal(t, "1:02:03", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "36.0 km/h", FormatSpeed(10))
}

func TestCell(t *testing.T) {
	cell := Cell(46.52, 6.57)
	assert.Len(t, cell, CellPrecision)

	lat, lon := CellCenter(cell)
	assert.Less(t, HaversineDistance(46.52, 6.57, lat, lon), 5.0)
}
