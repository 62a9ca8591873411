package geo

import (
	"fmt"
	"math"
	"time"

	"github.com/flybeeper/track-recorder/internal/models"
)

// Earth radius in meters
const earthRadiusM = 6371000.0

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// HaversineDistance calculates the great-circle distance between two points in meters
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	deltaLat := toRadians(lat2 - lat1)
	deltaLon := toRadians(lon2 - lon1)

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// Distance returns the haversine distance between two points in meters
func Distance(from, to models.GeoPoint) float64 {
	return HaversineDistance(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
}

// Bearing returns the initial bearing from the first point to the second, in degrees [0, 360)
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	deltaLon := toRadians(lon2 - lon1)

	y := math.Sin(deltaLon) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) -
		math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon)

	bearing := math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
	if bearing >= 360 {
		bearing = 0
	}
	return bearing
}

// TotalDistance sums consecutive haversine distances over ordered points.
// Returns 0 for fewer than two points.
func TotalDistance(points []models.GeoPoint) float64 {
	if len(points) < 2 {
		return 0
	}

	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// TrackDistance is TotalDistance over track points ordered by timestamp
func TrackDistance(points []models.TrackPoint) float64 {
	positions := make([]models.GeoPoint, len(points))
	for i, p := range points {
		positions[i] = p.Position()
	}
	return TotalDistance(positions)
}

// FormatDistance formats meters as "850 m" or "12.35 km"
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%.0f m", meters)
	}
	return fmt.Sprintf("%.2f km", meters/1000)
}

// FormatDuration formats a duration as h:mm:ss
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// FormatSpeed formats meters per second as km/h
func FormatSpeed(metersPerSecond float64) string {
	return fmt.Sprintf("%.1f km/h", metersPerSecond*3.6)
}
