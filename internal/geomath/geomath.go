// Package geomath contains the pure distance/ETA/region helpers used by the
// tracking pipeline. No I/O, no state.
package geomath

import (
	"fmt"
	"math"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
)

const (
	earthRadiusKm = 6371.0

	// Средняя скорость курьера по городу.
	averageSpeedKmh = 15.0

	minRegionDelta = 0.01
)

// DistanceKm — расстояние по большому кругу (haversine), км.
func DistanceKm(a, b models.GeoPoint) float64 {
	lat1 := degToRad(a.Latitude)
	lat2 := degToRad(b.Latitude)
	dLat := degToRad(b.Latitude - a.Latitude)
	dLng := degToRad(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// EtaLabel formats the travel-time estimate for distanceKm at the fixed
// average speed, scaled by trafficFactor (1.0 = no traffic).
func EtaLabel(distanceKm, trafficFactor float64) string {
	if distanceKm <= 0 {
		return "0 minutes"
	}
	if trafficFactor <= 0 {
		trafficFactor = 1.0
	}
	mins := int(math.Round(distanceKm / averageSpeedKmh * 60 * trafficFactor))
	return MinutesLabel(mins)
}

// MinutesLabel formats a duration in minutes: "<N> minutes" under an hour,
// otherwise "<H>h <M>m".
func MinutesLabel(mins int) string {
	if mins < 0 {
		mins = 0
	}
	if mins < 60 {
		return fmt.Sprintf("%d minutes", mins)
	}
	return fmt.Sprintf("%dh %dm", mins/60, mins%60)
}

// ElapsedLabel formats time passed since the given moment.
func ElapsedLabel(since, now time.Time) string {
	if since.IsZero() || now.Before(since) {
		return "0 minutes"
	}
	return MinutesLabel(int(now.Sub(since).Minutes()))
}

type Region struct {
	Center   models.GeoPoint `json:"center"`
	LatDelta float64         `json:"latDelta"`
	LngDelta float64         `json:"lngDelta"`
}

// BoundingRegion возвращает регион карты, покрывающий все точки.
// Пустой вход даёт вырожденный регион в (0,0).
func BoundingRegion(points []models.GeoPoint, padding float64) Region {
	if len(points) == 0 {
		return Region{LatDelta: minRegionDelta, LngDelta: minRegionDelta}
	}

	minLat, maxLat := points[0].Latitude, points[0].Latitude
	minLng, maxLng := points[0].Longitude, points[0].Longitude
	for _, p := range points[1:] {
		minLat = math.Min(minLat, p.Latitude)
		maxLat = math.Max(maxLat, p.Latitude)
		minLng = math.Min(minLng, p.Longitude)
		maxLng = math.Max(maxLng, p.Longitude)
	}

	return Region{
		Center: models.GeoPoint{
			Latitude:  (minLat + maxLat) / 2,
			Longitude: (minLng + maxLng) / 2,
		},
		LatDelta: math.Max(maxLat-minLat+padding, minRegionDelta),
		LngDelta: math.Max(maxLng-minLng+padding, minRegionDelta),
	}
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}
