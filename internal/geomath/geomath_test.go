package geomath

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/stretchr/testify/require"
)

func TestDistanceKm_symmetryAndZero(t *testing.T) {
	a := models.GeoPoint{Latitude: 6.5244, Longitude: 3.3792}  // Lagos
	b := models.GeoPoint{Latitude: 6.4541, Longitude: 3.3947}  // Lekki

	require.InEpsilon(t, DistanceKm(a, b), DistanceKm(b, a), 1e-6)
	require.Zero(t, DistanceKm(a, a))
}

func TestDistanceKm_knownDistance(t *testing.T) {
	moscow := models.GeoPoint{Latitude: 55.7558, Longitude: 37.6173}
	spb := models.GeoPoint{Latitude: 59.9311, Longitude: 30.3609}

	d := DistanceKm(moscow, spb)
	require.InDelta(t, 634, d, 5)
}

func etaMinutes(t *testing.T, label string) int {
	t.Helper()
	if strings.HasSuffix(label, " minutes") {
		n, err := strconv.Atoi(strings.TrimSuffix(label, " minutes"))
		require.NoError(t, err)
		return n
	}
	var h, m int
	_, err := fmt.Sscanf(label, "%dh %dm", &h, &m)
	require.NoError(t, err)
	return h*60 + m
}

func TestEtaLabel(t *testing.T) {
	require.Equal(t, "0 minutes", EtaLabel(0, 1))
	require.Equal(t, "0 minutes", EtaLabel(-3, 1))
	require.Equal(t, "4 minutes", EtaLabel(1, 1)) // 1 km at 15 km/h
	require.Equal(t, "1h 0m", EtaLabel(15, 1))
	require.Equal(t, "2h 0m", EtaLabel(15, 2)) // traffic doubles the estimate
}

func TestEtaLabel_monotonic(t *testing.T) {
	prev := -1
	for d := 0.0; d < 40; d += 0.7 {
		mins := etaMinutes(t, EtaLabel(d, 1))
		require.GreaterOrEqual(t, mins, prev, "distance %f", d)
		prev = mins
	}
}

func TestElapsedLabel(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "0 minutes", ElapsedLabel(time.Time{}, now))
	require.Equal(t, "0 minutes", ElapsedLabel(now.Add(time.Hour), now))
	require.Equal(t, "25 minutes", ElapsedLabel(now.Add(-25*time.Minute), now))
	require.Equal(t, "1h 30m", ElapsedLabel(now.Add(-90*time.Minute), now))
}

func TestBoundingRegion_empty(t *testing.T) {
	r := BoundingRegion(nil, 0.02)
	require.Zero(t, r.Center.Latitude)
	require.Zero(t, r.Center.Longitude)
	require.Equal(t, 0.01, r.LatDelta)
	require.Equal(t, 0.01, r.LngDelta)
}

func TestBoundingRegion_containsAllPoints(t *testing.T) {
	pts := []models.GeoPoint{
		{Latitude: 6.5244, Longitude: 3.3792},
		{Latitude: 6.4541, Longitude: 3.3947},
		{Latitude: 6.6018, Longitude: 3.3515},
	}
	r := BoundingRegion(pts, 0.02)

	for _, p := range pts {
		require.LessOrEqual(t, r.Center.Latitude-r.LatDelta/2, p.Latitude)
		require.GreaterOrEqual(t, r.Center.Latitude+r.LatDelta/2, p.Latitude)
		require.LessOrEqual(t, r.Center.Longitude-r.LngDelta/2, p.Longitude)
		require.GreaterOrEqual(t, r.Center.Longitude+r.LngDelta/2, p.Longitude)
	}
}

func TestBoundingRegion_singlePointUsesMinDelta(t *testing.T) {
	r := BoundingRegion([]models.GeoPoint{{Latitude: 1, Longitude: 2}}, 0.002)
	require.Equal(t, 1.0, r.Center.Latitude)
	require.Equal(t, 2.0, r.Center.Longitude)
	require.Equal(t, 0.01, r.LatDelta)
	require.Equal(t, 0.01, r.LngDelta)
}
