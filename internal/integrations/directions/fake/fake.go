package fake

import (
	"context"

	"github.com/BearBump/LiveTrack/internal/geomath"
	"github.com/BearBump/LiveTrack/internal/integrations/directions"
	"github.com/BearBump/LiveTrack/internal/models"
)

// FakeClient — детерминированная заглушка маршрутизатора: прямая линия
// из N промежуточных точек между origin и destination.
type FakeClient struct {
	steps int
}

func New() *FakeClient { return &FakeClient{steps: 8} }

func (f *FakeClient) FetchRoute(ctx context.Context, origin, destination models.GeoPoint, mode string) (*directions.RouteResult, error) {
	_ = mode

	pts := make([]models.GeoPoint, 0, f.steps+1)
	for i := 0; i <= f.steps; i++ {
		t := float64(i) / float64(f.steps)
		pts = append(pts, models.GeoPoint{
			Latitude:  origin.Latitude + (destination.Latitude-origin.Latitude)*t,
			Longitude: origin.Longitude + (destination.Longitude-origin.Longitude)*t,
		})
	}

	dist := geomath.DistanceKm(origin, destination)
	return &directions.RouteResult{
		Points:      pts,
		DistanceKm:  dist,
		DurationMin: dist / 15.0 * 60,
	}, nil
}
