package directions

import (
	"context"

	"github.com/BearBump/LiveTrack/internal/models"
)

type RouteResult struct {
	Points      []models.GeoPoint
	DistanceKm  float64
	DurationMin float64
}

// Client возвращает (nil, err) при любом сетевом/парсинговом сбое.
// Вызывающие обязаны трактовать это как "маршрута пока нет", не как фатал.
type Client interface {
	FetchRoute(ctx context.Context, origin, destination models.GeoPoint, mode string) (*RouteResult, error)
}
