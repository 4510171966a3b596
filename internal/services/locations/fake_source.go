package locations

import (
	"context"
	"sync"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
)

// FakeSource — детерминированный GPS: шагает от стартовой точки на
// фиксированную дельту каждый тик. denied=true имитирует отказ в доступе.
type FakeSource struct {
	Start    models.GeoPoint
	StepLat  float64
	StepLng  float64
	Interval time.Duration

	Denied bool
}

func NewFakeSource(start models.GeoPoint) *FakeSource {
	return &FakeSource{
		Start:    start,
		StepLat:  0.0005,
		StepLng:  0.0005,
		Interval: 100 * time.Millisecond,
	}
}

func (f *FakeSource) Subscribe(ctx context.Context) (<-chan models.GeoPoint, func(), error) {
	if f.Denied {
		return nil, nil, ErrPermissionDenied
	}

	out := make(chan models.GeoPoint)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		tick := time.NewTicker(f.Interval)
		defer tick.Stop()

		cur := f.Start
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-tick.C:
				cur.Latitude += f.StepLat
				cur.Longitude += f.StepLng
				select {
				case out <- cur:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() { close(stop) })
	}
	return out, release, nil
}
