// Package locations owns the own-device position feed: a restartable
// sampler over a geolocation source with interval/distance gating.
package locations

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/LiveTrack/internal/geomath"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
)

// ErrPermissionDenied — источник геолокации не дал разрешение.
var ErrPermissionDenied = errors.New("location permission denied")

// Source — подписка на сырые сэмплы устройства. Subscribe возвращает
// ErrPermissionDenied, если доступ не выдан; release обязан остановить
// доставку сэмплов.
type Source interface {
	Subscribe(ctx context.Context) (samples <-chan models.GeoPoint, release func(), err error)
}

// Tracker фильтрует сэмплы по минимальному интервалу/дистанции и доставляет
// их ровно одному колбэку. Доставка из одной горутины: перекрывающихся
// вызовов колбэка не бывает.
type Tracker struct {
	src Source
	cb  func(models.GeoPoint)

	mu      sync.Mutex
	cancel  context.CancelFunc
	release func()
	done    chan struct{}
}

func NewTracker(src Source, cb func(models.GeoPoint)) *Tracker {
	return &Tracker{src: src, cb: cb}
}

// Start запускает сэмплинг. Повторный Start перезапускает подписку с
// новыми параметрами.
func (t *Tracker) Start(ctx context.Context, minInterval time.Duration, minDistanceMeters float64) error {
	t.Stop()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	samples, release, err := t.src.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.release = release
	t.done = done
	t.mu.Unlock()

	go t.run(runCtx, samples, done, minInterval, minDistanceMeters)
	return nil
}

func (t *Tracker) run(ctx context.Context, samples <-chan models.GeoPoint, done chan struct{}, minInterval time.Duration, minDistanceMeters float64) {
	defer close(done)

	var (
		havePrev bool
		prev     models.GeoPoint
		prevAt   time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-samples:
			if !ok {
				slog.Warn("location source closed")
				return
			}
			now := time.Now()
			if havePrev {
				if minInterval > 0 && now.Sub(prevAt) < minInterval {
					continue
				}
				if minDistanceMeters > 0 && geomath.DistanceKm(prev, p)*1000 < minDistanceMeters {
					continue
				}
			}
			havePrev = true
			prev = p
			prevAt = now
			t.cb(p)
		}
	}
}

// Stop останавливает сэмплинг и освобождает подписку источника. Безопасен
// без Start и при повторных вызовах; после возврата сэмплы не доставляются.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	release := t.release
	done := t.done
	t.cancel = nil
	t.release = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if release != nil {
		release()
	}
}
