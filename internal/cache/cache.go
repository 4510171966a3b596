package cache

import (
	"context"
	"time"
)

// BytesCache — best-effort кэш; вызывающие не обязаны переживать его отказ.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
