package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/LiveTrack/config"
	"github.com/BearBump/LiveTrack/internal/broker/kafka"
	"github.com/BearBump/LiveTrack/internal/cache/rediscache"
	"github.com/BearBump/LiveTrack/internal/integrations/directions"
	directionsfake "github.com/BearBump/LiveTrack/internal/integrations/directions/fake"
	"github.com/BearBump/LiveTrack/internal/integrations/directions/googlehttp"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime/redischannel"
	"github.com/BearBump/LiveTrack/internal/services/locations"
	"github.com/BearBump/LiveTrack/internal/services/tracking"
	"github.com/BearBump/LiveTrack/internal/storage/pgdocs"
)

type trackGatewayApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     trackGatewayOpts
	svc      *tracking.Service
	consumer *kafka.Consumer
	channel  *redischannel.Channel
	closeDB  func()
}

func mustBootstrapTrackGateway() *trackGatewayApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.LiveTrack.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.LiveTrack.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "track-gateway"
	}
	topic := cfg.Kafka.DocumentUpdatedTopicName
	if topic == "" {
		topic = "documents.updated"
	}
	routeTTL := time.Duration(cfg.LiveTrack.RouteCacheTTLSeconds) * time.Second
	viewTTL := time.Duration(cfg.LiveTrack.ViewCacheTTLSeconds) * time.Second

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	channel := redischannel.New(redisAddr, redischannel.Options{})
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	// Google Directions, если задан ключ; иначе локальный fake с
	// интерполяцией прямой линии.
	var dirClient directions.Client
	if cfg.LiveTrack.DirectionsAPIKey != "" {
		dirClient = googlehttp.New(cfg.LiveTrack.DirectionsBaseURL, cfg.LiveTrack.DirectionsAPIKey)
	} else {
		dirClient = directionsfake.New()
	}

	svc := tracking.New(st, channel).
		WithDirections(dirClient).
		WithRateLimiter(rl, int64(cfg.LiveTrack.DirectionsRatePerMinute)).
		WithCache(rc, routeTTL, viewTTL).
		WithTrafficFactor(cfg.LiveTrack.TrafficFactor)

	// Поток собственной позиции (demo): настоящего GPS у гейтвея нет,
	// источник — симулятор с детерминированным шагом.
	if cfg.LiveTrack.LocationMinIntervalSeconds > 0 {
		src := locations.NewFakeSource(models.GeoPoint{
			Latitude:  cfg.LiveTrack.SimulatorTargetLat,
			Longitude: cfg.LiveTrack.SimulatorTargetLng,
		})
		svc = svc.WithLocationSource(src,
			time.Duration(cfg.LiveTrack.LocationMinIntervalSeconds)*time.Second,
			cfg.LiveTrack.LocationMinDistanceMeters)
	}

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := channel.Connect(ctx); err != nil {
		// Гоним дальше disconnected: сессии поднимутся на снапшотах,
		// realtime догонит после реконнекта.
		slog.Warn("realtime channel connect", "error", err.Error())
	}

	return &trackGatewayApp{
		ctx:    ctx,
		cancel: cancel,
		opts: trackGatewayOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: consumerGroup,
			configView: map[string]any{
				"topic":                   topic,
				"consumerGroup":           consumerGroup,
				"routeCacheTTLSeconds":    cfg.LiveTrack.RouteCacheTTLSeconds,
				"viewCacheTTLSeconds":     cfg.LiveTrack.ViewCacheTTLSeconds,
				"directionsRatePerMinute": cfg.LiveTrack.DirectionsRatePerMinute,
				"trafficFactor":           cfg.LiveTrack.TrafficFactor,
			},
		},
		svc:      svc,
		consumer: consumer,
		channel:  channel,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdocs.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdocs.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *trackGatewayApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *trackGatewayApp) Run() error {
	return runTrackGateway(a.ctx, a.opts, a.svc, a.consumer)
}
