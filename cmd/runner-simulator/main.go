// runner-simulator гоняет виртуального раннера по прямой от origin к
// target для demo-окружения: публикует locationUpdate в комнату redis,
// пишет позицию в postgres и выкладывает полный снапшот документа в
// kafka — ровно те три источника, которые слушает track-gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/LiveTrack/config"
	"github.com/BearBump/LiveTrack/internal/broker/kafka"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime/redischannel"
	"github.com/BearBump/LiveTrack/internal/storage/pgdocs"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	subject := models.TrackingSubject{
		ID:   cfg.LiveTrack.SimulatorSubjectID,
		Kind: cfg.LiveTrack.SimulatorSubjectKind,
	}
	if subject.ID == "" {
		subject.ID = "sim-1"
	}
	if subject.Kind == "" {
		subject.Kind = models.KindOrder
	}
	step := time.Duration(cfg.LiveTrack.SimulatorStepSeconds) * time.Second
	if step <= 0 {
		step = 2 * time.Second
	}
	topic := cfg.Kafka.DocumentUpdatedTopicName
	if topic == "" {
		topic = "documents.updated"
	}

	origin := models.GeoPoint{Latitude: cfg.LiveTrack.SimulatorOriginLat, Longitude: cfg.LiveTrack.SimulatorOriginLng}
	target := models.GeoPoint{Latitude: cfg.LiveTrack.SimulatorTargetLat, Longitude: cfg.LiveTrack.SimulatorTargetLng}
	if origin == (models.GeoPoint{}) {
		origin = models.GeoPoint{Latitude: 6.4531, Longitude: 3.3958}
	}
	if target == (models.GeoPoint{}) {
		target = models.GeoPoint{Latitude: 6.5244, Longitude: 3.3792}
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st, err := pgdocs.New(connString)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	channel := redischannel.New(redisAddr, redischannel.Options{})
	defer func() { _ = channel.Close() }()

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sim := newSimulator(subject, origin, target, step, topic, st, channel, producer)
	sim.driveStatuses = cfg.LiveTrack.SimulatorDriveStatuses

	if err := sim.Run(ctx); err != nil && err != context.Canceled {
		panic(err)
	}
}
