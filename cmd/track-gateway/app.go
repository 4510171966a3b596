package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	trackingapi "github.com/BearBump/LiveTrack/internal/api/tracking_api"
	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/services/tracking"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type trackGatewayOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	// Операционные настройки для /config, без секретов.
	configView map[string]any

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runTrackGateway(ctx context.Context, opts trackGatewayOpts, svc *tracking.Service, consumer kafkaConsumer) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8080"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.Stats())
	})
	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.configView == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.configView)
	})

	trackingapi.New(svc).Routes(r)

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	httpErr := make(chan error, 1)
	srv := &http.Server{Handler: r}
	go func() {
		slog.Info("HTTP gateway listening", "addr", lis.Addr().String())
		httpErr <- srv.Serve(lis)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		_ = consumer.Consume(ctx, func(_ []byte, value []byte) error {
			var m messages.DocumentUpdated
			if err := json.Unmarshal(value, &m); err != nil {
				// Ломаное сообщение коммитим и идём дальше, иначе встанет
				// вся партиция.
				slog.Warn("drop malformed document update", "error", err.Error())
				return nil
			}
			svc.ApplySnapshot(models.TrackingSubject{ID: m.SubjectID, Kind: m.SubjectKind}, m.Fields, m.Deleted)
			return nil
		})
	}()

	select {
	case <-ctx.Done():
		svc.CloseAll()
		return ctx.Err()
	case err := <-httpErr:
		svc.CloseAll()
		return err
	}
}
