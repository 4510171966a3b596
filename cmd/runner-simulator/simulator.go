package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime/events"
	"github.com/BearBump/LiveTrack/internal/storage/pgdocs"
	"github.com/pkg/errors"
)

type docsRepo interface {
	GetDocument(ctx context.Context, subject models.TrackingSubject) (*models.Document, error)
	CreateDocument(ctx context.Context, doc *models.Document) error
	ApplyStatusTransition(ctx context.Context, subject models.TrackingSubject, newStatus, description string) (*models.Document, error)
	UpdateRunnerLocation(ctx context.Context, subject models.TrackingSubject, pos models.RunnerPosition, at time.Time) error
}

type roomPublisher interface {
	PublishRoom(ctx context.Context, subjectID, kind, event string, payload any) error
}

type snapshotProducer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type simulator struct {
	subject models.TrackingSubject
	origin  models.GeoPoint
	target  models.GeoPoint
	step    time.Duration
	steps   int
	topic   string

	driveStatuses bool

	repo     docsRepo
	rooms    roomPublisher
	producer snapshotProducer
}

func newSimulator(subject models.TrackingSubject, origin, target models.GeoPoint, step time.Duration, topic string, repo docsRepo, rooms roomPublisher, producer snapshotProducer) *simulator {
	return &simulator{
		subject:  subject,
		origin:   origin,
		target:   target,
		step:     step,
		steps:    20,
		topic:    topic,
		repo:     repo,
		rooms:    rooms,
		producer: producer,
	}
}

func (s *simulator) Run(ctx context.Context) error {
	doc, err := s.ensureDocument(ctx)
	if err != nil {
		return err
	}

	if s.driveStatuses {
		if doc, err = s.advanceStatus(ctx, doc, models.StatusOutForDelivery); err != nil {
			return err
		}
	}

	for i := 0; i <= s.steps; i++ {
		pos := s.positionAt(i)
		at := time.Now().UTC()

		if err := s.repo.UpdateRunnerLocation(ctx, s.subject, pos, at); err != nil {
			return errors.Wrap(err, "update runner location")
		}
		if err := s.rooms.PublishRoom(ctx, s.subject.ID, s.subject.Kind, events.EventLocationUpdate, events.LocationUpdate{
			JobID:     s.subject.ID,
			Latitude:  pos.Latitude,
			Longitude: pos.Longitude,
			Heading:   pos.Heading,
			Timestamp: &at,
		}); err != nil {
			slog.Warn("publish location update", "error", err.Error())
		}
		if err := s.publishSnapshot(ctx, doc, &pos, at); err != nil {
			slog.Warn("publish snapshot", "error", err.Error())
		}

		slog.Info("runner moved", "subject", s.subject.Key(),
			"lat", pos.Latitude, "lng", pos.Longitude, "step", i)

		if i == s.steps {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.step):
		}
	}

	if s.driveStatuses {
		doc, err = s.advanceStatus(ctx, doc, models.StatusDelivered)
		if err != nil {
			return err
		}
		at := time.Now().UTC()
		pos := s.positionAt(s.steps)
		if err := s.publishSnapshot(ctx, doc, &pos, at); err != nil {
			slog.Warn("publish final snapshot", "error", err.Error())
		}
	}

	slog.Info("simulation finished", "subject", s.subject.Key())
	return nil
}

func (s *simulator) ensureDocument(ctx context.Context) (*models.Document, error) {
	doc, err := s.repo.GetDocument(ctx, s.subject)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgdocs.ErrNotFound) {
		return nil, errors.Wrap(err, "load document")
	}

	now := time.Now().UTC()
	doc = &models.Document{
		Subject:     s.subject,
		OrderNumber: "SIM-" + s.subject.ID,
		Status:      models.StatusAssigned,
		StatusRaw:   models.StatusAssigned,
		CreatedAt:   &now,
		UpdatedAt:   &now,
		RunnerID:    "sim-runner",
		RunnerName:  "Sim Runner",
		Store:       &models.Party{Name: "Sim Store", Latitude: s.origin.Latitude, Longitude: s.origin.Longitude},
		Customer:    &models.Party{Name: "Sim Customer", Latitude: s.target.Latitude, Longitude: s.target.Longitude},
		StatusHistory: []models.StatusEntry{
			{Status: models.StatusAssigned, Timestamp: now},
		},
	}
	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		return nil, errors.Wrap(err, "create document")
	}
	return doc, nil
}

// advanceStatus двигает документ по пайплайну шаг за шагом до target
// и шлёт statusUpdate в комнату после каждого перехода.
func (s *simulator) advanceStatus(ctx context.Context, doc *models.Document, target string) (*models.Document, error) {
	targetRank, ok := models.PipelineRank(target)
	if !ok {
		return doc, errors.Errorf("unknown target status %q", target)
	}

	for {
		curRank, ok := models.PipelineRank(doc.Status)
		if !ok || curRank >= targetRank {
			return doc, nil
		}
		next := nextPipelineStatus(curRank)
		updated, err := s.repo.ApplyStatusTransition(ctx, s.subject, next, "simulated")
		if err != nil {
			return doc, errors.Wrapf(err, "transition to %s", next)
		}
		doc = updated

		if err := s.rooms.PublishRoom(ctx, s.subject.ID, s.subject.Kind, events.EventStatusUpdate, events.StatusUpdate{
			ID:     s.subject.ID,
			Status: next,
		}); err != nil {
			slog.Warn("publish status update", "error", err.Error())
		}
	}
}

func nextPipelineStatus(curRank int) string {
	order := []string{
		models.StatusPending, models.StatusConfirmed, models.StatusAvailable,
		models.StatusAssigned, models.StatusPickedUp, models.StatusOutForDelivery,
		models.StatusDelivered, models.StatusCompleted,
	}
	return order[curRank+1]
}

func (s *simulator) positionAt(i int) models.RunnerPosition {
	frac := float64(i) / float64(s.steps)
	heading := bearing(s.origin, s.target)
	return models.RunnerPosition{
		Latitude:  s.origin.Latitude + (s.target.Latitude-s.origin.Latitude)*frac,
		Longitude: s.origin.Longitude + (s.target.Longitude-s.origin.Longitude)*frac,
		Heading:   &heading,
	}
}

func bearing(from, to models.GeoPoint) float64 {
	dLng := (to.Longitude - from.Longitude) * math.Pi / 180
	lat1 := from.Latitude * math.Pi / 180
	lat2 := to.Latitude * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

func (s *simulator) publishSnapshot(ctx context.Context, doc *models.Document, pos *models.RunnerPosition, at time.Time) error {
	fields := map[string]any{
		"orderNumber": doc.OrderNumber,
		"status":      doc.Status,
		"runnerId":    doc.RunnerID,
		"runnerName":  doc.RunnerName,
	}
	if doc.CreatedAt != nil {
		fields["createdAt"] = doc.CreatedAt.Format(time.RFC3339Nano)
	}
	fields["updatedAt"] = at.Format(time.RFC3339Nano)
	if pos != nil {
		loc := map[string]any{"latitude": pos.Latitude, "longitude": pos.Longitude}
		if pos.Heading != nil {
			loc["heading"] = *pos.Heading
		}
		fields["runnerLocation"] = loc
		fields["lastLocationUpdate"] = at.Format(time.RFC3339Nano)
	}
	if doc.Store != nil {
		fields["store"] = map[string]any{
			"name": doc.Store.Name, "latitude": doc.Store.Latitude, "longitude": doc.Store.Longitude,
		}
	}
	if doc.Customer != nil {
		fields["customer"] = map[string]any{
			"name": doc.Customer.Name, "latitude": doc.Customer.Latitude, "longitude": doc.Customer.Longitude,
		}
	}

	value, err := json.Marshal(messages.DocumentUpdated{
		SubjectID:   s.subject.ID,
		SubjectKind: s.subject.Kind,
		Fields:      fields,
	})
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	return s.producer.Publish(ctx, s.topic, []byte(s.subject.Key()), value)
}
