package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime/events"
	"github.com/BearBump/LiveTrack/internal/storage/pgdocs"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	locations   int
	transitions []string
}

func newMemRepo() *memRepo {
	return &memRepo{docs: make(map[string]*models.Document)}
}

func (r *memRepo) GetDocument(_ context.Context, subject models.TrackingSubject) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[subject.Key()]
	if !ok {
		return nil, pgdocs.ErrNotFound
	}
	return doc, nil
}

func (r *memRepo) CreateDocument(_ context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.Subject.Key()] = doc
	return nil
}

func (r *memRepo) ApplyStatusTransition(_ context.Context, subject models.TrackingSubject, newStatus, _ string) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[subject.Key()]
	if !ok {
		return nil, pgdocs.ErrNotFound
	}
	doc.Status = newStatus
	doc.StatusRaw = newStatus
	r.transitions = append(r.transitions, newStatus)
	return doc, nil
}

func (r *memRepo) UpdateRunnerLocation(_ context.Context, subject models.TrackingSubject, pos models.RunnerPosition, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[subject.Key()]
	if !ok {
		return pgdocs.ErrNotFound
	}
	doc.RunnerLocation = &pos
	r.locations++
	return nil
}

type memRooms struct {
	mu     sync.Mutex
	events []string
	coords []models.GeoPoint
}

func (m *memRooms) PublishRoom(_ context.Context, _, _, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if u, ok := payload.(events.LocationUpdate); ok {
		m.coords = append(m.coords, models.GeoPoint{Latitude: u.Latitude, Longitude: u.Longitude})
	}
	return nil
}

type memProducer struct {
	mu   sync.Mutex
	msgs []messages.DocumentUpdated
}

func (m *memProducer) Publish(_ context.Context, _ string, _, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d messages.DocumentUpdated
	if err := json.Unmarshal(value, &d); err != nil {
		return err
	}
	m.msgs = append(m.msgs, d)
	return nil
}

func TestSimulator_FullRun(t *testing.T) {
	subject := models.TrackingSubject{ID: "sim-1", Kind: models.KindOrder}
	origin := models.GeoPoint{Latitude: 6.45, Longitude: 3.40}
	target := models.GeoPoint{Latitude: 6.52, Longitude: 3.37}

	repo := newMemRepo()
	rooms := &memRooms{}
	producer := &memProducer{}

	sim := newSimulator(subject, origin, target, time.Millisecond, "documents.updated", repo, rooms, producer)
	sim.steps = 5
	sim.driveStatuses = true

	require.NoError(t, sim.Run(context.Background()))

	// Документ создан и доведён до delivered.
	doc, err := repo.GetDocument(context.Background(), subject)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, doc.Status)
	require.Equal(t,
		[]string{models.StatusPickedUp, models.StatusOutForDelivery, models.StatusDelivered},
		repo.transitions)

	// Каждый шаг записал позицию и опубликовал locationUpdate.
	require.Equal(t, 6, repo.locations)
	require.Len(t, rooms.coords, 6)

	// Движение монотонно от origin к target.
	first, last := rooms.coords[0], rooms.coords[len(rooms.coords)-1]
	require.Equal(t, origin.Latitude, first.Latitude)
	require.InDelta(t, target.Latitude, last.Latitude, 1e-9)
	for i := 1; i < len(rooms.coords); i++ {
		require.Greater(t, rooms.coords[i].Latitude, rooms.coords[i-1].Latitude)
	}

	// Kafka-снапшоты несут полный документ.
	require.NotEmpty(t, producer.msgs)
	lastMsg := producer.msgs[len(producer.msgs)-1]
	require.Equal(t, "sim-1", lastMsg.SubjectID)
	require.Equal(t, models.StatusDelivered, lastMsg.Fields["status"])
	require.NotNil(t, lastMsg.Fields["runnerLocation"])
}

func TestSimulator_ExistingDocumentNotRecreated(t *testing.T) {
	subject := models.TrackingSubject{ID: "sim-2", Kind: models.KindOrder}
	repo := newMemRepo()
	now := time.Now().UTC()
	require.NoError(t, repo.CreateDocument(context.Background(), &models.Document{
		Subject:     subject,
		OrderNumber: "BB-777",
		Status:      models.StatusOutForDelivery,
		CreatedAt:   &now,
	}))

	sim := newSimulator(subject,
		models.GeoPoint{Latitude: 1}, models.GeoPoint{Latitude: 2},
		time.Millisecond, "documents.updated", repo, &memRooms{}, &memProducer{})
	sim.steps = 2

	require.NoError(t, sim.Run(context.Background()))

	doc, err := repo.GetDocument(context.Background(), subject)
	require.NoError(t, err)
	require.Equal(t, "BB-777", doc.OrderNumber)
	// Статусы не трогаем без driveStatuses.
	require.Empty(t, repo.transitions)
}

func TestBearing(t *testing.T) {
	// Строго на север и строго на восток.
	require.InDelta(t, 0.0, bearing(models.GeoPoint{Latitude: 0, Longitude: 0}, models.GeoPoint{Latitude: 1, Longitude: 0}), 0.1)
	require.InDelta(t, 90.0, bearing(models.GeoPoint{Latitude: 0, Longitude: 0}, models.GeoPoint{Latitude: 0, Longitude: 1}), 0.1)
}
