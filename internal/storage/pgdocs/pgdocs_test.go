package pgdocs

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPGDocs_RepoFlow(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "livetrack_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/livetrack_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	subject := models.TrackingSubject{ID: "42", Kind: models.KindOrder}

	_, err = st.GetDocument(ctx, subject)
	require.ErrorIs(t, err, ErrNotFound)

	created := time.Now().UTC().Add(-time.Hour)
	phone := "+2348000000000"
	require.NoError(t, st.CreateDocument(ctx, &models.Document{
		Subject:     subject,
		OrderNumber: "ORD-42",
		Status:      models.StatusConfirmed,
		CreatedAt:   &created,
		Store:       &models.Party{Name: "Mama Put", Address: "12 Broad St", Phone: &phone, Latitude: 6.45, Longitude: 3.39},
		Customer:    &models.Party{Name: "Ade", Address: "3 Marina Rd", Latitude: 6.52, Longitude: 3.37},
		StatusHistory: []models.StatusEntry{
			{Status: models.StatusPending, Timestamp: created},
			{Status: models.StatusConfirmed, Timestamp: created.Add(5 * time.Minute)},
		},
	}))

	doc, err := st.GetDocument(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, models.StatusConfirmed, doc.Status)
	require.Equal(t, "ORD-42", doc.OrderNumber)
	require.NotNil(t, doc.Store)
	require.Equal(t, "Mama Put", doc.Store.Name)
	require.Len(t, doc.StatusHistory, 2)
	require.Nil(t, doc.RunnerLocation)

	// Переход статуса: история растёт, флаг трекинга проставлен.
	doc, err = st.ApplyStatusTransition(ctx, subject, models.StatusAvailable, "looking for a runner")
	require.NoError(t, err)
	require.Equal(t, models.StatusAvailable, doc.Status)
	require.Len(t, doc.StatusHistory, 3)
	require.Equal(t, models.StatusAvailable, doc.StatusHistory[2].Status)
	require.True(t, doc.Tracking[models.StatusAvailable])

	// Позиция раннера.
	heading := 85.0
	at := time.Now().UTC()
	require.NoError(t, st.UpdateRunnerLocation(ctx, subject, models.RunnerPosition{
		Latitude: 6.5, Longitude: 3.38, Heading: &heading,
	}, at))

	doc, err = st.GetDocument(ctx, subject)
	require.NoError(t, err)
	require.NotNil(t, doc.RunnerLocation)
	require.Equal(t, 6.5, doc.RunnerLocation.Latitude)
	require.NotNil(t, doc.RunnerLocation.Heading)
	require.WithinDuration(t, at, *doc.LastLocationUpdate, time.Second)

	// Ошибки по отсутствующему субъекту / неизвестной коллекции.
	_, err = st.ApplyStatusTransition(ctx, models.TrackingSubject{ID: "nope", Kind: models.KindOrder}, models.StatusConfirmed, "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetDocument(ctx, models.TrackingSubject{ID: "1", Kind: "basket"})
	require.Error(t, err)
}
