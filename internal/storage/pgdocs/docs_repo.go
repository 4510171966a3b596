package pgdocs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func tableFor(kind string) (string, error) {
	switch kind {
	case models.KindOrder:
		return "orders", nil
	case models.KindErrand:
		return "errands", nil
	default:
		return "", errors.Errorf("unknown subject kind %q", kind)
	}
}

func (s *Storage) GetDocument(ctx context.Context, subject models.TrackingSubject) (*models.Document, error) {
	table, err := tableFor(subject.Kind)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `
SELECT
  id, order_number, status,
  created_at, updated_at,
  runner_id, runner_name, runner_phone, runner_avatar, runner_rating,
  runner_lat, runner_lng, runner_heading, last_location_update,
  store, customer, status_history, tracking
FROM `+table+`
WHERE id = $1
`, subject.ID)

	doc, err := scanDocument(row, subject.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select document")
	}
	return doc, nil
}

// CreateDocument используется симулятором и тестами, чтобы засеять субъект.
func (s *Storage) CreateDocument(ctx context.Context, doc *models.Document) error {
	table, err := tableFor(doc.Subject.Kind)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := now
	if doc.CreatedAt != nil {
		createdAt = *doc.CreatedAt
	}

	historyJSON, err := json.Marshal(nonNilHistory(doc.StatusHistory))
	if err != nil {
		return errors.Wrap(err, "marshal status history")
	}
	trackingJSON, err := json.Marshal(nonNilTracking(doc.Tracking))
	if err != nil {
		return errors.Wrap(err, "marshal tracking")
	}
	storeJSON, err := marshalParty(doc.Store)
	if err != nil {
		return err
	}
	customerJSON, err := marshalParty(doc.Customer)
	if err != nil {
		return err
	}

	var runnerLat, runnerLng, runnerHeading *float64
	if doc.RunnerLocation != nil {
		runnerLat = &doc.RunnerLocation.Latitude
		runnerLng = &doc.RunnerLocation.Longitude
		runnerHeading = doc.RunnerLocation.Heading
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO `+table+` (
  id, order_number, status, created_at, updated_at,
  runner_id, runner_name, runner_phone, runner_avatar, runner_rating,
  runner_lat, runner_lng, runner_heading, last_location_update,
  store, customer, status_history, tracking
)
VALUES ($1,$2,$3,$4,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO NOTHING
`, doc.Subject.ID, doc.OrderNumber, doc.Status, createdAt,
		doc.RunnerID, doc.RunnerName, doc.RunnerPhone, doc.RunnerAvatar, doc.RunnerRating,
		runnerLat, runnerLng, runnerHeading, doc.LastLocationUpdate,
		storeJSON, customerJSON, historyJSON, trackingJSON)
	return errors.Wrap(err, "insert document")
}

// ApplyStatusTransition делает единственную запись перехода: status,
// updated_at, новая запись в status_history и флаг tracking.<step>.
// Локальное состояние сессии при этом не трогается — его подтвердит
// снапшот-стрим.
func (s *Storage) ApplyStatusTransition(ctx context.Context, subject models.TrackingSubject, newStatus, description string) (*models.Document, error) {
	table, err := tableFor(subject.Kind)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry, err := json.Marshal(models.StatusEntry{
		Status:      newStatus,
		Timestamp:   now,
		Description: description,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal history entry")
	}

	tag, err := s.db.Exec(ctx, `
UPDATE `+table+`
SET status = $2,
    updated_at = $3,
    status_history = status_history || $4::jsonb,
    tracking = jsonb_set(tracking, ARRAY[$2], 'true'::jsonb)
WHERE id = $1
`, subject.ID, newStatus, now, entry)
	if err != nil {
		return nil, errors.Wrap(err, "apply status transition")
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	return s.GetDocument(ctx, subject)
}

// UpdateRunnerLocation пишет свежую позицию раннера в документ (серверная
// сторона; в проде это делает бэкенд, здесь — симулятор).
func (s *Storage) UpdateRunnerLocation(ctx context.Context, subject models.TrackingSubject, pos models.RunnerPosition, at time.Time) error {
	table, err := tableFor(subject.Kind)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
UPDATE `+table+`
SET runner_lat = $2, runner_lng = $3, runner_heading = $4,
    last_location_update = $5, updated_at = $5
WHERE id = $1
`, subject.ID, pos.Latitude, pos.Longitude, pos.Heading, at.UTC())
	if err != nil {
		return errors.Wrap(err, "update runner location")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, kind string) (*models.Document, error) {
	var (
		doc           models.Document
		createdAt     time.Time
		updatedAt     time.Time
		runnerLat     *float64
		runnerLng     *float64
		runnerHeading *float64
		lastLocUpdate *time.Time
		storeJSON     []byte
		customerJSON  []byte
		historyJSON   []byte
		trackingJSON  []byte
	)

	err := row.Scan(
		&doc.Subject.ID, &doc.OrderNumber, &doc.StatusRaw,
		&createdAt, &updatedAt,
		&doc.RunnerID, &doc.RunnerName, &doc.RunnerPhone, &doc.RunnerAvatar, &doc.RunnerRating,
		&runnerLat, &runnerLng, &runnerHeading, &lastLocUpdate,
		&storeJSON, &customerJSON, &historyJSON, &trackingJSON,
	)
	if err != nil {
		return nil, err
	}

	doc.Subject.Kind = kind
	doc.CreatedAt = &createdAt
	doc.UpdatedAt = &updatedAt
	doc.LastLocationUpdate = lastLocUpdate

	doc.Status, _ = models.CanonicalStatus(doc.StatusRaw)

	if runnerLat != nil && runnerLng != nil {
		doc.RunnerLocation = &models.RunnerPosition{
			Latitude:  *runnerLat,
			Longitude: *runnerLng,
			Heading:   runnerHeading,
		}
	}

	if len(storeJSON) > 0 {
		var p models.Party
		if err := json.Unmarshal(storeJSON, &p); err != nil {
			return nil, errors.Wrap(err, "unmarshal store")
		}
		doc.Store = &p
	}
	if len(customerJSON) > 0 {
		var p models.Party
		if err := json.Unmarshal(customerJSON, &p); err != nil {
			return nil, errors.Wrap(err, "unmarshal customer")
		}
		doc.Customer = &p
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &doc.StatusHistory); err != nil {
			return nil, errors.Wrap(err, "unmarshal status history")
		}
	}
	if len(trackingJSON) > 0 {
		if err := json.Unmarshal(trackingJSON, &doc.Tracking); err != nil {
			return nil, errors.Wrap(err, "unmarshal tracking")
		}
	}

	return &doc, nil
}

func marshalParty(p *models.Party) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshal party")
	}
	return b, nil
}

func nonNilHistory(h []models.StatusEntry) []models.StatusEntry {
	if h == nil {
		return []models.StatusEntry{}
	}
	return h
}

func nonNilTracking(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}
