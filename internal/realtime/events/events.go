// Package events defines the wire format of the realtime channel.
// Payloads are JSON; the envelope carries the event kind.
package events

import (
	"encoding/json"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
)

const (
	EventJoin              = "join"
	EventLeave             = "leave"
	EventGetRunnerLocation = "getRunnerLocation"
	EventLocationUpdate    = "locationUpdate"
	EventStatusUpdate      = "statusUpdate"
	EventRouteUpdate       = "routeUpdate"
	EventRequestUpdate     = "requestUpdate"
)

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Join struct {
	JobID string `json:"jobId"`
	Type  string `json:"type"`
	Role  string `json:"role"`
}

type Leave struct {
	JobID string `json:"jobId"`
	Type  string `json:"type"`
}

type GetRunnerLocation struct {
	JobID string `json:"jobId"`
	Type  string `json:"type"`
}

type RequestUpdate struct {
	JobID string `json:"jobId"`
	Type  string `json:"type"`
}

// LocationUpdate приходит в двух исторических формах:
// {jobId, latitude, longitude, heading?} и {id, location, timestamp}.
type LocationUpdate struct {
	JobID     string           `json:"jobId,omitempty"`
	ID        string           `json:"id,omitempty"`
	Latitude  float64          `json:"latitude,omitempty"`
	Longitude float64          `json:"longitude,omitempty"`
	Heading   *float64         `json:"heading,omitempty"`
	Location  *models.GeoPoint `json:"location,omitempty"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
}

func (u LocationUpdate) SubjectID() string {
	if u.JobID != "" {
		return u.JobID
	}
	return u.ID
}

func (u LocationUpdate) Position() models.RunnerPosition {
	if u.Location != nil {
		return models.RunnerPosition{
			Latitude:  u.Location.Latitude,
			Longitude: u.Location.Longitude,
			Heading:   u.Heading,
		}
	}
	return models.RunnerPosition{
		Latitude:  u.Latitude,
		Longitude: u.Longitude,
		Heading:   u.Heading,
	}
}

type StatusUpdate struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type RouteUpdate struct {
	ID    string            `json:"id"`
	Route []models.GeoPoint `json:"route"`
}
