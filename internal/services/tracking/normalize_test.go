package tracking

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTimestamp_Forms(t *testing.T) {
	want := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

	cases := []struct {
		name string
		in   any
	}{
		{"native time", want},
		{"rfc3339", "2025-03-14T15:09:26Z"},
		{"sql datetime", "2025-03-14 15:09:26"},
		{"epoch seconds", float64(want.Unix())},
		{"epoch millis", float64(want.UnixMilli())},
		{"epoch int64", want.Unix()},
		{"json number", json.Number("1741964966")},
		{"server object", map[string]any{"seconds": float64(want.Unix()), "nanos": float64(0)}},
		{"underscore object", map[string]any{"_seconds": float64(want.Unix()), "_nanoseconds": float64(0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeTimestamp(tc.in)
			require.NotNil(t, got)
			require.Equal(t, want, got.UTC())
		})
	}
}

func TestNormalizeTimestamp_Garbage(t *testing.T) {
	for _, in := range []any{nil, "not a date", "", float64(0), float64(-5), true, []any{1}} {
		require.Nil(t, NormalizeTimestamp(in), "input %v", in)
	}
}

func TestNormalizeDocument(t *testing.T) {
	subject := models.TrackingSubject{ID: "42", Kind: models.KindOrder}
	doc := NormalizeDocument(subject, map[string]any{
		"orderNumber":  "BB-42",
		"status":       "ontheway", // legacy alias
		"createdAt":    "2025-03-14T15:09:26Z",
		"runnerId":     "r-7",
		"runnerName":   "Tunde",
		"runnerRating": 4.8,
		"runnerLocation": map[string]any{
			"latitude": 6.5, "longitude": 3.38, "heading": 45.0,
		},
		"store":    map[string]any{"name": "Mama Nkechi", "latitude": 6.45, "longitude": 3.40, "phone": "+234800"},
		"customer": map[string]any{"name": "Ada", "latitude": 6.52, "longitude": 3.37},
		"statusHistory": []any{
			map[string]any{"status": "pending", "timestamp": "2025-03-14T15:00:00Z"},
			map[string]any{"status": "confirmed", "timestamp": "2025-03-14T15:05:00Z", "description": "store confirmed"},
			"garbage entry",
		},
		"tracking": map[string]any{"tracking_confirmed": true, "tracking_assigned": false},
	}, false)

	require.Equal(t, subject, doc.Subject)
	require.Equal(t, "BB-42", doc.OrderNumber)
	require.Equal(t, "ontheway", doc.StatusRaw)
	require.Equal(t, models.StatusOutForDelivery, doc.Status)
	require.NotNil(t, doc.CreatedAt)

	require.Equal(t, "r-7", doc.RunnerID)
	require.Equal(t, 4.8, doc.RunnerRating)
	require.NotNil(t, doc.RunnerLocation)
	require.Equal(t, 45.0, *doc.RunnerLocation.Heading)

	require.NotNil(t, doc.Store)
	require.NotNil(t, doc.Store.Phone)
	require.NotNil(t, doc.Customer)
	require.Nil(t, doc.Customer.Phone)

	require.Len(t, doc.StatusHistory, 2)
	require.Equal(t, "store confirmed", doc.StatusHistory[1].Description)

	require.True(t, doc.Tracking["tracking_confirmed"])
	require.False(t, doc.Tracking["tracking_assigned"])
}

func TestNormalizeDocument_NilFields(t *testing.T) {
	subject := models.TrackingSubject{ID: "42", Kind: models.KindOrder}

	doc := NormalizeDocument(subject, nil, true)
	require.True(t, doc.Deleted)
	require.Empty(t, doc.StatusRaw)
	require.Nil(t, doc.RunnerLocation)
	require.Nil(t, doc.Store)
}
