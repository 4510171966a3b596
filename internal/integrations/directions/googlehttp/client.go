package googlehttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/LiveTrack/internal/integrations/directions"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
	"github.com/twpayne/go-polyline"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://maps.googleapis.com"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type directionsResp struct {
	Status string `json:"status"`
	Routes []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
		Legs []struct {
			Distance struct {
				Value int64 `json:"value"` // meters
			} `json:"distance"`
			Duration struct {
				Value int64 `json:"value"` // seconds
			} `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

func (c *Client) FetchRoute(ctx context.Context, origin, destination models.GeoPoint, mode string) (*directions.RouteResult, error) {
	if mode == "" {
		mode = "driving"
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/maps/api/directions/json"

	q := u.Query()
	q.Set("origin", fmt.Sprintf("%f,%f", origin.Latitude, origin.Longitude))
	q.Set("destination", fmt.Sprintf("%f,%f", destination.Latitude, destination.Longitude))
	q.Set("mode", mode)
	q.Set("key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("directions http %d", resp.StatusCode)
	}

	var r directionsResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if r.Status != "OK" || len(r.Routes) == 0 {
		return nil, fmt.Errorf("directions status=%s", r.Status)
	}

	route := r.Routes[0]
	coords, _, err := polyline.DecodeCoords([]byte(route.OverviewPolyline.Points))
	if err != nil {
		return nil, errors.Wrap(err, "decode polyline")
	}

	pts := make([]models.GeoPoint, 0, len(coords))
	for _, c := range coords {
		pts = append(pts, models.GeoPoint{Latitude: c[0], Longitude: c[1]})
	}

	var meters, seconds int64
	for _, leg := range route.Legs {
		meters += leg.Distance.Value
		seconds += leg.Duration.Value
	}

	return &directions.RouteResult{
		Points:      pts,
		DistanceKm:  float64(meters) / 1000,
		DurationMin: float64(seconds) / 60,
	}, nil
}
