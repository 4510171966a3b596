package tracking_api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime/events"
	"github.com/BearBump/LiveTrack/internal/services/tracking"
	"github.com/BearBump/LiveTrack/internal/storage/pgdocs"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu   sync.Mutex
	docs map[string]*models.Document
}

func (r *fakeRepo) GetDocument(_ context.Context, subject models.TrackingSubject) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[subject.Key()]
	if !ok {
		return nil, pgdocs.ErrNotFound
	}
	return doc, nil
}

func (r *fakeRepo) ApplyStatusTransition(_ context.Context, subject models.TrackingSubject, newStatus, _ string) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[subject.Key()]
	if !ok {
		return nil, pgdocs.ErrNotFound
	}
	doc.Status = newStatus
	return doc, nil
}

type fakeRealtime struct {
	mu       sync.Mutex
	handlers map[string][]func(payload json.RawMessage)
}

func (f *fakeRealtime) JoinRoom(context.Context, string, string, string) error { return nil }
func (f *fakeRealtime) LeaveRoom(context.Context, string, string) error        { return nil }
func (f *fakeRealtime) Emit(context.Context, string, any) error                { return nil }
func (f *fakeRealtime) Connected() bool                                        { return true }
func (f *fakeRealtime) OnStateChange(func(bool)) func()                        { return func() {} }

func (f *fakeRealtime) On(event string, fn func(payload json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string][]func(json.RawMessage))
	}
	f.handlers[event] = append(f.handlers[event], fn)
	return func() {}
}

func (f *fakeRealtime) push(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	fns := append([]func(json.RawMessage){}, f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *tracking.Service, *fakeRealtime) {
	t.Helper()

	repo := &fakeRepo{docs: map[string]*models.Document{
		"order:42": {
			Subject:     models.TrackingSubject{ID: "42", Kind: models.KindOrder},
			OrderNumber: "BB-42",
			Status:      models.StatusPending,
			StatusRaw:   models.StatusPending,
			Customer:    &models.Party{Name: "Ada", Latitude: 6.52, Longitude: 3.37},
		},
	}}
	rt := &fakeRealtime{}
	svc := tracking.New(repo, rt)
	t.Cleanup(svc.CloseAll)

	r := chi.NewRouter()
	New(svc).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc, rt
}

func TestOpenSessionAndGetView(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tracking/order/42/session", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v models.TrackingView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	require.Equal(t, models.StatusPending, v.Status)
	require.Equal(t, "BB-42", v.Order.OrderNumber)

	resp2, err := http.Get(srv.URL + "/v1/tracking/order/42/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&raw))
	require.Contains(t, raw, "mapRegion")
}

func TestOpenSession_UnknownSubject(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tracking/order/999/session", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetView_NoSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/tracking/order/42/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadKind(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tracking/parcel/42/session", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCloseSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tracking/order/42/session", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/tracking/order/42/session", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/tracking/order/42/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tracking/order/42/session", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	post := func(body string) int {
		resp, err := http.Post(srv.URL+"/v1/tracking/order/42/status", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusForbidden, post(`{"status":"confirmed","role":"buyer"}`))
	require.Equal(t, http.StatusConflict, post(`{"status":"assigned","role":"runner"}`))
	require.Equal(t, http.StatusBadRequest, post(`{"status":"confirmed"}`))
	require.Equal(t, http.StatusBadRequest, post(`not json`))
	require.Equal(t, http.StatusAccepted, post(`{"status":"confirmed","role":"seller"}`))
}

func TestRefresh(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tracking/order/42/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/tracking/order/42/session", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/tracking/order/42/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestStream(t *testing.T) {
	srv, _, rt := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tracking/order/42/session", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/tracking/order/42/stream", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(stream.Body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	readEvent := func() models.TrackingView {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				var v models.TrackingView
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &v))
				return v
			}
		}
		t.Fatal("stream ended without event")
		return models.TrackingView{}
	}

	first := readEvent()
	require.Equal(t, models.StatusPending, first.Status)

	rt.push(t, events.EventLocationUpdate, events.LocationUpdate{JobID: "42", Latitude: 6.5, Longitude: 3.38})

	// Контекст запроса ограничивает блокирующее чтение.
	for {
		v := readEvent()
		if v.RunnerPosition != nil && v.RunnerPosition.Latitude == 6.5 {
			break
		}
	}
}

func TestStream_NoSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/tracking/order/42/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
