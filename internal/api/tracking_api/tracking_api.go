package tracking_api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/LiveTrack/internal/geomath"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/services/tracking"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// regionPadding — запас к bounding-региону карты, градусы.
const regionPadding = 0.02

// viewResponse дополняет view регионом карты, покрывающим все точки.
type viewResponse struct {
	models.TrackingView
	MapRegion geomath.Region `json:"mapRegion"`
}

func toResponse(v models.TrackingView) viewResponse {
	pts := make([]models.GeoPoint, 0, 4+len(v.Route))
	if v.RunnerPosition != nil {
		pts = append(pts, v.RunnerPosition.Point())
	}
	if v.OwnPosition != nil {
		pts = append(pts, *v.OwnPosition)
	}
	if v.StoreLocation != nil {
		pts = append(pts, *v.StoreLocation)
	}
	if v.DeliveryLocation != nil {
		pts = append(pts, *v.DeliveryLocation)
	}
	pts = append(pts, v.Route...)

	return viewResponse{TrackingView: v, MapRegion: geomath.BoundingRegion(pts, regionPadding)}
}

// TrackingAPI — HTTP-фасад над сессиями трекинга для покупательских
// клиентов: открыть/закрыть сессию, снять текущий view, подписаться
// на поток обновлений (SSE), запросить переход статуса.
type TrackingAPI struct {
	svc *tracking.Service
}

func New(svc *tracking.Service) *TrackingAPI {
	return &TrackingAPI{svc: svc}
}

func (a *TrackingAPI) Routes(r chi.Router) {
	r.Route("/v1/tracking/{kind}/{id}", func(r chi.Router) {
		r.Post("/session", a.openSession)
		r.Delete("/session", a.closeSession)
		r.Get("/", a.getView)
		r.Get("/stream", a.stream)
		r.Post("/status", a.requestStatus)
		r.Post("/refresh", a.refresh)
	})
}

func (a *TrackingAPI) refresh(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}
	if err := a.svc.RequestRefresh(r.Context(), subject); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requested": true})
}

func (a *TrackingAPI) openSession(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	sess, err := a.svc.Open(r.Context(), subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess.View()))
}

func (a *TrackingAPI) closeSession(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}
	a.svc.Close(subject)
	w.WriteHeader(http.StatusNoContent)
}

func (a *TrackingAPI) getView(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	sess, found := a.svc.Get(subject)
	if !found {
		// Сессии нет — отдаём последний кэшированный view, если он есть.
		if v, ok := a.svc.CachedView(r.Context(), subject); ok {
			w.Header().Set("X-Livetrack-Stale", "true")
			writeJSON(w, http.StatusOK, toResponse(v))
			return
		}
		writeError(w, http.StatusNotFound, "no open tracking session")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess.View()))
}

// stream шлёт каждый новый снимок view как SSE-событие. Первый кадр —
// текущее состояние, чтобы клиент не ждал ближайшего изменения.
func (a *TrackingAPI) stream(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	sess, found := a.svc.Get(subject)
	if !found {
		writeError(w, http.StatusNotFound, "no open tracking session")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, off := sess.Subscribe()
	defer off()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, sess.View())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case v, open := <-updates:
			if !open {
				// Сессию закрыли — поток завершается штатно.
				return
			}
			writeEvent(w, v)
			flusher.Flush()
		}
	}
}

type statusRequest struct {
	Status      string `json:"status"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
}

func (a *TrackingAPI) requestStatus(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Status == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "status and role are required")
		return
	}

	if err := a.svc.RequestStatusTransition(r.Context(), subject, req.Status, req.Role, req.Description); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func subjectFromRequest(w http.ResponseWriter, r *http.Request) (models.TrackingSubject, bool) {
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")

	if kind != models.KindOrder && kind != models.KindErrand {
		writeError(w, http.StatusBadRequest, "kind must be order or errand")
		return models.TrackingSubject{}, false
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return models.TrackingSubject{}, false
	}
	return models.TrackingSubject{ID: id, Kind: kind}, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracking.ErrSubjectNotFound):
		writeError(w, http.StatusNotFound, "subject not found")
	case errors.Is(err, tracking.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tracking.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "role not allowed")
	default:
		slog.Error("tracking api", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeEvent(w http.ResponseWriter, v models.TrackingView) {
	b, err := json.Marshal(toResponse(v))
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}
