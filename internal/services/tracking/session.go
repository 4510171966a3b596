package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/LiveTrack/internal/geomath"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime/events"
	"github.com/BearBump/LiveTrack/internal/services/locations"
)

// Session — одна живая сессия трекинга. Все мутации view проходят через
// канал tasks и применяются одной горутиной в порядке поступления: ровно
// та сериализация, которой требует общий view.
type Session struct {
	svc     *Service
	subject models.TrackingSubject

	tasks     chan func()
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// lifeMu сериализует start и teardown: offs и tracker трогаются
	// только под ним.
	lifeMu  sync.Mutex
	offs    []func()
	tracker *locations.Tracker

	// Поля ниже принадлежат горутине apply-цикла.
	view             models.TrackingView
	routeDistanceKm  float64
	routeDurationMin float64
	routeInFlight    bool

	mu      sync.Mutex
	current models.TrackingView
	subs    map[int]chan models.TrackingView
	nextSub int
}

func newSession(svc *Service, subject models.TrackingSubject, doc *models.Document) *Session {
	s := &Session{
		svc:     svc,
		subject: subject,
		tasks:   make(chan func(), 64),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[int]chan models.TrackingView),
	}

	s.view = models.TrackingView{
		Subject:       subject,
		Status:        models.StatusPending,
		StatusHistory: []models.StatusEntry{},
		Connection:    models.ConnectionDisconnected,
	}
	if svc.rt.Connected() {
		s.view.Connection = models.ConnectionConnected
	}
	s.applyDocument(doc)

	// Цикл живёт с момента создания: shutdown ждёт done и не должен
	// зависеть от того, дошла ли сессия до start.
	go s.loop()
	return s
}

func (s *Session) start(ctx context.Context) {
	// Сессия живёт дольше запроса, который её открыл.
	ctx = context.WithoutCancel(ctx)

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	select {
	case <-s.closed:
		// Сессию закрыли раньше, чем она успела стартовать: комнату не
		// занимаем, обработчики не вешаем.
		return
	default:
	}

	if err := s.svc.rt.JoinRoom(ctx, s.subject.ID, s.subject.Kind, models.RoleBuyer); err != nil {
		slog.Warn("join realtime room", "subject", s.subject.Key(), "error", err.Error())
	}

	s.offs = append(s.offs,
		s.svc.rt.On(events.EventLocationUpdate, s.onLocationUpdate),
		s.svc.rt.On(events.EventStatusUpdate, s.onStatusUpdate),
		s.svc.rt.On(events.EventRouteUpdate, s.onRouteUpdate),
	)

	if s.svc.locSource != nil {
		s.tracker = locations.NewTracker(s.svc.locSource, s.enqueueOwnPosition)
		if err := s.tracker.Start(ctx, s.svc.locMinInterval, s.svc.locMinDistance); err != nil {
			// PermissionDenied — не фатал: трекинг работает без своей позиции.
			slog.Warn("start location tracker", "subject", s.subject.Key(), "error", err.Error())
			s.tracker = nil
		}
	}

	// Просим сервер прислать актуальную позицию раннера сразу.
	_ = s.svc.rt.Emit(ctx, events.EventGetRunnerLocation, events.GetRunnerLocation{
		JobID: s.subject.ID,
		Type:  s.subject.Kind,
	})
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.closed:
			return
		case fn := <-s.tasks:
			fn()
		}
	}
}

func (s *Session) enqueue(fn func()) {
	select {
	case <-s.closed:
		// Результаты, пришедшие после close, не применяются к убитому view.
		s.svc.discarded.Add(1)
		return
	default:
	}
	select {
	case <-s.closed:
		s.svc.discarded.Add(1)
	case s.tasks <- fn:
	}
}

func (s *Session) Subject() models.TrackingSubject {
	return s.subject
}

// View возвращает последний опубликованный снимок view.
func (s *Session) View() models.TrackingView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Subscribe отдаёт канал обновлений view и функцию отписки. Медленный
// подписчик теряет промежуточные снимки, но не блокирует редьюсер.
func (s *Session) Subscribe() (<-chan models.TrackingView, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	ch := make(chan models.TrackingView, 8)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Close закрывает сессию и убирает её из реестра сервиса. Идемпотентен.
func (s *Session) Close() {
	s.svc.Close(s.subject)
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.done

		s.lifeMu.Lock()
		offs := s.offs
		s.offs = nil
		tracker := s.tracker
		s.tracker = nil
		s.lifeMu.Unlock()

		for _, off := range offs {
			off()
		}
		if tracker != nil {
			tracker.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.svc.rt.LeaveRoom(ctx, s.subject.ID, s.subject.Kind); err != nil {
			slog.Warn("leave realtime room", "subject", s.subject.Key(), "error", err.Error())
		}

		s.mu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	})
}

// --- источники ---

func (s *Session) enqueueSnapshot(doc *models.Document) {
	s.enqueue(func() {
		s.applyDocument(doc)
		s.svc.snapshotsApplied.Add(1)
	})
}

func (s *Session) enqueueConnState(connected bool) {
	s.enqueue(func() {
		if connected {
			s.view.Connection = models.ConnectionConnected
		} else {
			s.view.Connection = models.ConnectionDisconnected
		}
		s.publish()
	})
}

func (s *Session) enqueueOwnPosition(p models.GeoPoint) {
	s.enqueue(func() {
		s.view.OwnPosition = &p
		s.recompute(time.Now().UTC())
		s.publish()
	})
}

func (s *Session) onLocationUpdate(payload json.RawMessage) {
	var u events.LocationUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		slog.Warn("malformed locationUpdate", "error", err.Error())
		return
	}
	if u.SubjectID() != s.subject.ID {
		return // чужой субъект — не ошибка
	}
	s.enqueue(func() {
		pos := u.Position()
		s.view.RunnerPosition = &pos
		at := time.Now().UTC()
		if u.Timestamp != nil {
			at = u.Timestamp.UTC()
		}
		s.view.LastRunnerUpdateAt = &at
		s.recompute(time.Now().UTC())
		s.publish()
		s.svc.eventsApplied.Add(1)
	})
}

func (s *Session) onStatusUpdate(payload json.RawMessage) {
	var u events.StatusUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		slog.Warn("malformed statusUpdate", "error", err.Error())
		return
	}
	if u.ID != s.subject.ID {
		return
	}
	s.enqueue(func() {
		// Устаревшее событие не откатывает пайплайн. Откатить может только
		// снапшот хранилища — он источник истины.
		if canonical, known := models.CanonicalStatus(u.Status); known {
			curRank, curOK := models.PipelineRank(s.view.Status)
			newRank, newOK := models.PipelineRank(canonical)
			if curOK && newOK && newRank < curRank {
				return
			}
		}
		s.applyStatus(u.Status, "", time.Now().UTC())
		s.recompute(time.Now().UTC())
		s.publish()
		s.svc.eventsApplied.Add(1)
	})
}

func (s *Session) onRouteUpdate(payload json.RawMessage) {
	var u events.RouteUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		slog.Warn("malformed routeUpdate", "error", err.Error())
		return
	}
	if u.ID != s.subject.ID {
		return
	}
	s.enqueue(func() {
		s.view.Route = u.Route
		s.publish()
		s.svc.eventsApplied.Add(1)
	})
}

// --- применение (всегда в apply-горутине) ---

func (s *Session) applyDocument(doc *models.Document) {
	now := time.Now().UTC()

	if doc.Deleted {
		// Субъект удалили под ногами: терминальный NotFound и
		// аккуратный teardown, без висящих подписок.
		s.view.NotFound = true
		s.publish()
		go s.svc.Close(s.subject)
		return
	}

	s.view.Order = models.OrderFields{
		OrderNumber:  doc.OrderNumber,
		RunnerID:     doc.RunnerID,
		RunnerName:   doc.RunnerName,
		RunnerPhone:  doc.RunnerPhone,
		RunnerAvatar: doc.RunnerAvatar,
		RunnerRating: doc.RunnerRating,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}

	if doc.Store != nil {
		p := doc.Store.Point()
		s.view.StoreLocation = &p
	}
	if doc.Customer != nil {
		p := doc.Customer.Point()
		s.view.DeliveryLocation = &p
	}

	for _, entry := range doc.StatusHistory {
		s.view.StatusHistory = mergeHistoryEntry(s.view.StatusHistory, entry)
	}

	if doc.StatusRaw != "" {
		at := now
		if doc.UpdatedAt != nil {
			at = *doc.UpdatedAt
		}
		s.applyStatus(doc.StatusRaw, "", at)
	}

	// Позиция из снапшота: last-write-wins по порядку прибытия,
	// никаких сравнений таймстемпов.
	if doc.RunnerLocation != nil {
		pos := *doc.RunnerLocation
		s.view.RunnerPosition = &pos
		at := now
		if doc.LastLocationUpdate != nil {
			at = *doc.LastLocationUpdate
		}
		s.view.LastRunnerUpdateAt = &at
	}

	s.recompute(now)
	s.publish()
}

func (s *Session) applyStatus(raw string, description string, at time.Time) {
	canonical, known := models.CanonicalStatus(raw)
	if !known {
		slog.Warn("unrecognized status, keeping machine state",
			"subject", s.subject.Key(), "status", raw)
		s.view.StatusRaw = raw
		return
	}

	s.view.StatusRaw = raw
	if canonical == s.view.Status && len(s.view.StatusHistory) > 0 {
		return
	}

	s.view.StatusHistory = mergeHistoryEntry(s.view.StatusHistory, models.StatusEntry{
		Status:      canonical,
		Timestamp:   at,
		Description: description,
	})
	s.view.Status = canonical
}

func (s *Session) recompute(now time.Time) {
	var distKm float64
	if s.view.RunnerPosition != nil && s.view.DeliveryLocation != nil {
		distKm = geomath.DistanceKm(s.view.RunnerPosition.Point(), *s.view.DeliveryLocation)
	}

	// Данные внешнего роутера точнее прямой линии, когда они есть.
	if s.routeDistanceKm > 0 {
		distKm = s.routeDistanceKm
	}
	eta := geomath.EtaLabel(distKm, s.svc.trafficFactor)
	if s.routeDurationMin > 0 {
		eta = geomath.MinutesLabel(int(s.routeDurationMin))
	}

	elapsed := "0 minutes"
	if s.view.Order.CreatedAt != nil {
		elapsed = geomath.ElapsedLabel(*s.view.Order.CreatedAt, now)
	}

	s.view.Derived = models.DerivedFields{
		DistanceKm:   distKm,
		EtaLabel:     eta,
		ElapsedLabel: elapsed,
	}

	s.maybeFetchRoute()
}

func (s *Session) maybeFetchRoute() {
	if s.svc.directions == nil || s.routeInFlight || len(s.view.Route) > 0 {
		return
	}
	if s.view.RunnerPosition == nil || s.view.DeliveryLocation == nil {
		return
	}
	s.routeInFlight = true
	go s.fetchRoute(s.view.RunnerPosition.Point(), *s.view.DeliveryLocation)
}

func (s *Session) fetchRoute(origin, dest models.GeoPoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res := s.loadRoute(ctx, origin, dest)
	s.enqueue(func() {
		s.routeInFlight = false
		if res == nil {
			return // маршрута пока нет, остаёмся на прямой линии
		}
		s.view.Route = res.Points
		s.routeDistanceKm = res.DistanceKm
		s.routeDurationMin = res.DurationMin
		s.recompute(time.Now().UTC())
		s.publish()
	})
}

func (s *Session) loadRoute(ctx context.Context, origin, dest models.GeoPoint) *routeSnapshot {
	key := routeCacheKey(s.subject)
	if s.svc.cache != nil {
		if b, ok, err := s.svc.cache.Get(ctx, key); err == nil && ok {
			var cached routeSnapshot
			if json.Unmarshal(b, &cached) == nil {
				return &cached
			}
		}
	}

	if s.svc.rl != nil {
		minuteKey := fmt.Sprintf("rl:directions:%s", time.Now().UTC().Format("200601021504"))
		allowed, n, err := s.svc.rl.Allow(ctx, minuteKey, s.svc.rlPerMinute, 70*time.Second)
		if err == nil && !allowed {
			slog.Warn("directions rate limit exceeded", "count", n)
			return nil
		}
	}

	res, err := s.svc.directions.FetchRoute(ctx, origin, dest, "driving")
	if err != nil || res == nil {
		if err != nil {
			slog.Warn("fetch route", "subject", s.subject.Key(), "error", err.Error())
		}
		return nil
	}

	snap := &routeSnapshot{
		Points:      res.Points,
		DistanceKm:  res.DistanceKm,
		DurationMin: res.DurationMin,
	}
	if s.svc.cache != nil {
		if b, err := json.Marshal(snap); err == nil {
			_ = s.svc.cache.Set(ctx, key, b, s.svc.routeTTL)
		}
	}
	return snap
}

type routeSnapshot struct {
	Points      []models.GeoPoint `json:"points"`
	DistanceKm  float64           `json:"distanceKm"`
	DurationMin float64           `json:"durationMin"`
}

func (s *Session) publish() {
	v := s.view.Clone()

	s.mu.Lock()
	s.current = v
	for _, ch := range s.subs {
		select {
		case ch <- v.Clone():
		default: // подписчик не успевает — промежуточный снимок теряется
		}
	}
	s.mu.Unlock()

	if s.svc.cache != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if b, err := json.Marshal(v); err == nil {
				_ = s.svc.cache.Set(ctx, viewCacheKey(s.subject), b, s.svc.viewTTL)
			}
		}()
	}
}

// mergeHistoryEntry держит не больше одной видимой записи на статус:
// UI нужен только последний таймстемп каждого перехода. Существующие
// записи никогда не переставляются и не удаляются.
func mergeHistoryEntry(history []models.StatusEntry, entry models.StatusEntry) []models.StatusEntry {
	if canonical, known := models.CanonicalStatus(entry.Status); known {
		entry.Status = canonical
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == entry.Status {
			if entry.Timestamp.After(history[i].Timestamp) {
				history[i].Timestamp = entry.Timestamp
				if entry.Description != "" {
					history[i].Description = entry.Description
				}
			}
			return history
		}
	}
	return append(history, entry)
}

func routeCacheKey(subject models.TrackingSubject) string {
	return "route:" + subject.Key() + ":current"
}

func viewCacheKey(subject models.TrackingSubject) string {
	return "view:" + subject.Key() + ":current"
}
