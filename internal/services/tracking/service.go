package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/LiveTrack/internal/cache"
	"github.com/BearBump/LiveTrack/internal/integrations/directions"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime/events"
	"github.com/BearBump/LiveTrack/internal/services/locations"
	"github.com/BearBump/LiveTrack/internal/storage/pgdocs"
	"github.com/pkg/errors"
)

type Repository interface {
	GetDocument(ctx context.Context, subject models.TrackingSubject) (*models.Document, error)
	ApplyStatusTransition(ctx context.Context, subject models.TrackingSubject, newStatus, description string) (*models.Document, error)
}

type Realtime interface {
	JoinRoom(ctx context.Context, subjectID, kind, role string) error
	LeaveRoom(ctx context.Context, subjectID, kind string) error
	On(event string, fn func(payload json.RawMessage)) func()
	OnStateChange(fn func(connected bool)) func()
	Emit(ctx context.Context, event string, payload any) error
	Connected() bool
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Service владеет сессиями трекинга: одна сессия на открытый субъект.
type Service struct {
	repo Repository
	rt   Realtime

	directions  directions.Client
	rl          RateLimiter
	rlPerMinute int64

	cache    cache.BytesCache
	routeTTL time.Duration
	viewTTL  time.Duration

	locSource      locations.Source
	locMinInterval time.Duration
	locMinDistance float64

	trafficFactor float64

	mu       sync.Mutex
	sessions map[string]*Session
	offState func()

	snapshotsApplied atomic.Int64
	eventsApplied    atomic.Int64
	discarded        atomic.Int64
	opened           atomic.Int64
	closedCount      atomic.Int64
}

func New(repo Repository, rt Realtime) *Service {
	s := &Service{
		repo:          repo,
		rt:            rt,
		trafficFactor: 1.0,
		rlPerMinute:   60,
		routeTTL:      5 * time.Minute,
		viewTTL:       10 * time.Minute,
		sessions:      make(map[string]*Session),
	}
	s.offState = rt.OnStateChange(s.fanOutConnState)
	return s
}

func (s *Service) WithDirections(c directions.Client) *Service {
	s.directions = c
	return s
}

func (s *Service) WithRateLimiter(rl RateLimiter, perMinute int64) *Service {
	s.rl = rl
	if perMinute > 0 {
		s.rlPerMinute = perMinute
	}
	return s
}

func (s *Service) WithCache(c cache.BytesCache, routeTTL, viewTTL time.Duration) *Service {
	s.cache = c
	if routeTTL > 0 {
		s.routeTTL = routeTTL
	}
	if viewTTL > 0 {
		s.viewTTL = viewTTL
	}
	return s
}

func (s *Service) WithLocationSource(src locations.Source, minInterval time.Duration, minDistanceMeters float64) *Service {
	s.locSource = src
	s.locMinInterval = minInterval
	s.locMinDistance = minDistanceMeters
	return s
}

func (s *Service) WithTrafficFactor(f float64) *Service {
	if f > 0 {
		s.trafficFactor = f
	}
	return s
}

// Open открывает сессию трекинга: читает документ, подписывается на комнату
// realtime-канала и запускает локальный поток позиции. Повторный Open того
// же субъекта возвращает существующую сессию.
func (s *Service) Open(ctx context.Context, subject models.TrackingSubject) (*Session, error) {
	s.mu.Lock()
	if existing, ok := s.sessions[subject.Key()]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	doc, err := s.repo.GetDocument(ctx, subject)
	if err != nil {
		if errors.Is(err, pgdocs.ErrNotFound) {
			return nil, ErrSubjectNotFound
		}
		return nil, errors.Wrap(err, "load subject document")
	}

	sess := newSession(s, subject, doc)

	s.mu.Lock()
	if existing, ok := s.sessions[subject.Key()]; ok {
		// Проиграли гонку параллельному Open: проигравшая сессия ничего
		// не занимала (комната, трекер), гасим только её apply-цикл.
		s.mu.Unlock()
		sess.shutdown()
		return existing, nil
	}
	s.sessions[subject.Key()] = sess
	s.mu.Unlock()

	sess.start(ctx)
	s.opened.Add(1)
	return sess, nil
}

// Get возвращает открытую сессию субъекта, если она есть.
func (s *Service) Get(subject models.TrackingSubject) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[subject.Key()]
	return sess, ok
}

// ApplySnapshot маршрутизирует сырой снапшот документа в сессию субъекта.
// Снапшоты закрытых/чужих сессий молча игнорируются.
func (s *Service) ApplySnapshot(subject models.TrackingSubject, fields map[string]any, deleted bool) {
	sess, ok := s.Get(subject)
	if !ok {
		return
	}
	doc := NormalizeDocument(subject, fields, deleted)
	sess.enqueueSnapshot(doc)
}

// RequestStatusTransition валидирует переход и делает единственную запись
// в хранилище. Локальный view не меняется до подтверждения снапшотом.
func (s *Service) RequestStatusTransition(ctx context.Context, subject models.TrackingSubject, newStatus, actorRole, description string) error {
	if actorRole != models.RoleSeller && actorRole != models.RoleRunner {
		return ErrUnauthorized
	}

	canonical, known := models.CanonicalStatus(newStatus)
	if !known {
		return errors.Wrapf(ErrIllegalTransition, "unknown status %q", newStatus)
	}
	if !roleMayDrive(actorRole, canonical) {
		return ErrUnauthorized
	}

	sess, ok := s.Get(subject)
	if !ok {
		return ErrSubjectNotFound
	}
	cur := sess.View().Status
	if !models.NextStatusAllowed(cur, canonical) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", cur, canonical)
	}

	if _, err := s.repo.ApplyStatusTransition(ctx, subject, canonical, description); err != nil {
		if errors.Is(err, pgdocs.ErrNotFound) {
			return ErrSubjectNotFound
		}
		return errors.Wrap(err, "status transition write")
	}
	return nil
}

// CachedView отдаёт последний опубликованный view из кэша — деградированный
// режим для субъектов без открытой сессии.
func (s *Service) CachedView(ctx context.Context, subject models.TrackingSubject) (models.TrackingView, bool) {
	if s.cache == nil {
		return models.TrackingView{}, false
	}
	b, ok, err := s.cache.Get(ctx, viewCacheKey(subject))
	if err != nil || !ok {
		return models.TrackingView{}, false
	}
	var v models.TrackingView
	if err := json.Unmarshal(b, &v); err != nil {
		return models.TrackingView{}, false
	}
	return v, true
}

// RequestRefresh просит серверную сторону заново прислать документ и
// позицию раннера. Ответ приедет обычными событиями комнаты.
func (s *Service) RequestRefresh(ctx context.Context, subject models.TrackingSubject) error {
	if _, ok := s.Get(subject); !ok {
		return ErrSubjectNotFound
	}
	if err := s.rt.Emit(ctx, events.EventRequestUpdate, events.RequestUpdate{JobID: subject.ID, Type: subject.Kind}); err != nil {
		return errors.Wrap(err, "emit request update")
	}
	if err := s.rt.Emit(ctx, events.EventGetRunnerLocation, events.GetRunnerLocation{JobID: subject.ID, Type: subject.Kind}); err != nil {
		return errors.Wrap(err, "emit get runner location")
	}
	return nil
}

// Close закрывает одну сессию. Идемпотентен.
func (s *Service) Close(subject models.TrackingSubject) {
	s.mu.Lock()
	sess, ok := s.sessions[subject.Key()]
	if ok {
		delete(s.sessions, subject.Key())
	}
	s.mu.Unlock()

	if ok {
		sess.shutdown()
		s.closedCount.Add(1)
	}
}

func (s *Service) CloseAll() {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]*Session)
	if s.offState != nil {
		s.offState()
		s.offState = nil
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.shutdown()
		s.closedCount.Add(1)
	}
}

type Stats struct {
	OpenSessions     int   `json:"openSessions"`
	TotalOpened      int64 `json:"totalOpened"`
	TotalClosed      int64 `json:"totalClosed"`
	SnapshotsApplied int64 `json:"snapshotsApplied"`
	EventsApplied    int64 `json:"eventsApplied"`
	Discarded        int64 `json:"discarded"`
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	open := len(s.sessions)
	s.mu.Unlock()

	return Stats{
		OpenSessions:     open,
		TotalOpened:      s.opened.Load(),
		TotalClosed:      s.closedCount.Load(),
		SnapshotsApplied: s.snapshotsApplied.Load(),
		EventsApplied:    s.eventsApplied.Load(),
		Discarded:        s.discarded.Load(),
	}
}

func (s *Service) fanOutConnState(connected bool) {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.enqueueConnState(connected)
	}
}

// Покупатель никогда не двигает пайплайн; продавец подтверждает и
// выставляет заказ, раннер везёт. Отмена доступна обеим ролям.
func roleMayDrive(role, status string) bool {
	switch status {
	case models.StatusConfirmed, models.StatusAvailable:
		return role == models.RoleSeller
	case models.StatusAssigned, models.StatusPickedUp, models.StatusOutForDelivery, models.StatusDelivered, models.StatusCompleted:
		return role == models.RoleRunner
	case models.StatusCancelled:
		return true
	default:
		return false
	}
}
