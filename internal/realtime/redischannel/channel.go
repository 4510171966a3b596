// Package redischannel implements the realtime channel on top of redis
// pub/sub: one physical connection, one redis channel per logical room.
package redischannel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/LiveTrack/internal/realtime/events"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReconnectAttempts = 5
	DefaultPingInterval      = 15 * time.Second

	// Канал, который слушает сервер (join/leave/emit уходят туда).
	serverChannel = "livetrack:server"
)

type Options struct {
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	PingInterval      time.Duration
}

type handlerReg struct {
	id int
	fn func(payload json.RawMessage)
}

type Channel struct {
	c    *redis.Client
	opts Options

	mu        sync.Mutex
	rooms     map[string]struct{}
	handlers  map[string][]handlerReg
	stateSubs map[int]func(connected bool)
	nextID    int

	pubsub    *redis.PubSub
	connected bool
	closed    bool
	recvDone  chan struct{}
}

func New(addr string, opts Options) *Channel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	return &Channel{
		c:         redis.NewClient(&redis.Options{Addr: addr}),
		opts:      opts,
		rooms:     make(map[string]struct{}),
		handlers:  make(map[string][]handlerReg),
		stateSubs: make(map[int]func(bool)),
	}
}

func RoomKey(subjectID, kind string) string {
	return "room:" + kind + ":" + subjectID
}

// Connect пингует redis с ограниченным числом попыток. Исчерпали попытки —
// канал остаётся disconnected, повторное подключение только явным Connect.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return errors.New("channel closed")
	}
	if ch.connected {
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= ch.opts.ReconnectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, ch.opts.ConnectTimeout)
		err := ch.c.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return ch.startReceiving(ctx)
		}
		lastErr = err
		slog.Warn("realtime connect attempt failed", "attempt", attempt, "error", err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return errors.Wrap(lastErr, "realtime connect: attempts exhausted")
}

func (ch *Channel) startReceiving(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return errors.New("channel closed")
	}

	ch.pubsub = ch.c.Subscribe(context.WithoutCancel(ctx))
	if len(ch.rooms) > 0 {
		keys := make([]string, 0, len(ch.rooms))
		for k := range ch.rooms {
			keys = append(keys, k)
		}
		if err := ch.pubsub.Subscribe(ctx, keys...); err != nil {
			_ = ch.pubsub.Close()
			ch.pubsub = nil
			return errors.Wrap(err, "resubscribe rooms")
		}
	}

	ch.recvDone = make(chan struct{})
	go ch.receiveLoop(ch.pubsub, ch.recvDone)
	go ch.pingLoop(ch.recvDone)

	ch.setConnectedLocked(true)
	return nil
}

// pingLoop следит за живостью соединения: go-redis переподключает pubsub
// молча, а индикатор connected обязан проседать на время обрыва.
func (ch *Channel) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(ch.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), ch.opts.ConnectTimeout)
			err := ch.c.Ping(pingCtx).Err()
			cancel()

			ch.mu.Lock()
			if ch.closed {
				ch.mu.Unlock()
				return
			}
			ch.setConnectedLocked(err == nil)
			ch.mu.Unlock()
		}
	}
}

// receiveLoop крутится, пока жив pubsub. Обработчики вызываются строго
// последовательно: это единственная горутина доставки.
func (ch *Channel) receiveLoop(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range ps.Channel() {
		var env events.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("realtime: drop malformed envelope", "channel", msg.Channel, "error", err.Error())
			continue
		}
		ch.dispatch(env)
	}

	ch.mu.Lock()
	wasClosed := ch.closed
	ch.setConnectedLocked(false)
	ch.mu.Unlock()
	if !wasClosed {
		slog.Warn("realtime: receive stream ended")
	}
}

func (ch *Channel) dispatch(env events.Envelope) {
	ch.mu.Lock()
	regs := append([]handlerReg(nil), ch.handlers[env.Event]...)
	ch.mu.Unlock()

	// Порядок регистрации = порядок вызова.
	for _, r := range regs {
		r.fn(env.Payload)
	}
}

// JoinRoom идемпотентен: повторный join той же комнаты — no-op.
func (ch *Channel) JoinRoom(ctx context.Context, subjectID, kind, role string) error {
	key := RoomKey(subjectID, kind)

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return errors.New("channel closed")
	}
	if _, ok := ch.rooms[key]; ok {
		ch.mu.Unlock()
		return nil
	}
	ch.rooms[key] = struct{}{}
	ps := ch.pubsub
	ch.mu.Unlock()

	if ps != nil {
		if err := ps.Subscribe(ctx, key); err != nil {
			ch.mu.Lock()
			delete(ch.rooms, key)
			ch.mu.Unlock()
			return errors.Wrap(err, "subscribe room")
		}
	}

	// Сообщаем серверу о входе в комнату; доставка best-effort.
	_ = ch.Emit(ctx, events.EventJoin, events.Join{JobID: subjectID, Type: kind, Role: role})
	return nil
}

func (ch *Channel) LeaveRoom(ctx context.Context, subjectID, kind string) error {
	key := RoomKey(subjectID, kind)

	ch.mu.Lock()
	if _, ok := ch.rooms[key]; !ok {
		ch.mu.Unlock()
		return nil
	}
	delete(ch.rooms, key)
	ps := ch.pubsub
	ch.mu.Unlock()

	if ps != nil {
		if err := ps.Unsubscribe(ctx, key); err != nil {
			return errors.Wrap(err, "unsubscribe room")
		}
	}

	_ = ch.Emit(ctx, events.EventLeave, events.Leave{JobID: subjectID, Type: kind})
	return nil
}

// On регистрирует обработчик события и возвращает функцию отписки.
func (ch *Channel) On(event string, fn func(payload json.RawMessage)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.nextID++
	id := ch.nextID
	ch.handlers[event] = append(ch.handlers[event], handlerReg{id: id, fn: fn})

	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		regs := ch.handlers[event]
		for i, r := range regs {
			if r.id == id {
				ch.handlers[event] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange регистрирует наблюдателя connected/disconnected.
func (ch *Channel) OnStateChange(fn func(connected bool)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.nextID++
	id := ch.nextID
	ch.stateSubs[id] = fn

	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.stateSubs, id)
	}
}

// Emit отправляет событие серверу. Fire-and-forget: подтверждений доставки
// этот слой не даёт.
func (ch *Channel) Emit(ctx context.Context, event string, payload any) error {
	return ch.publish(ctx, serverChannel, event, payload)
}

// PublishRoom публикует событие в комнату (серверная сторона и симулятор).
func (ch *Channel) PublishRoom(ctx context.Context, subjectID, kind, event string, payload any) error {
	return ch.publish(ctx, RoomKey(subjectID, kind), event, payload)
}

func (ch *Channel) publish(ctx context.Context, channel, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	env, err := json.Marshal(events.Envelope{Event: event, Payload: b})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	if err := ch.c.Publish(ctx, channel, env).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.connected
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ps := ch.pubsub
	ch.pubsub = nil
	done := ch.recvDone
	ch.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
		if done != nil {
			<-done
		}
	}
	return ch.c.Close()
}

// setConnectedLocked вызывается под ch.mu.
func (ch *Channel) setConnectedLocked(connected bool) {
	if ch.connected == connected {
		return
	}
	ch.connected = connected
	for _, fn := range ch.stateSubs {
		go fn(connected)
	}
}
