// Package relay fans negotiation signals out to every participant of a room.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomcall/internal/domain"
)

// Recorder receives relay counters. internal/metrics implements it.
type Recorder interface {
	Published(kind domain.Kind)
	Delivered()
	Subscribed()
	Unsubscribed()
}

type nopRecorder struct{}

func (nopRecorder) Published(domain.Kind) {}
func (nopRecorder) Delivered()            {}
func (nopRecorder) Subscribed()           {}
func (nopRecorder) Unsubscribed()         {}

// Broker is an in-process room channel. Signals are appended to every
// subscriber's queue under one lock, so all subscribers of a room see the
// same order and each sender's signals stay in publish order. Each
// subscription is drained by its own goroutine; a slow subscriber never
// blocks Publish.
type Broker struct {
	rec Recorder
	now func() time.Time

	mu    sync.Mutex
	rooms map[domain.RoomID]map[*subscription]struct{}
}

// NewBroker returns an empty broker. rec may be nil.
func NewBroker(rec Recorder) *Broker {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Broker{
		rec:   rec,
		now:   time.Now,
		rooms: make(map[domain.RoomID]map[*subscription]struct{}),
	}
}

// Publish validates sig, stamps its id and creation time when missing and
// queues it for every subscriber of its room, the sender included.
func (b *Broker) Publish(ctx context.Context, sig domain.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = b.now().UTC()
	}

	b.mu.Lock()
	for sub := range b.rooms[sig.Room] {
		sub.enqueue(sig)
	}
	b.mu.Unlock()

	b.rec.Published(sig.Kind)
	return nil
}

// Subscribe delivers every signal later published to room to onSignal,
// one at a time and in order.
func (b *Broker) Subscribe(room domain.RoomID, onSignal func(domain.Signal)) (domain.Subscription, error) {
	if room == "" {
		return nil, errors.New("relay: room is required")
	}
	if onSignal == nil {
		return nil, errors.New("relay: signal handler is required")
	}

	sub := &subscription{broker: b, room: room, fn: onSignal}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	subs, ok := b.rooms[room]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.rooms[room] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	b.rec.Subscribed()
	go sub.run()
	return sub, nil
}

// Subscribers returns the number of live subscriptions in room.
func (b *Broker) Subscribers(room domain.RoomID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[room])
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	var all []*subscription
	for _, subs := range b.rooms {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Unsubscribe()
	}
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.rooms[sub.room]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.rooms, sub.room)
	}
}

type subscription struct {
	broker *Broker
	room   domain.RoomID
	fn     func(domain.Signal)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []domain.Signal
	closed bool
	once   sync.Once
}

func (s *subscription) enqueue(sig domain.Signal) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, sig)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		sig := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(sig)
		s.broker.rec.Delivered()
	}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s)

		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		s.broker.rec.Unsubscribed()
	})
}
