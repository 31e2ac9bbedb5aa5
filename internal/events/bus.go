// Package events fans job notifications out to UI subscribers. Publishing
// never blocks on a slow subscriber: each subscription holds a bounded
// buffer where old progress events are dropped in favor of new ones, while
// state changes are always retained and delivered in order.
package events

import (
	"log/slog"
	"sync"

	"mediadeck/internal/model"
)

const defaultBufferSize = 64

// Bus delivers ProgressEvent/StateChange notifications to subscribers.
type Bus struct {
	logger     *slog.Logger
	bufferSize int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:     logger,
		bufferSize: defaultBufferSize,
		subs:       make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new consumer. The caller must drain Events() and
// call Close when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:   b,
		ch:    make(chan model.Event),
		quit:  make(chan struct{}),
		limit: b.bufferSize,
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.drain()
	return sub
}

// Publish hands the event to every subscriber without blocking.
func (b *Bus) Publish(ev model.Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
}

// Close shuts down the bus and all subscriptions after their buffered
// events are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one consumer's ordered event stream.
type Subscription struct {
	bus   *Bus
	ch    chan model.Event
	quit  chan struct{}
	limit int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []model.Event
	closed  bool
	dropped uint64
}

// Events returns the delivery channel. It is closed after Close once all
// retained events have been delivered.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Dropped reports how many progress events were discarded under backpressure.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription) enqueue(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.pending) >= s.limit {
		// Drop the oldest progress event to make room. State changes are
		// never dropped; if the buffer holds only state changes it grows.
		if i := s.oldestProgressIndex(); i >= 0 {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.dropped++
		} else if ev.Type == model.EventProgress {
			s.dropped++
			return
		}
	}

	s.pending = append(s.pending, ev)
	s.cond.Signal()
}

func (s *Subscription) oldestProgressIndex() int {
	for i, ev := range s.pending {
		if ev.Type == model.EventProgress {
			return i
		}
	}
	return -1
}

func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.closed {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.quit:
			close(s.ch)
			return
		}
	}
}
