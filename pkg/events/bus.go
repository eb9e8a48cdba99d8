package events

import (
	"context"
	"io"
	"sync"
	"time"
)

const (
	DefaultQueueSize = 256
	DefaultLogSize   = 128
)

type Options struct {
	// QueueSize bounds each subscriber's backlog of non-critical events.
	QueueSize int
	// LogSize bounds the recent-event log kept for status/debugging.
	LogSize int
	Now     func() time.Time
}

// Bus is a per-session ordered publisher. Publish never blocks on a
// subscriber.
type Bus struct {
	sessionID string
	opts      Options

	mu     sync.Mutex
	seq    uint64
	log    []Event
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus(sessionID string, opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		sessionID: sessionID,
		opts:      opts,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Publish stamps the event with the next sequence number and fans it out. It
// reports false once the bus is closed.
func (b *Bus) Publish(t Type, payload any) (Event, bool) {
	if b == nil {
		return Event{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}, false
	}
	b.seq++
	ev := Event{
		Type:      t,
		SessionID: b.sessionID,
		Payload:   payload,
		Timestamp: b.opts.Now(),
		Seq:       b.seq,
	}
	if len(b.log) >= b.opts.LogSize {
		copy(b.log, b.log[1:])
		b.log = b.log[:len(b.log)-1]
	}
	b.log = append(b.log, ev)
	for s := range b.subs {
		s.enqueue(ev)
	}
	return ev, true
}

// Subscribe returns a handle receiving every event published from now on.
// Subscribing to a closed bus yields a handle that is already at EOF.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:    b,
		limit:  b.opts.QueueSize,
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.ended = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Recent returns a copy of the bounded recent-event log.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.log...)
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops publication. Subscribers still drain what is queued before
// seeing io.EOF.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.end()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	bus   *Bus
	limit int

	mu      sync.Mutex
	queue   []Event
	ended   bool
	dropped uint64
	notify  chan struct{}
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit && !s.makeRoomLocked(ev) {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

// makeRoomLocked evicts the oldest bulky event, or failing that the oldest
// non-critical one. A critical event is admitted even when nothing can be
// evicted.
func (s *Subscription) makeRoomLocked(incoming Event) bool {
	victim := -1
	for i, ev := range s.queue {
		if ev.Type.Bulky() {
			victim = i
			break
		}
	}
	if victim < 0 {
		for i, ev := range s.queue {
			if !ev.Type.Critical() {
				victim = i
				break
			}
		}
	}
	if victim < 0 {
		return incoming.Type.Critical()
	}
	if !incoming.Type.Critical() && incoming.Type.Bulky() && !s.queue[victim].Type.Bulky() {
		// a fresh screenshot never displaces an older progress event
		return false
	}
	s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
	s.dropped++
	return true
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

// Next blocks until an event is available. It returns io.EOF after the bus
// (or this subscription) is closed and the queue is drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return Event{}, io.EOF
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Len reports the current backlog.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscriber. Queued events are discarded.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	if s.bus != nil {
		s.bus.remove(s)
	}
	s.mu.Lock()
	s.ended = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()
}
