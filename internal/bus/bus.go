// ABOUTME: Single-publisher broadcast bus for state-change notifications
// ABOUTME: Non-blocking publish with per-subscriber buffers and an explicit lag signal

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber event buffer capacity.
const DefaultBufferSize = 32

// ErrClosed is returned by Recv after Close when the buffer is drained.
var ErrClosed = errors.New("bus closed")

// EventKind identifies a broadcast event.
type EventKind int

const (
	// EventNewCode announces a newly inserted or resent code.
	EventNewCode EventKind = iota
	// EventExit is terminal: subscribers stop expecting further events
	// and close their downstream connections.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventNewCode:
		return "new_code"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one broadcast notification.
type Event struct {
	Kind EventKind
	Code string // set for EventNewCode
}

// LagError reports that a subscriber fell behind its buffer and missed
// events. The subscription remains usable; the next Recv resumes with
// the oldest retained event.
type LagError struct {
	Missed int64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, missed %d events", e.Missed)
}

// Bus fans events out to any number of subscribers. Publish never blocks
// on subscriber presence or progress: with zero subscribers events are
// dropped, and a full subscriber buffer sheds its oldest event while
// recording the gap for that subscriber alone.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *slog.Logger
}

// New creates a Bus with the given per-subscriber buffer capacity.
// A non-positive capacity selects DefaultBufferSize.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: slog.Default().With("component", "bus"),
	}
}

// Subscribe registers a new subscriber. Its private view starts at the
// subscription point: events published earlier are never replayed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}

	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every current subscriber. Best effort:
// it never blocks and never fails.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: shed the oldest event and retry. Only the
				// publisher removes events this way, so the retry cannot
				// spin more than once per competing receive.
				select {
				case <-sub.ch:
					sub.missed.Add(1)
				default:
				}
				continue
			}
			break
		}
	}

	b.logger.Debug("published event", "kind", ev.Kind, "subscribers", len(b.subs))
}

// Close tears the bus down. Subscribers drain their buffers and then
// observe ErrClosed. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Subscription is one subscriber's private, ordered view of the event
// stream.
type Subscription struct {
	bus    *Bus
	id     uint64
	ch     chan Event
	missed atomic.Int64
}

// Recv returns the next event. If the subscriber fell behind and events
// were shed, Recv first reports the gap as a *LagError; the following
// call resumes delivery. Returns ErrClosed once the bus is closed and
// the buffer drained, or the context error if ctx ends first.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	if n := s.missed.Swap(0); n > 0 {
		return Event{}, &LagError{Missed: n}
	}

	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Unsubscribe removes the subscription from the bus. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.ch)
	}
}
