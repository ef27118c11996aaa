// Package events carries schedule change notifications from the booking
// engine to subscribers. Publishing never blocks the caller: events are
// queued on a bounded buffer and a dispatcher hands them to one lane per
// sink, so a slow sink only delays itself. Delivery is at most once.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinic/clinic/internal/platform/websocket"
)

// DefaultBufferSize is used when NewBus is given a non-positive size.
const DefaultBufferSize = 1024

// Sink receives dispatched events. The websocket hub, Redis and Kafka sinks
// all satisfy it.
type Sink = websocket.EventPublisher

type envelope struct {
	ctx   context.Context
	event websocket.Event
}

// lane is the private queue of one sink, drained by its own goroutine.
type lane struct {
	name  string
	sink  Sink
	queue chan envelope
}

// Bus queues events and fans them out to sinks.
type Bus struct {
	queue  chan envelope
	lanes  []lane
	logger zerolog.Logger
	now    func() time.Time

	dropped atomic.Int64
	failed  atomic.Int64

	startOnce sync.Once
	done      chan struct{}
}

// NewBus sizes the shared queue and every sink lane to size.
func NewBus(size int, logger zerolog.Logger, sinks ...Sink) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	lanes := make([]lane, len(sinks))
	for i, s := range sinks {
		lanes[i] = lane{name: fmt.Sprintf("%T", s), sink: s, queue: make(chan envelope, size)}
	}
	return &Bus{
		queue:  make(chan envelope, size),
		lanes:  lanes,
		logger: logger.With().Str("component", "event_bus").Logger(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Publish queues a schedule change for doctorID. When the buffer is full the
// event is dropped and a warning logged.
func (b *Bus) Publish(ctx context.Context, doctorID, eventType string) {
	// Keep the trace but detach from the request's cancellation.
	detached := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	env := envelope{ctx: detached, event: websocket.NewEvent(doctorID, eventType, b.now())}
	select {
	case b.queue <- env:
	default:
		b.dropped.Add(1)
		b.logger.Warn().
			Str("doctor_id", doctorID).
			Str("event_type", eventType).
			Msg("event buffer full, event dropped")
	}
}

// Run dispatches queued events until ctx is done, then hands what is still
// buffered to the lanes, waits for every lane to empty and returns.
func (b *Bus) Run(ctx context.Context) {
	b.startOnce.Do(func() {
		defer close(b.done)

		var wg sync.WaitGroup
		for _, l := range b.lanes {
			wg.Add(1)
			go func(l lane) {
				defer wg.Done()
				for env := range l.queue {
					b.deliver(l, env)
				}
			}(l)
		}
		defer func() {
			for _, l := range b.lanes {
				close(l.queue)
			}
			wg.Wait()
		}()

		for {
			select {
			case env := <-b.queue:
				b.fanOut(env, false)
			case <-ctx.Done():
				b.drain()
				return
			}
		}
	})
}

func (b *Bus) drain() {
	for {
		select {
		case env := <-b.queue:
			b.fanOut(env, true)
		default:
			return
		}
	}
}

// fanOut copies env onto every lane. A full lane drops the event for that
// sink only, unless wait is set.
func (b *Bus) fanOut(env envelope, wait bool) {
	for _, l := range b.lanes {
		if wait {
			l.queue <- env
			continue
		}
		select {
		case l.queue <- env:
		default:
			b.dropped.Add(1)
			b.logger.Warn().
				Str("sink", l.name).
				Str("doctor_id", env.event.DoctorID).
				Str("event_type", env.event.Type).
				Msg("sink lagging, event dropped")
		}
	}
}

func (b *Bus) deliver(l lane, env envelope) {
	if err := l.sink.Publish(env.ctx, env.event); err != nil {
		b.failed.Add(1)
		b.logger.Error().Err(err).
			Str("sink", l.name).
			Str("doctor_id", env.event.DoctorID).
			Str("event_type", env.event.Type).
			Msg("event delivery failed")
	}
}

// Done is closed once Run has returned.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Dropped counts events discarded by a full queue, once per lagging sink
// for lane drops.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Failed is the number of sink deliveries that returned an error.
func (b *Bus) Failed() int64 { return b.failed.Load() }
