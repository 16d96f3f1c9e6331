package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/events"
	"github.com/devlikebear/aiapps-sub000/pkg/retry"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

// Sink receives forwarded events. key is the job ID.
type Sink interface {
	Publish(ctx context.Context, key, eventType string, value []byte) error
	Name() string
	Close() error
}

// EventForwarder copies every bus event to a Sink. Listeners run on the
// publisher's goroutine, so events are queued on a bounded buffer and sent
// from a separate goroutine; when the buffer is full the event is dropped.
type EventForwarder struct {
	bus    *events.Bus
	sink   Sink
	logger *slog.Logger
	buf    chan domain.Event
	sub    events.Subscription
	once   sync.Once
	done   chan struct{}
}

// NewEventForwarder subscribes to every event type on bus.
func NewEventForwarder(bus *events.Bus, sink Sink, bufferSize int, logger *slog.Logger) *EventForwarder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	f := &EventForwarder{
		bus:    bus,
		sink:   sink,
		logger: logger,
		buf:    make(chan domain.Event, bufferSize),
		done:   make(chan struct{}),
	}
	f.sub = bus.Subscribe(domain.EventAll, f.enqueue)
	return f
}

func (f *EventForwarder) enqueue(ev domain.Event) {
	select {
	case f.buf <- ev:
	default:
		telemetry.EventsDroppedTotal.Inc()
		f.logger.Warn("event buffer full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("job_id", ev.JobID),
		)
	}
}

// Run sends buffered events until ctx is cancelled, then flushes what is
// already queued.
func (f *EventForwarder) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case ev := <-f.buf:
			f.send(ctx, ev)
		case <-ctx.Done():
			f.bus.Unsubscribe(f.sub)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			for {
				select {
				case ev := <-f.buf:
					f.send(flushCtx, ev)
				default:
					cancel()
					return
				}
			}
		}
	}
}

// Close waits for Run to return and closes the sink.
func (f *EventForwarder) Close() error {
	var err error
	f.once.Do(func() {
		<-f.done
		err = f.sink.Close()
	})
	return err
}

func (f *EventForwarder) send(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		telemetry.EventsDroppedTotal.Inc()
		f.logger.Error("failed to encode event", slog.String("error", err.Error()))
		return
	}

	err = retry.Do(ctx, retry.Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}, func(ctx context.Context) error {
		return f.sink.Publish(ctx, ev.JobID, string(ev.Type), payload)
	})
	if err != nil {
		telemetry.EventsDroppedTotal.Inc()
		f.logger.Error("failed to forward event",
			slog.String("sink", f.sink.Name()),
			slog.String("type", string(ev.Type)),
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.EventsForwardedTotal.WithLabelValues(string(ev.Type)).Inc()
}
