package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
)

// Listener receives queue events. It must not mutate ev.Job.
type Listener func(ev domain.Event)

// Subscription identifies a registered listener.
type Subscription struct {
	id        uint64
	eventType domain.EventType
}

type entry struct {
	id uint64
	fn Listener
}

// Bus is an in-process publish/subscribe hub keyed by event type.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[domain.EventType][]entry
	logger    *slog.Logger
}

// NewBus creates an empty Bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[domain.EventType][]entry),
		logger:    logger,
	}
}

// Subscribe registers fn for eventType, or for every event when eventType is domain.EventAll.
func (b *Bus) Subscribe(eventType domain.EventType, fn Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[eventType] = append(b.listeners[eventType], entry{id: b.nextID, fn: fn})
	return Subscription{id: b.nextID, eventType: eventType}
}

// Unsubscribe removes a listener. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.listeners[sub.eventType]
	for i, e := range list {
		if e.id == sub.id {
			b.listeners[sub.eventType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to the typed listeners and then the wildcard ones.
// Each listener gets its own copy of the job.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	targets := make([]entry, 0, len(b.listeners[ev.Type])+len(b.listeners[domain.EventAll]))
	targets = append(targets, b.listeners[ev.Type]...)
	if ev.Type != domain.EventAll {
		targets = append(targets, b.listeners[domain.EventAll]...)
	}
	b.mu.RUnlock()

	for _, t := range targets {
		delivered := ev
		delivered.Job = ev.Job.Clone()
		b.deliver(t.fn, delivered)
	}
}

// Len returns the number of listeners registered for eventType.
func (b *Bus) Len(eventType domain.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventType])
}

func (b *Bus) deliver(fn Listener, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				slog.String("event", string(ev.Type)),
				slog.String("job_id", ev.JobID),
				slog.String("error", fmt.Sprint(r)),
			)
		}
	}()
	fn(ev)
}
