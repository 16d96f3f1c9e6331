package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/devlikebear/aiapps-sub000/internal/clock"
	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/events"
	"github.com/devlikebear/aiapps-sub000/internal/store"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

const (
	DefaultMaxQueueSize = 100
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultMaxRetries   = 3
	DefaultPriority     = 5
)

// Manager owns every read and write of the job snapshot.
//
// Each operation loads the snapshot fresh from the store, prunes it, applies
// the change, saves the whole snapshot back and then publishes events. The
// mutex serialises operations inside one process; there is no coordination
// with other processes sharing the same store key.
type Manager struct {
	store             store.Store
	bus               *events.Bus
	clock             clock.Clock
	logger            *slog.Logger
	maxQueueSize      int
	retention         time.Duration
	defaultMaxRetries int
	defaultPriority   int

	mu   sync.Mutex
	last domain.Snapshot
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option       { return func(m *Manager) { m.clock = c } }
func WithLogger(l *slog.Logger) Option     { return func(m *Manager) { m.logger = l } }
func WithMaxQueueSize(n int) Option        { return func(m *Manager) { m.maxQueueSize = n } }
func WithRetention(d time.Duration) Option { return func(m *Manager) { m.retention = d } }
func WithDefaultMaxRetries(n int) Option   { return func(m *Manager) { m.defaultMaxRetries = n } }
func WithDefaultPriority(p int) Option     { return func(m *Manager) { m.defaultPriority = domain.ClampPriority(p) } }

// NewManager constructs a Manager over st. bus may be nil when nobody listens.
func NewManager(st store.Store, bus *events.Bus, opts ...Option) *Manager {
	m := &Manager{
		store:             st,
		bus:               bus,
		clock:             clock.Real(),
		logger:            slog.Default(),
		maxQueueSize:      DefaultMaxQueueSize,
		retention:         DefaultRetention,
		defaultMaxRetries: DefaultMaxRetries,
		defaultPriority:   DefaultPriority,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = events.NewBus(m.logger)
	}
	return m
}

// Bus returns the bus the manager publishes on.
func (m *Manager) Bus() *events.Bus { return m.bus }

// read returns a pruned copy of the current snapshot without saving it.
func (m *Manager) read(ctx context.Context) domain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, _ := m.load(ctx, m.now())
	return snap
}

// mutate runs fn against a fresh snapshot under the lock. When fn reports a
// change the snapshot is saved; events are published after the lock is released.
func (m *Manager) mutate(ctx context.Context, fn func(snap *domain.Snapshot, now time.Time) ([]domain.Event, bool)) {
	m.mu.Lock()
	now := m.now()
	snap, pruned := m.load(ctx, now)
	evs, changed := fn(&snap, now)
	if changed || pruned > 0 {
		m.save(ctx, &snap, now)
	}
	m.mu.Unlock()

	for _, ev := range evs {
		m.bus.Publish(ev)
	}
}

// load must be called with mu held. It never fails: a corrupt snapshot
// becomes an empty queue and an unreadable one falls back to the last
// snapshot this manager loaded or saved.
func (m *Manager) load(ctx context.Context, now time.Time) (domain.Snapshot, int) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("load").Inc()
		var corrupt *domain.CorruptSnapshotError
		if errors.As(err, &corrupt) {
			m.logger.Error("snapshot is corrupt, continuing with an empty queue",
				slog.String("source", corrupt.Source),
				slog.String("error", err.Error()),
			)
			snap = domain.Snapshot{}
		} else {
			m.logger.Error("snapshot unreadable, continuing with last known state",
				slog.Int("jobs", len(m.last.Jobs)),
				slog.String("error", err.Error()),
			)
			snap = cloneSnapshot(m.last)
		}
	}

	normalize(&snap)
	removed := applyRetention(&snap, now, m.retention)
	evicted := evict(&snap, m.maxQueueSize)
	if removed+evicted > 0 {
		telemetry.QueueJobsPrunedTotal.WithLabelValues("retention").Add(float64(removed))
		telemetry.QueueJobsPrunedTotal.WithLabelValues("eviction").Add(float64(evicted))
		m.logger.Debug("snapshot pruned on load",
			slog.Int("retention", removed),
			slog.Int("evicted", evicted),
		)
	}
	return snap, removed + evicted
}

// save must be called with mu held. A failed write is logged and swallowed:
// the caller keeps its in-memory result and the manager keeps it as the
// fallback for the next unreadable load.
func (m *Manager) save(ctx context.Context, snap *domain.Snapshot, now time.Time) {
	if n := evict(snap, m.maxQueueSize); n > 0 {
		telemetry.QueueJobsPrunedTotal.WithLabelValues("eviction").Add(float64(n))
	}
	snap.LastUpdated = now
	if err := m.store.Save(ctx, *snap); err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("save").Inc()
		m.logger.Error("failed to save snapshot",
			slog.Int("jobs", len(snap.Jobs)),
			slog.String("error", err.Error()),
		)
	}
	m.last = cloneSnapshot(*snap)
}

// now is truncated to the millisecond precision snapshots are stored with.
func (m *Manager) now() time.Time {
	return m.clock.Now().Truncate(time.Millisecond)
}

func (m *Manager) event(t domain.EventType, j *domain.Job, now time.Time) domain.Event {
	return domain.Event{Type: t, JobID: j.ID, Job: j.Clone(), Timestamp: now}
}

func cloneSnapshot(s domain.Snapshot) domain.Snapshot {
	out := domain.Snapshot{LastUpdated: s.LastUpdated, Jobs: make([]*domain.Job, len(s.Jobs))}
	for i, j := range s.Jobs {
		out.Jobs[i] = j.Clone()
	}
	return out
}

func find(snap *domain.Snapshot, id string) *domain.Job {
	for _, j := range snap.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}
