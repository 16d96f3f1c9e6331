package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

type addOptions struct {
	priority   *int
	maxRetries *int
}

// AddOption customises a job at submission time.
type AddOption func(*addOptions)

// WithPriority sets the job priority, clamped to [1, 10].
func WithPriority(p int) AddOption {
	return func(o *addOptions) { o.priority = &p }
}

// WithMaxRetries overrides the configured retry bound for one job.
func WithMaxRetries(n int) AddOption {
	return func(o *addOptions) { o.maxRetries = &n }
}

// Filter narrows GetJobs. Empty fields match everything.
type Filter struct {
	Type   domain.JobType
	Status domain.Status
}

func (f Filter) match(j *domain.Job) bool {
	return (f.Type == "" || j.Type == f.Type) && (f.Status == "" || j.Status == f.Status)
}

// Stats summarises the queue.
type Stats struct {
	Total      int                    `json:"total"`
	Pending    int                    `json:"pending"`
	Processing int                    `json:"processing"`
	Completed  int                    `json:"completed"`
	Failed     int                    `json:"failed"`
	Cancelled  int                    `json:"cancelled"`
	ByType     map[domain.JobType]int `json:"byType"`
}

// Add enqueues a job for params. The payload content is not validated here.
func (m *Manager) Add(ctx context.Context, params domain.Params, opts ...AddOption) (*domain.Job, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", params.JobType(), err)
	}
	return m.Submit(ctx, params.JobType(), raw, opts...)
}

// Submit enqueues a job from an already encoded payload. It fails only for an
// unknown job type or a payload that is not JSON at all.
func (m *Manager) Submit(ctx context.Context, jobType domain.JobType, params json.RawMessage, opts ...AddOption) (*domain.Job, error) {
	if _, err := domain.ParseJobType(string(jobType)); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if !json.Valid(params) {
		return nil, fmt.Errorf("%s params are not valid JSON", jobType)
	}

	o := addOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	priority := m.defaultPriority
	if o.priority != nil {
		priority = domain.ClampPriority(*o.priority)
	}
	maxRetries := m.defaultMaxRetries
	if o.maxRetries != nil {
		maxRetries = max(*o.maxRetries, 0)
	}

	var added *domain.Job
	m.mutate(ctx, func(snap *domain.Snapshot, now time.Time) ([]domain.Event, bool) {
		added = &domain.Job{
			ID:         fmt.Sprintf("%s-%s", jobType, uuid.NewString()),
			Type:       jobType,
			Status:     domain.StatusPending,
			Params:     append(json.RawMessage(nil), params...),
			Priority:   priority,
			MaxRetries: maxRetries,
			CreatedAt:  now,
		}
		snap.Jobs = append(snap.Jobs, added)
		return []domain.Event{m.event(domain.EventJobAdded, added, now)}, true
	})

	telemetry.JobsSubmittedTotal.WithLabelValues(string(jobType)).Inc()
	m.logger.Info("job added",
		slog.String("job_id", added.ID),
		slog.String("type", string(jobType)),
		slog.Int("priority", added.Priority),
	)
	return added.Clone(), nil
}

func (m *Manager) AddAudioJob(ctx context.Context, p domain.AudioGenerateParams, opts ...AddOption) (*domain.Job, error) {
	return m.Add(ctx, p, opts...)
}

func (m *Manager) AddImageJob(ctx context.Context, p domain.ImageGenerateParams, opts ...AddOption) (*domain.Job, error) {
	return m.Add(ctx, p, opts...)
}

func (m *Manager) AddImageEditJob(ctx context.Context, p domain.ImageEditParams, opts ...AddOption) (*domain.Job, error) {
	return m.Add(ctx, p, opts...)
}

func (m *Manager) AddImageComposeJob(ctx context.Context, p domain.ImageComposeParams, opts ...AddOption) (*domain.Job, error) {
	return m.Add(ctx, p, opts...)
}

func (m *Manager) AddStyleTransferJob(ctx context.Context, p domain.ImageStyleTransferParams, opts ...AddOption) (*domain.Job, error) {
	return m.Add(ctx, p, opts...)
}

func (m *Manager) AddTweetJob(ctx context.Context, p domain.TweetGenerateParams, opts ...AddOption) (*domain.Job, error) {
	return m.Add(ctx, p, opts...)
}

// GetJob returns a copy of the job, or nil when the id is unknown.
func (m *Manager) GetJob(ctx context.Context, id string) *domain.Job {
	snap := m.read(ctx)
	return find(&snap, id).Clone()
}

// GetJobs returns copies of the matching jobs, newest created first.
func (m *Manager) GetJobs(ctx context.Context, f Filter) []*domain.Job {
	snap := m.read(ctx)
	out := make([]*domain.Job, 0, len(snap.Jobs))
	for i := len(snap.Jobs) - 1; i >= 0; i-- {
		if j := snap.Jobs[i]; f.match(j) {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

func (m *Manager) GetPendingJobs(ctx context.Context, jobType domain.JobType) []*domain.Job {
	return m.GetJobs(ctx, Filter{Type: jobType, Status: domain.StatusPending})
}

func (m *Manager) GetProcessingJobs(ctx context.Context, jobType domain.JobType) []*domain.Job {
	return m.GetJobs(ctx, Filter{Type: jobType, Status: domain.StatusProcessing})
}

func (m *Manager) GetCompletedJobs(ctx context.Context, jobType domain.JobType) []*domain.Job {
	return m.GetJobs(ctx, Filter{Type: jobType, Status: domain.StatusCompleted})
}

// UpdateJob merges upd into the job. It returns nil for an unknown id and
// the unchanged job when the status change is not a valid transition.
func (m *Manager) UpdateJob(ctx context.Context, id string, upd JobUpdate) *domain.Job {
	var out *domain.Job
	m.mutate(ctx, func(snap *domain.Snapshot, now time.Time) ([]domain.Event, bool) {
		j := find(snap, id)
		if j == nil {
			return nil, false
		}
		types, ok := applyUpdate(j, upd, now)
		out = j.Clone()
		if !ok {
			m.logger.Warn("rejected status change",
				slog.String("job_id", id),
				slog.String("error", (&domain.InvalidTransitionError{JobID: id, From: j.Status, To: upd.Status}).Error()),
			)
			return nil, false
		}
		return m.events(types, j, now), true
	})
	return out
}

// RetryJob returns a failed or cancelled job to pending while retries remain.
// Otherwise the job is returned unchanged.
func (m *Manager) RetryJob(ctx context.Context, id string) *domain.Job {
	var out *domain.Job
	m.mutate(ctx, func(snap *domain.Snapshot, now time.Time) ([]domain.Event, bool) {
		j := find(snap, id)
		if j == nil {
			return nil, false
		}
		if !j.CanRetry() {
			out = j.Clone()
			return nil, false
		}
		prevProgress := j.Progress
		j.Status = domain.StatusPending
		j.Progress = domain.MinProgress
		j.Error = ""
		j.Result = nil
		j.StartedAt = nil
		j.CompletedAt = nil
		j.RetryCount++
		out = j.Clone()

		var types []domain.EventType
		if prevProgress != j.Progress {
			types = append(types, domain.EventJobProgress)
		}
		types = append(types, domain.EventJobUpdated)
		return m.events(types, j, now), true
	})
	if out != nil && out.Status == domain.StatusPending {
		m.logger.Info("job retried", slog.String("job_id", id), slog.Int("retry_count", out.RetryCount))
	}
	return out
}

// CancelJob moves a pending or processing job to cancelled. Jobs in any
// other status are returned unchanged.
func (m *Manager) CancelJob(ctx context.Context, id string) *domain.Job {
	var out *domain.Job
	m.mutate(ctx, func(snap *domain.Snapshot, now time.Time) ([]domain.Event, bool) {
		j := find(snap, id)
		if j == nil {
			return nil, false
		}
		if !domain.CanTransition(j.Status, domain.StatusCancelled) {
			out = j.Clone()
			return nil, false
		}
		types, _ := applyUpdate(j, JobUpdate{Status: domain.StatusCancelled, Progress: Progress(domain.MinProgress)}, now)
		out = j.Clone()
		return m.events(types, j, now), true
	})
	return out
}

// DeleteJob removes the job and reports whether it existed.
func (m *Manager) DeleteJob(ctx context.Context, id string) bool {
	return m.remove(ctx, func(j *domain.Job) bool { return j.ID == id }) > 0
}

// ClearCompleted removes every completed job and returns the count.
func (m *Manager) ClearCompleted(ctx context.Context) int {
	return m.remove(ctx, func(j *domain.Job) bool { return j.Status == domain.StatusCompleted })
}

// ClearFailed removes every failed job and returns the count.
func (m *Manager) ClearFailed(ctx context.Context) int {
	return m.remove(ctx, func(j *domain.Job) bool { return j.Status == domain.StatusFailed })
}

func (m *Manager) remove(ctx context.Context, match func(*domain.Job) bool) int {
	removed := 0
	m.mutate(ctx, func(snap *domain.Snapshot, now time.Time) ([]domain.Event, bool) {
		var evs []domain.Event
		kept := snap.Jobs[:0]
		for _, j := range snap.Jobs {
			if match(j) {
				evs = append(evs, m.event(domain.EventJobRemoved, j, now))
				continue
			}
			kept = append(kept, j)
		}
		snap.Jobs = kept
		removed = len(evs)
		return evs, removed > 0
	})
	return removed
}

// SetJobPriority changes the priority, clamped to [1, 10].
func (m *Manager) SetJobPriority(ctx context.Context, id string, priority int) *domain.Job {
	var out *domain.Job
	m.mutate(ctx, func(snap *domain.Snapshot, now time.Time) ([]domain.Event, bool) {
		j := find(snap, id)
		if j == nil {
			return nil, false
		}
		p := domain.ClampPriority(priority)
		if p == j.Priority {
			out = j.Clone()
			return nil, false
		}
		j.Priority = p
		out = j.Clone()
		return []domain.Event{m.event(domain.EventJobUpdated, j, now)}, true
	})
	return out
}

// GetStats counts jobs by status and by type.
func (m *Manager) GetStats(ctx context.Context) Stats {
	snap := m.read(ctx)
	st := Stats{Total: len(snap.Jobs), ByType: make(map[domain.JobType]int)}
	for _, j := range snap.Jobs {
		st.ByType[j.Type]++
		switch j.Status {
		case domain.StatusPending:
			st.Pending++
		case domain.StatusProcessing:
			st.Processing++
		case domain.StatusCompleted:
			st.Completed++
		case domain.StatusFailed:
			st.Failed++
		case domain.StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Compact loads the snapshot, applies retention and capacity limits and
// writes it back. It returns the number of jobs dropped.
func (m *Manager) Compact(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	snap, pruned := m.load(ctx, now)
	m.save(ctx, &snap, now)
	return pruned
}

func (m *Manager) events(types []domain.EventType, j *domain.Job, now time.Time) []domain.Event {
	evs := make([]domain.Event, 0, len(types))
	for _, t := range types {
		evs = append(evs, m.event(t, j, now))
	}
	return evs
}
