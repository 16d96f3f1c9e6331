package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/events"
	"github.com/devlikebear/aiapps-sub000/internal/handlers"
	"github.com/devlikebear/aiapps-sub000/internal/queue"
	redisstore "github.com/devlikebear/aiapps-sub000/internal/redis"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

// StartProgress is recorded when a job is dispatched so callers can tell a
// started job from a queued one.
const StartProgress = 5

// InterruptedError is recorded on jobs found processing at startup.
const InterruptedError = "interrupted by restart"

// SelectionOrder decides which pending jobs fill free slots first.
type SelectionOrder string

const (
	// OrderFIFO picks the oldest created job first.
	OrderFIFO SelectionOrder = "fifo"
	// OrderPriority picks the highest priority first, then the oldest.
	OrderPriority SelectionOrder = "priority"
)

// RecoverPolicy decides what happens to jobs left processing by a previous run.
type RecoverPolicy string

const (
	RecoverFail  RecoverPolicy = "fail"
	RecoverLeave RecoverPolicy = "leave"
)

// Processor drains pending jobs into handlers without exceeding maxConcurrent.
//
// Tick is the unit of work; Run drives it from a ticker and re-evaluates
// immediately whenever a handler settles.
type Processor struct {
	queue         *queue.Manager
	registry      *handlers.Registry
	limiter       redisstore.RateLimiter
	logger        *slog.Logger
	maxConcurrent int
	pollInterval  time.Duration
	timeout       time.Duration
	order         SelectionOrder
	recoverPolicy RecoverPolicy

	tickMu   sync.Mutex
	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	wg       sync.WaitGroup
	wake     chan struct{}
	sub      events.Subscription
}

// Option configures a Processor.
type Option func(*Processor)

func WithMaxConcurrent(n int) Option             { return func(p *Processor) { p.maxConcurrent = n } }
func WithPollInterval(d time.Duration) Option    { return func(p *Processor) { p.pollInterval = d } }
func WithTimeout(d time.Duration) Option         { return func(p *Processor) { p.timeout = d } }
func WithSelectionOrder(o SelectionOrder) Option { return func(p *Processor) { p.order = o } }
func WithRecoverPolicy(r RecoverPolicy) Option   { return func(p *Processor) { p.recoverPolicy = r } }
func WithLogger(l *slog.Logger) Option           { return func(p *Processor) { p.logger = l } }

// WithLimiter gates each dispatch on a per-type rate limit. A limited job
// stays pending for a later tick.
func WithLimiter(l redisstore.RateLimiter) Option { return func(p *Processor) { p.limiter = l } }

// NewProcessor constructs a Processor and subscribes it to job:cancelled so
// that cancelling a processing job cancels its handler context. Call Close
// to unsubscribe.
func NewProcessor(q *queue.Manager, registry *handlers.Registry, opts ...Option) *Processor {
	p := &Processor{
		queue:         q,
		registry:      registry,
		logger:        slog.Default(),
		maxConcurrent: 3,
		pollInterval:  time.Second,
		timeout:       5 * time.Minute,
		order:         OrderFIFO,
		recoverPolicy: RecoverFail,
		inFlight:      make(map[string]context.CancelFunc),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sub = q.Bus().Subscribe(domain.EventJobCancelled, func(ev domain.Event) {
		p.interrupt(ev.JobID)
	})
	return p
}

// Close unsubscribes from the bus. In-flight handlers are not affected.
func (p *Processor) Close() {
	p.queue.Bus().Unsubscribe(p.sub)
}

// Run ticks until ctx is cancelled. It returns nil on shutdown; call Wait
// afterwards to drain in-flight handlers.
func (p *Processor) Run(ctx context.Context) error {
	if p.pollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.pollInterval)
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		case <-p.wake:
			p.Tick(ctx)
		}
	}
}

// Wait blocks until every dispatched handler has settled.
func (p *Processor) Wait() { p.wg.Wait() }

// InFlight returns the number of jobs currently executing.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Tick dispatches up to the free capacity and returns how many jobs started.
// Only jobs pending when the tick begins are considered.
func (p *Processor) Tick(ctx context.Context) int {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	free := p.maxConcurrent - p.InFlight()
	if free <= 0 {
		return 0
	}

	candidates := p.queue.GetPendingJobs(ctx, "")
	p.sortCandidates(candidates)

	started := 0
	for _, j := range candidates {
		if started >= free || ctx.Err() != nil {
			break
		}
		if p.isInFlight(j.ID) || !p.allow(ctx, j) {
			continue
		}
		if p.dispatch(ctx, j) {
			started++
		}
	}
	return started
}

// Recover applies the restart policy to jobs left processing by a previous
// run and returns how many were changed.
func (p *Processor) Recover(ctx context.Context) int {
	stale := p.queue.GetProcessingJobs(ctx, "")
	if p.recoverPolicy == RecoverLeave {
		if len(stale) > 0 {
			p.logger.Warn("leaving jobs from a previous run in processing",
				slog.Int("count", len(stale)),
			)
		}
		return 0
	}

	n := 0
	for _, j := range stale {
		if p.isInFlight(j.ID) {
			continue
		}
		got := p.queue.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusFailed, Error: InterruptedError})
		if got != nil && got.Status == domain.StatusFailed {
			n++
		}
	}
	if n > 0 {
		p.logger.Warn("failed jobs interrupted by restart", slog.Int("count", n))
	}
	return n
}

func (p *Processor) sortCandidates(jobs []*domain.Job) {
	// GetPendingJobs is newest first; reversing keeps insertion order on ties.
	for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
		jobs[i], jobs[j] = jobs[j], jobs[i]
	}
	byAge := func(a, b *domain.Job) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch p.order {
	case OrderPriority:
		sort.SliceStable(jobs, func(i, j int) bool {
			if jobs[i].Priority != jobs[j].Priority {
				return jobs[i].Priority > jobs[j].Priority
			}
			return byAge(jobs[i], jobs[j])
		})
	default:
		sort.SliceStable(jobs, func(i, j int) bool { return byAge(jobs[i], jobs[j]) })
	}
}

func (p *Processor) allow(ctx context.Context, j *domain.Job) bool {
	if p.limiter == nil {
		return true
	}
	ok, err := p.limiter.Allow(ctx, string(j.Type))
	if err != nil {
		// Fail open: the limiter is advisory.
		p.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return true
	}
	if !ok {
		telemetry.ProcessorRateLimitedTotal.Inc()
		p.logger.Debug("dispatch rate limited",
			slog.String("job_id", j.ID),
			slog.String("type", string(j.Type)),
			slog.Int("limit", p.limiter.Limit()),
		)
	}
	return ok
}

// dispatch claims an in-flight slot, moves the job to processing and starts
// its handler. It returns false when the job is no longer pending.
func (p *Processor) dispatch(ctx context.Context, j *domain.Job) bool {
	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.inFlight[j.ID] = cancel
	p.mu.Unlock()

	started := p.queue.UpdateJob(ctx, j.ID, queue.JobUpdate{
		Status:   domain.StatusProcessing,
		Progress: queue.Progress(StartProgress),
	})
	if started == nil || started.Status != domain.StatusProcessing {
		p.release(j.ID)
		cancel()
		return false
	}

	p.wg.Add(1)
	telemetry.JobsInFlight.Inc()
	go p.run(runCtx, cancel, started)
	return true
}

func (p *Processor) run(ctx context.Context, cancel context.CancelFunc, job *domain.Job) {
	defer func() {
		cancel()
		p.release(job.ID)
		telemetry.JobsInFlight.Dec()
		p.wg.Done()
		p.signal()
	}()

	ctx, span := telemetry.Tracer().Start(ctx, "processor.run_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.retry_count", job.RetryCount),
	)

	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
	)
	log.Info("job started")

	start := time.Now()
	result, err := p.execute(ctx, job)
	elapsed := time.Since(start)
	telemetry.JobDurationSeconds.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())

	// Reconcile on a context that outlives a cancelled handler.
	bg := context.WithoutCancel(ctx)
	var settled *domain.Job
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		settled = p.queue.UpdateJob(bg, job.ID, queue.JobUpdate{Status: domain.StatusFailed, Error: err.Error()})
	} else {
		settled = p.queue.UpdateJob(bg, job.ID, queue.JobUpdate{Status: domain.StatusCompleted, Result: result})
	}

	switch {
	case settled == nil:
		log.Warn("job removed while running, outcome discarded")
	case settled.Status == domain.StatusCancelled:
		log.Info("job cancelled while running, outcome discarded")
		telemetry.JobsProcessedTotal.WithLabelValues(string(job.Type), string(domain.StatusCancelled)).Inc()
	case settled.Status == domain.StatusCompleted:
		log.Info("job completed", slog.Int64("duration_ms", elapsed.Milliseconds()))
		telemetry.JobsProcessedTotal.WithLabelValues(string(job.Type), string(domain.StatusCompleted)).Inc()
	default:
		log.Error("job failed",
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("error", settled.Error),
		)
		telemetry.JobsProcessedTotal.WithLabelValues(string(job.Type), string(settled.Status)).Inc()
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

// execute runs the handler for job under the configured timeout. Panics and
// timeouts come back as errors; a handler that ignores ctx is abandoned once
// ctx is done.
func (p *Processor) execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	h, err := p.registry.Get(job.Type)
	if err != nil {
		return nil, err
	}
	params, err := domain.DecodeParams(job.Type, job.Params)
	if err != nil {
		return nil, err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	jobCtx := ctx
	ctx = handlers.WithProgress(ctx, func(progress int) {
		if jobCtx.Err() != nil {
			return
		}
		// Naming processing keeps a report from landing on a job that was
		// cancelled meanwhile.
		p.queue.UpdateJob(context.WithoutCancel(jobCtx), job.ID, queue.JobUpdate{
			Status:   domain.StatusProcessing,
			Progress: queue.Progress(progress),
		})
	})

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &domain.HandlerPanicError{Value: r}}
			}
		}()
		res, err := h.Handle(ctx, params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &domain.HandlerTimeoutError{Timeout: p.timeout}
			}
			return nil, o.err
		}
		return normalizeResult(o.result), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.HandlerTimeoutError{Timeout: p.timeout}
		}
		return nil, fmt.Errorf("handler cancelled: %w", ctx.Err())
	}
}

// normalizeResult keeps the stored snapshot valid JSON whatever a handler returns.
func normalizeResult(r json.RawMessage) json.RawMessage {
	if len(r) == 0 || json.Valid(r) {
		return r
	}
	out, _ := json.Marshal(string(r))
	return out
}

func (p *Processor) isInFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

func (p *Processor) release(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// interrupt cancels the handler context of an in-flight job.
func (p *Processor) interrupt(id string) {
	p.mu.Lock()
	cancel, ok := p.inFlight[id]
	p.mu.Unlock()
	if ok {
		p.logger.Info("cancelling running handler", slog.String("job_id", id))
		cancel()
	}
}

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
