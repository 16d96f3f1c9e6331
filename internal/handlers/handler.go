package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
)

// Handler performs the work for one job type. A non-nil error fails the job
// and its message is recorded verbatim.
type Handler interface {
	JobType() domain.JobType
	Handle(ctx context.Context, params domain.Params) (json.RawMessage, error)
}

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler)}
}

// Register adds a handler, replacing any previous one for the same type.
// Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.JobType()] = h
}

// Get returns the handler for the given job type.
// Returns InvalidJobTypeError if not registered.
func (r *Registry) Get(jobType domain.JobType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, &domain.InvalidJobTypeError{JobType: string(jobType)}
	}
	return h, nil
}

// Types lists the registered job types in sorted order.
func (r *Registry) Types() []domain.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Func adapts a plain function to a Handler.
type Func struct {
	Type domain.JobType
	Fn   func(ctx context.Context, params domain.Params) (json.RawMessage, error)
}

func (f Func) JobType() domain.JobType { return f.Type }

func (f Func) Handle(ctx context.Context, params domain.Params) (json.RawMessage, error) {
	return f.Fn(ctx, params)
}

// Typed adapts a function over one concrete params variant. The result is
// encoded as JSON.
type Typed[P domain.Params, R any] func(ctx context.Context, params P) (R, error)

func (t Typed[P, R]) JobType() domain.JobType {
	var zero P
	return zero.JobType()
}

func (t Typed[P, R]) Handle(ctx context.Context, params domain.Params) (json.RawMessage, error) {
	p, ok := params.(P)
	if !ok {
		return nil, fmt.Errorf("%s handler received %T params", t.JobType(), params)
	}
	res, err := t(ctx, p)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", t.JobType(), err)
	}
	return out, nil
}

type progressKey struct{}

// ProgressFunc receives progress reports in [0, 100].
type ProgressFunc func(progress int)

// WithProgress returns a context carrying fn for ReportProgress.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards an intermediate progress value to whoever is
// running the handler. It is a no-op outside a processor.
func ReportProgress(ctx context.Context, progress int) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(progress)
	}
}
