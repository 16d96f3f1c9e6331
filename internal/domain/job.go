package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	MinProgress = 0
	MaxProgress = 100
	MinPriority = 1
	MaxPriority = 10
)

// Job is the core domain entity representing one long-running generation request.
//
// Params and Result are opaque to the queue; only handlers interpret them.
// Fields the current version does not know about are kept in extra so that
// snapshots written by newer versions survive a load/save cycle.
type Job struct {
	ID          string
	Type        JobType
	Status      Status
	Params      json.RawMessage
	Result      json.RawMessage
	Progress    int
	Priority    int
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string

	extra map[string]json.RawMessage
}

// ClampProgress bounds p to [0, 100].
func ClampProgress(p int) int {
	return clamp(p, MinProgress, MaxProgress)
}

// ClampPriority bounds p to [1, 10].
func ClampPriority(p int) int {
	return clamp(p, MinPriority, MaxPriority)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RecencyTime is the instant used to rank jobs for capacity eviction.
func (j *Job) RecencyTime() time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

// CanRetry reports whether RetryJob would accept this job.
func (j *Job) CanRetry() bool {
	return CanTransition(j.Status, StatusPending) && j.RetryCount < j.MaxRetries
}

// Clone returns a deep copy so callers can never alias queue state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Params = cloneRaw(j.Params)
	c.Result = cloneRaw(j.Result)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(j.extra))
		for k, v := range j.extra {
			c.extra[k] = cloneRaw(v)
		}
	}
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// jobWire is the persisted shape. Timestamps are unix milliseconds.
type jobWire struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      Status          `json:"status"`
	Params      json.RawMessage `json:"params,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Progress    int             `json:"progress"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   int64           `json:"createdAt"`
	StartedAt   *int64          `json:"startedAt,omitempty"`
	CompletedAt *int64          `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

var knownJobKeys = map[string]struct{}{
	"id": {}, "type": {}, "status": {}, "params": {}, "result": {}, "progress": {},
	"priority": {}, "retryCount": {}, "maxRetries": {}, "createdAt": {},
	"startedAt": {}, "completedAt": {}, "error": {},
}

// MarshalJSON writes the known fields on top of any preserved unknown ones.
func (j Job) MarshalJSON() ([]byte, error) {
	w := jobWire{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Params:      j.Params,
		Result:      j.Result,
		Progress:    j.Progress,
		Priority:    j.Priority,
		RetryCount:  j.RetryCount,
		MaxRetries:  j.MaxRetries,
		CreatedAt:   toMillis(j.CreatedAt),
		StartedAt:   toMillisPtr(j.StartedAt),
		CompletedAt: toMillisPtr(j.CompletedAt),
		Error:       j.Error,
	}
	if len(j.extra) == 0 {
		return json.Marshal(w)
	}

	known, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(j.extra)+len(knownJobKeys))
	for k, v := range j.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the known fields and stashes everything else.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode job fields: %w", err)
	}

	*j = Job{
		ID:          w.ID,
		Type:        w.Type,
		Status:      w.Status,
		Params:      w.Params,
		Result:      w.Result,
		Progress:    w.Progress,
		Priority:    w.Priority,
		RetryCount:  w.RetryCount,
		MaxRetries:  w.MaxRetries,
		CreatedAt:   fromMillis(w.CreatedAt),
		StartedAt:   fromMillisPtr(w.StartedAt),
		CompletedAt: fromMillisPtr(w.CompletedAt),
		Error:       w.Error,
	}
	for k, v := range fields {
		if _, ok := knownJobKeys[k]; ok {
			continue
		}
		if j.extra == nil {
			j.extra = make(map[string]json.RawMessage)
		}
		j.extra[k] = v
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// Snapshot is the entire persisted queue state.
type Snapshot struct {
	Jobs        []*Job
	LastUpdated time.Time
}

type snapshotWire struct {
	Jobs        []*Job `json:"jobs"`
	LastUpdated int64  `json:"lastUpdated"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	jobs := s.Jobs
	if jobs == nil {
		jobs = []*Job{}
	}
	return json.Marshal(snapshotWire{Jobs: jobs, LastUpdated: toMillis(s.LastUpdated)})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	jobs := make([]*Job, 0, len(w.Jobs))
	for _, j := range w.Jobs {
		if j != nil {
			jobs = append(jobs, j)
		}
	}
	s.Jobs = jobs
	s.LastUpdated = fromMillis(w.LastUpdated)
	return nil
}
