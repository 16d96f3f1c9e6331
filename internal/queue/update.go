package queue

import (
	"encoding/json"
	"time"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
)

// JobUpdate is a partial change to a job. Zero fields are left alone:
// an empty Status, a nil Progress, a nil Result and an empty Error.
type JobUpdate struct {
	Status   domain.Status
	Progress *int
	Result   json.RawMessage
	Error    string
}

// Progress returns a pointer for JobUpdate.Progress.
func Progress(p int) *int { return &p }

// applyUpdate merges upd into j in place and returns the event types to
// publish. ok is false when the status change is not in the transition
// table, in which case j is left untouched.
func applyUpdate(j *domain.Job, upd JobUpdate, now time.Time) (evs []domain.EventType, ok bool) {
	from := j.Status
	if upd.Status != "" && upd.Status != from && !domain.CanTransition(from, upd.Status) {
		return nil, false
	}

	prevProgress := j.Progress
	if upd.Status != "" {
		j.Status = upd.Status
	}
	if upd.Progress != nil {
		j.Progress = domain.ClampProgress(*upd.Progress)
	}

	entered := j.Status != from
	if entered {
		switch j.Status {
		case domain.StatusProcessing:
			if j.StartedAt == nil {
				t := now
				j.StartedAt = &t
			}
		case domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
			if j.CompletedAt == nil {
				t := now
				j.CompletedAt = &t
			}
		}
	}

	switch j.Status {
	case domain.StatusCompleted:
		j.Progress = domain.MaxProgress
		if upd.Result != nil {
			j.Result = append(json.RawMessage(nil), upd.Result...)
		}
		j.Error = ""
	case domain.StatusFailed:
		if upd.Error != "" {
			j.Error = upd.Error
		} else if j.Error == "" {
			j.Error = "unknown error"
		}
	default:
		j.Error = ""
	}

	if entered {
		if t, ok := domain.StatusEvent(j.Status); ok {
			evs = append(evs, t)
		}
	}
	if j.Progress != prevProgress {
		evs = append(evs, domain.EventJobProgress)
	}
	evs = append(evs, domain.EventJobUpdated)
	return evs, true
}
