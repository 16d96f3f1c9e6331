package domain

import "time"

// EventType names a queue notification.
type EventType string

const (
	EventJobAdded     EventType = "job:added"
	EventJobStarted   EventType = "job:started"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
	EventJobCancelled EventType = "job:cancelled"
	EventJobProgress  EventType = "job:progress"
	EventJobUpdated   EventType = "job:updated"
	EventJobRemoved   EventType = "job:removed"

	// EventAll subscribes to every event type.
	EventAll EventType = "*"
)

// Event is delivered to bus subscribers. Job is a private copy.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId"`
	Job       *Job      `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent returns the event announcing entry into status s, if any.
func StatusEvent(s Status) (EventType, bool) {
	switch s {
	case StatusProcessing:
		return EventJobStarted, true
	case StatusCompleted:
		return EventJobCompleted, true
	case StatusFailed:
		return EventJobFailed, true
	case StatusCancelled:
		return EventJobCancelled, true
	}
	return "", false
}
