package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/kafka"
	"github.com/devlikebear/aiapps-sub000/internal/queue"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

// Submission is the message shape accepted by the intake topic.
type Submission struct {
	Type       domain.JobType  `json:"type"`
	Params     json.RawMessage `json:"params"`
	Priority   *int            `json:"priority,omitempty"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
}

// Options converts the optional fields to queue.AddOption values.
func (s Submission) Options() []queue.AddOption {
	var opts []queue.AddOption
	if s.Priority != nil {
		opts = append(opts, queue.WithPriority(*s.Priority))
	}
	if s.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*s.MaxRetries))
	}
	return opts
}

// Intake turns messages from a Kafka topic into queued jobs.
type Intake struct {
	consumer kafka.Consumer
	queue    *queue.Manager
	logger   *slog.Logger
}

func NewIntake(consumer kafka.Consumer, q *queue.Manager, logger *slog.Logger) *Intake {
	return &Intake{consumer: consumer, queue: q, logger: logger}
}

// Run consumes until ctx is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	return in.consumer.Consume(ctx, in.handle)
}

// handle always returns nil: a message that cannot become a job is logged
// and committed rather than redelivered forever.
func (in *Intake) handle(ctx context.Context, msg kafka.Message) error {
	var sub Submission
	if err := json.Unmarshal(msg.Value, &sub); err != nil {
		in.reject(msg, err)
		return nil
	}

	job, err := in.queue.Submit(ctx, sub.Type, sub.Params, sub.Options()...)
	if err != nil {
		in.reject(msg, err)
		return nil
	}

	telemetry.IntakeMessagesTotal.WithLabelValues("accepted").Inc()
	in.logger.Debug("submission accepted",
		slog.String("job_id", job.ID),
		slog.Int64("offset", msg.Offset),
	)
	return nil
}

func (in *Intake) reject(msg kafka.Message, err error) {
	telemetry.IntakeMessagesTotal.WithLabelValues("rejected").Inc()
	attrs := []any{
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
		slog.String("error", err.Error()),
	}
	var invalid *domain.InvalidJobTypeError
	if errors.As(err, &invalid) {
		attrs = append(attrs, slog.String("type", invalid.JobType))
	}
	in.logger.Warn("discarding submission", attrs...)
}
