package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/queue"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

// DefaultMaintenanceSchedule compacts the snapshot every ten minutes.
const DefaultMaintenanceSchedule = "*/10 * * * *"

// Maintenance periodically compacts the snapshot and refreshes the queue
// depth gauges.
type Maintenance struct {
	queue  *queue.Manager
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenance parses schedule (standard five-field cron syntax, or a
// descriptor such as "@every 5m") and registers the job.
func NewMaintenance(q *queue.Manager, schedule string, logger *slog.Logger) (*Maintenance, error) {
	m := &Maintenance{queue: q, cron: cron.New(), logger: logger}
	if _, err := m.cron.AddFunc(schedule, func() { m.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", schedule, err)
	}
	return m, nil
}

// RunOnce compacts the snapshot and updates the gauges.
func (m *Maintenance) RunOnce(ctx context.Context) int {
	removed := m.queue.Compact(ctx)
	st := m.queue.GetStats(ctx)
	counts := map[domain.Status]int{
		domain.StatusPending:    st.Pending,
		domain.StatusProcessing: st.Processing,
		domain.StatusCompleted:  st.Completed,
		domain.StatusFailed:     st.Failed,
		domain.StatusCancelled:  st.Cancelled,
	}
	for status, n := range counts {
		telemetry.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}

	m.logger.Info("maintenance run",
		slog.Int("removed", removed),
		slog.Int("total", st.Total),
		slog.Int("pending", st.Pending),
		slog.Int("processing", st.Processing),
	)
	return removed
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// a running compaction to finish.
func (m *Maintenance) Run(ctx context.Context) {
	m.RunOnce(ctx)
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
}
