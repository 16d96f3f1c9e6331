package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/events"
)

type sent struct {
	key, eventType string
	value          []byte
}

type fakeSink struct {
	mu     sync.Mutex
	msgs   []sent
	fail   int // fail this many publishes first
	closed bool
}

func (s *fakeSink) Publish(_ context.Context, key, eventType string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("broker unavailable")
	}
	s.msgs = append(s.msgs, sent{key, eventType, value})
	return nil
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestEventForwarder_ForwardsEveryEvent(t *testing.T) {
	bus := events.NewBus(discardLogger)
	sink := &fakeSink{fail: 1}
	fwd := NewEventForwarder(bus, sink, 8, discardLogger)

	ctx, cancel := context.WithCancel(context.Background())
	go fwd.Run(ctx)

	job := &domain.Job{ID: "tweet-generate-1", Type: domain.TypeTweetGenerate, Status: domain.StatusPending}
	bus.Publish(domain.Event{Type: domain.EventJobAdded, JobID: job.ID, Job: job, Timestamp: time.UnixMilli(1000)})
	bus.Publish(domain.Event{Type: domain.EventJobRemoved, JobID: job.ID, Job: job, Timestamp: time.UnixMilli(2000)})

	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, fwd.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.closed)
	assert.Equal(t, "tweet-generate-1", sink.msgs[0].key)
	assert.Equal(t, "job:added", sink.msgs[0].eventType)

	var ev map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sink.msgs[0].value, &ev))
	assert.JSONEq(t, `"job:added"`, string(ev["type"]))
	assert.JSONEq(t, `"tweet-generate-1"`, string(ev["jobId"]))
	assert.Equal(t, 0, bus.Len(domain.EventAll), "unsubscribed on shutdown")
}

func TestEventForwarder_DropsWhenBufferFull(t *testing.T) {
	bus := events.NewBus(discardLogger)
	sink := &fakeSink{}
	fwd := NewEventForwarder(bus, sink, 1, discardLogger)

	// Run is not started, so the second event has nowhere to go.
	bus.Publish(domain.Event{Type: domain.EventJobAdded, JobID: "a"})
	bus.Publish(domain.Event{Type: domain.EventJobAdded, JobID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fwd.Run(ctx)
	require.NoError(t, fwd.Close())
	assert.Equal(t, 1, sink.count(), "the queued event is flushed, the overflow is dropped")
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.eventType)
	}
	return out
}

func TestEventForwarder_DeliversEventsFromDrainedJobs(t *testing.T) {
	h := newHarness(t, WithPollInterval(10*time.Millisecond))
	gated := newGatedHandler()
	h.reg.Register(gated)

	sink := &fakeSink{}
	fwd := NewEventForwarder(h.mgr.Bus(), sink, 16, discardLogger)
	fwdCtx, fwdCancel := context.WithCancel(context.Background())
	defer fwdCancel()
	go fwd.Run(fwdCtx)

	j := h.addTweet(t, "last")
	runCtx, runCancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.proc.Run(runCtx) }()
	require.Eventually(t, func() bool { return h.proc.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Shutdown order: stop dispatching, drain, then stop forwarding.
	runCancel()
	require.NoError(t, <-runDone)
	gated.release("last", nil)
	h.proc.Wait()
	fwdCancel()
	require.NoError(t, fwd.Close())

	assert.Equal(t, domain.StatusCompleted, h.status(j.ID))
	assert.Contains(t, sink.types(), string(domain.EventJobCompleted))
}
