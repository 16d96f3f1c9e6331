package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlikebear/aiapps-sub000/internal/clock"
	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/events"
	"github.com/devlikebear/aiapps-sub000/internal/queue"
	"github.com/devlikebear/aiapps-sub000/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects every event published on a bus.
type recorder struct {
	mu  sync.Mutex
	evs []domain.Event
}

func (r *recorder) listen(ev domain.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.evs = nil
	r.mu.Unlock()
}

type fixture struct {
	mgr   *queue.Manager
	store *store.Memory
	clock *clock.Fake
	rec   *recorder
}

func newFixture(t *testing.T, opts ...queue.Option) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory(), clock: clock.NewFake(epoch), rec: &recorder{}}
	return f.open(opts...)
}

func (f *fixture) open(opts ...queue.Option) *fixture {
	bus := events.NewBus(discardLogger())
	bus.Subscribe(domain.EventAll, f.rec.listen)
	base := []queue.Option{queue.WithClock(f.clock), queue.WithLogger(discardLogger())}
	f.mgr = queue.NewManager(f.store, bus, append(base, opts...)...)
	return f
}

func (f *fixture) addTweet(t *testing.T, opts ...queue.AddOption) *domain.Job {
	t.Helper()
	j, err := f.mgr.AddTweetJob(context.Background(), domain.TweetGenerateParams{Topic: "launch"}, opts...)
	require.NoError(t, err)
	return j
}

func TestAddAudioJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.mgr.AddAudioJob(ctx, domain.AudioGenerateParams{Prompt: "epic battle theme"}, queue.WithPriority(5))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.Equal(t, 0, j.RetryCount)
	assert.Equal(t, 5, j.Priority)
	assert.Equal(t, queue.DefaultMaxRetries, j.MaxRetries)
	assert.Equal(t, epoch, j.CreatedAt)
	assert.True(t, strings.HasPrefix(j.ID, "audio-generate-"), j.ID)
	assert.JSONEq(t, `{"prompt":"epic battle theme"}`, string(j.Params))
	assert.Equal(t, []domain.EventType{domain.EventJobAdded}, f.rec.types())

	stored := f.mgr.GetJob(ctx, j.ID)
	require.NotNil(t, stored)
	assert.Equal(t, j.ID, stored.ID)
}

func TestAdd_PriorityAndRetryDefaults(t *testing.T) {
	f := newFixture(t, queue.WithDefaultPriority(7), queue.WithDefaultMaxRetries(1))

	assert.Equal(t, 7, f.addTweet(t).Priority)
	assert.Equal(t, 10, f.addTweet(t, queue.WithPriority(42)).Priority)
	assert.Equal(t, 1, f.addTweet(t, queue.WithPriority(-3)).Priority)
	assert.Equal(t, 1, f.addTweet(t).MaxRetries)
	assert.Equal(t, 0, f.addTweet(t, queue.WithMaxRetries(-1)).MaxRetries)
}

func TestAdd_IDsAreUnique(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for range 20 {
		j := f.addTweet(t)
		assert.False(t, seen[j.ID], "duplicate id %s", j.ID)
		seen[j.ID] = true
	}
}

func TestSubmit_RejectsUnknownTypeAndInvalidJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Submit(ctx, "video-generate", json.RawMessage(`{}`))
	var invalid *domain.InvalidJobTypeError
	require.True(t, errors.As(err, &invalid))

	_, err = f.mgr.Submit(ctx, domain.TypeImageGenerate, json.RawMessage(`{"prompt":`))
	require.Error(t, err)

	// Content is not validated.
	j, err := f.mgr.Submit(ctx, domain.TypeImageGenerate, json.RawMessage(`{"whatever":true}`))
	require.NoError(t, err)
	assert.Equal(t, domain.TypeImageGenerate, j.Type)
	assert.Len(t, f.mgr.GetJobs(ctx, queue.Filter{}), 1)
}

func TestGetJobs_NewestFirstAndFiltered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.addTweet(t)
	f.clock.Advance(time.Second)
	img, err := f.mgr.AddImageJob(ctx, domain.ImageGenerateParams{Prompt: "castle"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	last := f.addTweet(t)

	all := f.mgr.GetJobs(ctx, queue.Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{last.ID, img.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	tweets := f.mgr.GetJobs(ctx, queue.Filter{Type: domain.TypeTweetGenerate})
	require.Len(t, tweets, 2)
	assert.Equal(t, last.ID, tweets[0].ID)

	f.mgr.UpdateJob(ctx, img.ID, queue.JobUpdate{Status: domain.StatusProcessing})
	assert.Len(t, f.mgr.GetPendingJobs(ctx, ""), 2)
	assert.Len(t, f.mgr.GetPendingJobs(ctx, domain.TypeImageGenerate), 0)
	assert.Len(t, f.mgr.GetProcessingJobs(ctx, domain.TypeImageGenerate), 1)
	assert.Empty(t, f.mgr.GetCompletedJobs(ctx, ""))
}

func TestGetJob_ReturnsCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.addTweet(t)

	got := f.mgr.GetJob(ctx, j.ID)
	got.Status = domain.StatusCompleted
	assert.Equal(t, domain.StatusPending, f.mgr.GetJob(ctx, j.ID).Status)
	assert.Nil(t, f.mgr.GetJob(ctx, "missing"))
}

func TestUpdateJob_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.addTweet(t)
	f.rec.reset()

	f.clock.Advance(time.Second)
	got := f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusProcessing, Progress: queue.Progress(5)})
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 5, got.Progress)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, epoch.Add(time.Second), *got.StartedAt)
	assert.Equal(t, []domain.EventType{domain.EventJobStarted, domain.EventJobProgress, domain.EventJobUpdated}, f.rec.types())

	f.rec.reset()
	got = f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Progress: queue.Progress(250)})
	assert.Equal(t, 100, got.Progress, "progress is clamped")
	assert.Equal(t, []domain.EventType{domain.EventJobProgress, domain.EventJobUpdated}, f.rec.types())

	f.rec.reset()
	got = f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Progress: queue.Progress(40)})
	f.clock.Advance(time.Second)
	got = f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusCompleted, Result: json.RawMessage(`{"text":"hi"}`)})
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress, "completion forces progress to 100")
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, epoch.Add(2*time.Second), *got.CompletedAt)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Result))
	assert.Contains(t, f.rec.types(), domain.EventJobCompleted)
}

func TestUpdateJob_RejectsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.addTweet(t)
	f.rec.reset()

	got := f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusCompleted, Progress: queue.Progress(80)})
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress, "rejected update leaves every field alone")
	assert.Empty(t, f.rec.types())
	assert.Equal(t, domain.StatusPending, f.mgr.GetJob(ctx, j.ID).Status)
}

func TestUpdateJob_UnknownID(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.mgr.UpdateJob(context.Background(), "nope", queue.JobUpdate{Status: domain.StatusProcessing}))
	assert.Empty(t, f.rec.types())
}

func TestFailedJob_RetryUntilExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.addTweet(t)

	fail := func() {
		f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusProcessing})
		got := f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusFailed, Error: "rate limited"})
		require.Equal(t, domain.StatusFailed, got.Status)
		require.Equal(t, "rate limited", got.Error)
		require.NotNil(t, got.CompletedAt)
	}

	fail()
	got := f.mgr.RetryJob(ctx, j.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Error)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	fail()
	f.mgr.RetryJob(ctx, j.ID)
	fail()
	got = f.mgr.RetryJob(ctx, j.ID)
	assert.Equal(t, 3, got.RetryCount)

	fail()
	f.rec.reset()
	got = f.mgr.RetryJob(ctx, j.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount, "exhausted retry is a no-op")
	assert.Empty(t, f.rec.types())
}

func TestRetryJob_CompletedIsUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.addTweet(t)
	f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusProcessing})
	f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusCompleted})

	got := f.mgr.RetryJob(ctx, j.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, f.mgr.RetryJob(ctx, "missing"))
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.addTweet(t)
	f.rec.reset()
	got := f.mgr.CancelJob(ctx, pending.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 0, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.Contains(t, f.rec.types(), domain.EventJobCancelled)
	assert.Empty(t, f.mgr.GetPendingJobs(ctx, ""))

	running := f.addTweet(t)
	f.mgr.UpdateJob(ctx, running.ID, queue.JobUpdate{Status: domain.StatusProcessing, Progress: queue.Progress(30)})
	got = f.mgr.CancelJob(ctx, running.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 0, got.Progress)

	// A late handler result cannot overwrite the cancellation.
	got = f.mgr.UpdateJob(ctx, running.ID, queue.JobUpdate{Status: domain.StatusCompleted})
	assert.Equal(t, domain.StatusCancelled, got.Status)

	// A cancelled job can be retried.
	got = f.mgr.RetryJob(ctx, running.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestCancelJob_CompletedIsUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.addTweet(t)
	f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusProcessing})
	f.mgr.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: domain.StatusCompleted})
	f.rec.reset()

	got := f.mgr.CancelJob(ctx, j.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, f.rec.types())
	assert.Nil(t, f.mgr.CancelJob(ctx, "missing"))
}

func TestDeleteAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.addTweet(t)
	f.mgr.UpdateJob(ctx, done.ID, queue.JobUpdate{Status: domain.StatusProcessing})
	f.mgr.UpdateJob(ctx, done.ID, queue.JobUpdate{Status: domain.StatusCompleted})
	bad := f.addTweet(t)
	f.mgr.UpdateJob(ctx, bad.ID, queue.JobUpdate{Status: domain.StatusProcessing})
	f.mgr.UpdateJob(ctx, bad.ID, queue.JobUpdate{Status: domain.StatusFailed, Error: "boom"})
	keep := f.addTweet(t)
	f.rec.reset()

	assert.Equal(t, 1, f.mgr.ClearCompleted(ctx))
	assert.Equal(t, 1, f.mgr.ClearFailed(ctx))
	assert.Equal(t, 0, f.mgr.ClearFailed(ctx))
	assert.Equal(t, []domain.EventType{domain.EventJobRemoved, domain.EventJobRemoved}, f.rec.types())

	assert.True(t, f.mgr.DeleteJob(ctx, keep.ID))
	assert.False(t, f.mgr.DeleteJob(ctx, keep.ID))
	assert.Empty(t, f.mgr.GetJobs(ctx, queue.Filter{}))
}

func TestSetJobPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.addTweet(t)

	assert.Equal(t, 10, f.mgr.SetJobPriority(ctx, j.ID, 99).Priority)
	assert.Equal(t, 1, f.mgr.SetJobPriority(ctx, j.ID, 0).Priority)
	assert.Equal(t, 1, f.mgr.GetJob(ctx, j.ID).Priority)
	assert.Nil(t, f.mgr.SetJobPriority(ctx, "missing", 3))
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addTweet(t)
	running := f.addTweet(t)
	f.mgr.UpdateJob(ctx, running.ID, queue.JobUpdate{Status: domain.StatusProcessing})
	img, err := f.mgr.AddImageJob(ctx, domain.ImageGenerateParams{Prompt: "x"})
	require.NoError(t, err)
	f.mgr.CancelJob(ctx, img.ID)

	st := f.mgr.GetStats(ctx)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Processing)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 0, st.Completed+st.Failed)
	assert.Equal(t, map[domain.JobType]int{domain.TypeTweetGenerate: 2, domain.TypeImageGenerate: 1}, st.ByType)
}

func seed(t *testing.T, st store.Store, jobs ...*domain.Job) {
	t.Helper()
	require.NoError(t, st.Save(context.Background(), domain.Snapshot{Jobs: jobs, LastUpdated: epoch}))
}

func TestLoad_EvictsOldestBeyondCapacity(t *testing.T) {
	f := newFixture(t)
	jobs := make([]*domain.Job, 150)
	for i := range jobs {
		jobs[i] = &domain.Job{
			ID:         fmt.Sprintf("tweet-generate-%03d", i),
			Type:       domain.TypeTweetGenerate,
			Status:     domain.StatusPending,
			Priority:   5,
			MaxRetries: 3,
			CreatedAt:  epoch.Add(-time.Duration(150-i) * time.Minute),
		}
	}
	// An old job completed recently ranks by its completion time.
	done := epoch.Add(-time.Second)
	jobs[0].Status = domain.StatusCompleted
	jobs[0].CompletedAt = &done
	seed(t, f.store, jobs...)

	got := f.mgr.GetJobs(context.Background(), queue.Filter{})
	require.Len(t, got, 100)
	ids := map[string]bool{}
	for _, j := range got {
		ids[j.ID] = true
	}
	assert.True(t, ids["tweet-generate-000"])
	assert.False(t, ids["tweet-generate-050"])
	assert.True(t, ids["tweet-generate-051"])
	assert.True(t, ids["tweet-generate-149"])
}

func TestAdd_NeverExceedsCapacity(t *testing.T) {
	f := newFixture(t, queue.WithMaxQueueSize(3))
	var last *domain.Job
	for range 5 {
		last = f.addTweet(t)
	}
	got := f.mgr.GetJobs(context.Background(), queue.Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, last.ID, got[0].ID, "the newest job survives eviction even on a tied timestamp")
}

func TestLoad_RetentionDropsOnlyOldCompletedJobs(t *testing.T) {
	f := newFixture(t, queue.WithRetention(24*time.Hour))
	old := epoch.Add(-48 * time.Hour)
	seed(t, f.store,
		&domain.Job{ID: "old-completed", Type: domain.TypeTweetGenerate, Status: domain.StatusCompleted, CreatedAt: old, CompletedAt: &old},
		&domain.Job{ID: "old-failed", Type: domain.TypeTweetGenerate, Status: domain.StatusFailed, CreatedAt: old, CompletedAt: &old, Error: "x"},
		&domain.Job{ID: "stuck", Type: domain.TypeTweetGenerate, Status: domain.StatusProcessing, CreatedAt: old, StartedAt: &old},
	)

	ctx := context.Background()
	assert.Nil(t, f.mgr.GetJob(ctx, "old-completed"))
	assert.NotNil(t, f.mgr.GetJob(ctx, "old-failed"))
	assert.NotNil(t, f.mgr.GetJob(ctx, "stuck"))

	// Reads prune without writing back; Compact persists the result.
	assert.Equal(t, 1, f.mgr.Compact(ctx))
	assert.Equal(t, 0, f.mgr.Compact(ctx))
}

func TestCompact_PersistsPrunedSnapshot(t *testing.T) {
	f := newFixture(t, queue.WithRetention(time.Hour))
	old := epoch.Add(-2 * time.Hour)
	seed(t, f.store, &domain.Job{ID: "a", Type: domain.TypeTweetGenerate, Status: domain.StatusCompleted, CreatedAt: old, CompletedAt: &old})

	assert.Equal(t, 1, f.mgr.Compact(context.Background()))

	snap, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Jobs)
	assert.Equal(t, epoch, snap.LastUpdated)
}

func TestLoad_CorruptSnapshotStartsEmpty(t *testing.T) {
	f := newFixture(t)
	f.store.SetRaw([]byte(`{"jobs":[{"id":`))

	assert.Empty(t, f.mgr.GetJobs(context.Background(), queue.Filter{}))

	j := f.addTweet(t)
	snap, err := f.store.Load(context.Background())
	require.NoError(t, err, "the next save overwrites the corrupt value")
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, j.ID, snap.Jobs[0].ID)
}

func TestLoad_ClampsOutOfRangeFields(t *testing.T) {
	f := newFixture(t)
	f.store.SetRaw([]byte(`{"jobs":[
		{"id":"tweet-generate-1","type":"tweet-generate","status":"processing","progress":150,"priority":42,"createdAt":1772362800000},
		null,
		{"id":"tweet-generate-2","type":"tweet-generate","status":"pending","progress":-3,"priority":0,"createdAt":1772362801000}
	],"lastUpdated":1772362801000}`))
	ctx := context.Background()

	high := f.mgr.GetJob(ctx, "tweet-generate-1")
	require.NotNil(t, high)
	assert.Equal(t, 100, high.Progress)
	assert.Equal(t, 10, high.Priority)

	low := f.mgr.GetJob(ctx, "tweet-generate-2")
	require.NotNil(t, low)
	assert.Equal(t, 0, low.Progress)
	assert.Equal(t, 1, low.Priority)

	assert.Len(t, f.mgr.GetJobs(ctx, queue.Filter{}), 2)
}

// flakyStore fails loads or saves on demand.
type flakyStore struct {
	*store.Memory
	loadErr error
	saveErr error
}

func (s *flakyStore) Load(ctx context.Context) (domain.Snapshot, error) {
	if s.loadErr != nil {
		return domain.Snapshot{}, s.loadErr
	}
	return s.Memory.Load(ctx)
}

func (s *flakyStore) Save(ctx context.Context, snap domain.Snapshot) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Memory.Save(ctx, snap)
}

func TestLoad_ReadFailureUsesLastKnownSnapshot(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory()}
	mgr := queue.NewManager(st, nil, queue.WithClock(clock.NewFake(epoch)), queue.WithLogger(discardLogger()))
	ctx := context.Background()

	j, err := mgr.AddTweetJob(ctx, domain.TweetGenerateParams{Topic: "a"})
	require.NoError(t, err)

	st.loadErr = errors.New("disk unplugged")
	got := mgr.GetJob(ctx, j.ID)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestSave_FailureStillReturnsResultAndEmits(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(), saveErr: errors.New("quota exceeded")}
	rec := &recorder{}
	bus := events.NewBus(discardLogger())
	bus.Subscribe(domain.EventJobAdded, rec.listen)
	mgr := queue.NewManager(st, bus, queue.WithClock(clock.NewFake(epoch)), queue.WithLogger(discardLogger()))

	j, err := mgr.AddTweetJob(context.Background(), domain.TweetGenerateParams{Topic: "a"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Equal(t, []domain.EventType{domain.EventJobAdded}, rec.types())
	assert.Empty(t, st.Raw())
}

func TestManagers_ShareNothing(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)
	a.addTweet(t)
	assert.Empty(t, b.mgr.GetJobs(context.Background(), queue.Filter{}))
}

func TestEvents_CarryJobCopies(t *testing.T) {
	f := newFixture(t)
	j := f.addTweet(t)

	f.rec.mu.Lock()
	require.Len(t, f.rec.evs, 1)
	ev := f.rec.evs[0]
	f.rec.mu.Unlock()

	assert.Equal(t, j.ID, ev.JobID)
	assert.Equal(t, epoch, ev.Timestamp)
	ev.Job.Status = domain.StatusFailed
	assert.Equal(t, domain.StatusPending, f.mgr.GetJob(context.Background(), j.ID).Status)
}
