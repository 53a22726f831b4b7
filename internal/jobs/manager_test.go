package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/channel"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/subtitle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedProcessor reports progress for total items, waiting on gate before
// each item when gate is set (only for blockURL when that is set).
type gatedProcessor struct {
	total    int
	gate     chan struct{}
	blockURL string
	err      error
	panic    bool

	mu    sync.Mutex
	calls int
}

func (p *gatedProcessor) ProcessStream(ctx context.Context, req channel.Request, progress channel.ProgressFunc) (*channel.BatchResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.panic {
		panic("processor exploded")
	}
	if p.err != nil {
		return nil, p.err
	}
	progress(channel.Progress{Index: 0, Total: p.total})
	res := &channel.BatchResult{ChannelName: "chan", ChannelURL: req.ChannelURL}
	for i := 0; i < p.total; i++ {
		if p.gate != nil && (p.blockURL == "" || p.blockURL == req.ChannelURL) {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		res.Items = append(res.Items, channel.ItemResult{VideoID: fmt.Sprintf("v%d", i), Outcome: channel.OutcomeExtracted})
		res.Attempted++
		res.Succeeded++
		progress(channel.Progress{Index: i + 1, Total: p.total, CurrentItem: fmt.Sprintf("v%d", i)})
	}
	return res, nil
}

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*BatchJob
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: map[string]*BatchJob{}}
}

func (s *memoryStore) SaveJob(_ context.Context, job *BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *memoryStore) ListJobs(_ context.Context, key string, limit int) ([]*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []*BatchJob
	for _, job := range s.jobs {
		if channel.NormalizeChannelURL(job.ChannelURL) == key {
			ret = append(ret, cloneJob(job))
		}
	}
	return ret, nil
}

func (s *memoryStore) saved(id string) (*BatchJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func submitReq(url string) SubmitRequest {
	return SubmitRequest{ChannelURL: url, MaxItems: 5, Lang: "en"}
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) *BatchJob {
	t.Helper()
	var got *BatchJob
	require.Eventually(t, func() bool {
		job, err := m.Status(id)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestManager_StatusTransitionsAndProgress(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	m := NewManager(&gatedProcessor{total: 3, gate: gate})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	job, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@a"))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Contains(t, []Status{StatusQueued, StatusRunning}, job.Status)

	running := waitStatus(t, m, job.ID, StatusRunning)
	assert.NotNil(t, running.StartedAt)

	lastIndex := 0
	for i := 1; i <= 3; i++ {
		gate <- struct{}{}
		require.Eventually(t, func() bool {
			s, err := m.Status(job.ID)
			return err == nil && s.CurrentIndex >= i
		}, time.Second, 5*time.Millisecond)
		s, err := m.Status(job.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.CurrentIndex, lastIndex)
		lastIndex = s.CurrentIndex
		assert.Equal(t, 3, s.TotalItems)
	}

	done := waitStatus(t, m, job.ID, StatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, 3, done.Result.Attempted)
	assert.Equal(t, 100, done.Progress)
	assert.NotNil(t, done.FinishedAt)
	assert.Empty(t, done.Error)
}

func TestManager_ThreeVideoBatchEndToEnd(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, cache.VideoRecord{VideoID: "v1"}, "en", []subtitle.Cue{{Start: 0, End: time.Second, Text: "cached"}}))

	resolver := resolverFunc(func(context.Context, string, int, *extract.Credentials) (*extract.Listing, error) {
		return &extract.Listing{ChannelName: "Three", Videos: []extract.VideoRef{{ID: "v1"}, {ID: "v2"}, {ID: "v3"}}}, nil
	})
	extractor := extractorFunc(func(_ context.Context, url, _ string, _ *extract.Credentials) (*extract.Result, error) {
		if url == "https://www.youtube.com/watch?v=v3" {
			return nil, &extract.Error{Kind: extract.KindNoSubtitles, Message: "none"}
		}
		return &extract.Result{Cues: []subtitle.Cue{{Start: 0, End: time.Second, Text: "fresh"}}}, nil
	})
	m := NewManager(channel.NewProcessor(resolver, extractor, c))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	job, err := m.Submit(ctx, submitReq("https://www.youtube.com/@three"))
	require.NoError(t, err)

	done := waitStatus(t, m, job.ID, StatusCompleted)
	assert.Equal(t, 3, done.Result.Attempted)
	assert.Equal(t, 2, done.Result.Succeeded)
	assert.Equal(t, 1, done.Result.Failed)
	assert.Equal(t, 3, done.CurrentIndex)
}

func TestManager_ResolutionFailureFailsJob(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	m := NewManager(&gatedProcessor{err: errors.New("resolve channel: not found")}, WithStore(store))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	job, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@missing"))
	require.NoError(t, err)

	failed := waitStatus(t, m, job.ID, StatusFailed)
	assert.Contains(t, failed.Error, "not found")
	assert.Nil(t, failed.Result)
	assert.Zero(t, failed.TotalItems)

	require.Eventually(t, func() bool {
		_, ok := store.saved(job.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_PanicBecomesFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(&gatedProcessor{panic: true})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	job, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@boom"))
	require.NoError(t, err)
	failed := waitStatus(t, m, job.ID, StatusFailed)
	assert.Contains(t, failed.Error, "processor exploded")
}

func TestManager_TerminalSnapshotsAreImmutable(t *testing.T) {
	t.Parallel()

	m := NewManager(&gatedProcessor{total: 1})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	job, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@imm"))
	require.NoError(t, err)
	first := waitStatus(t, m, job.ID, StatusCompleted)

	first.Status = StatusFailed
	first.Result.Attempted = 99

	// late progress from a misbehaving processor is ignored
	m.updateProgress(job.ID, channel.Progress{Index: 7, Total: 9})
	_, err = m.Cancel(job.ID)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	again, err := m.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, 1, again.Result.Attempted)
	assert.Equal(t, 1, again.CurrentIndex)
}

func TestManager_UnknownID(t *testing.T) {
	t.Parallel()

	m := NewManager(&gatedProcessor{})
	_, err := m.Status("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Cancel("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Wait(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_InvalidRequest(t *testing.T) {
	t.Parallel()

	m := NewManager(&gatedProcessor{})
	_, err := m.Submit(context.Background(), SubmitRequest{ChannelURL: " ", MaxItems: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = m.Submit(context.Background(), SubmitRequest{ChannelURL: "https://www.youtube.com/@x", MaxItems: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestManager_DuplicateChannelReturnsExistingJob(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	m := NewManager(&gatedProcessor{total: 1, gate: gate})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	first, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@Dup/"))
	require.NoError(t, err)

	second, err := m.Submit(context.Background(), submitReq("youtube.com/@dup/videos"))
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	close(gate)
	waitStatus(t, m, first.ID, StatusCompleted)

	third, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@dup"))
	require.NoError(t, err, "a finished channel can be submitted again")
	assert.NotEqual(t, first.ID, third.ID)
}

func TestManager_CancelRunningJob(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	store := newMemoryStore()
	m := NewManager(&gatedProcessor{total: 5, gate: gate}, WithStore(store))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	job, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@cancel"))
	require.NoError(t, err)
	waitStatus(t, m, job.ID, StatusRunning)
	gate <- struct{}{}

	_, err = m.Cancel(job.ID)
	require.NoError(t, err)

	final, err := m.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.Error)
	assert.Nil(t, final.Result)
}

func TestManager_MaxRunningKeepsExtraJobsQueued(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	m := NewManager(&gatedProcessor{total: 1, gate: gate}, WithMaxRunning(1))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	a, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@one"))
	require.NoError(t, err)
	waitStatus(t, m, a.ID, StatusRunning)

	b, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@two"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	queued, err := m.Status(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)

	_, err = m.Cancel(b.ID)
	require.NoError(t, err)
	cancelled := waitStatus(t, m, b.ID, StatusFailed)
	assert.Equal(t, "cancelled", cancelled.Error)

	close(gate)
	waitStatus(t, m, a.ID, StatusCompleted)
}

func TestManager_CancelQueuedJobPassesThroughRunning(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	store := newMemoryStore()
	m := NewManager(&gatedProcessor{total: 1, gate: gate}, WithMaxRunning(1), WithStore(store))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	a, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@holder"))
	require.NoError(t, err)
	waitStatus(t, m, a.ID, StatusRunning)

	b, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@waiting"))
	require.NoError(t, err)
	queued, err := m.Status(b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, queued.Status)
	require.Nil(t, queued.StartedAt)

	_, err = m.Cancel(b.ID)
	require.NoError(t, err)
	final, err := m.Wait(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.Error)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	assert.False(t, final.FinishedAt.Before(*final.StartedAt))

	saved, ok := store.saved(b.ID)
	require.True(t, ok)
	assert.NotNil(t, saved.StartedAt)

	close(gate)
	waitStatus(t, m, a.ID, StatusCompleted)
}

func TestManager_RetentionPrunesOnlyTerminalJobs(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	longURL := "https://www.youtube.com/@long"
	m := NewManager(&gatedProcessor{total: 1, gate: gate, blockURL: longURL}, WithMaxRetained(2), WithRetention(0))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	running, err := m.Submit(context.Background(), submitReq(longURL))
	require.NoError(t, err)
	waitStatus(t, m, running.ID, StatusRunning)

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := m.Submit(context.Background(), submitReq(fmt.Sprintf("https://www.youtube.com/@c%d", i)))
		require.NoError(t, err)
		ids = append(ids, job.ID)
		waitStatus(t, m, job.ID, StatusCompleted)
	}

	_, err = m.Status(running.ID)
	require.NoError(t, err, "running jobs are never pruned")
	_, err = m.Status(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Status(ids[2])
	assert.NoError(t, err)
	assert.Len(t, m.List(), 2)

	close(gate)
	waitStatus(t, m, running.ID, StatusCompleted)
}

func TestManager_RetentionTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	m := NewManager(&gatedProcessor{total: 1}, WithRetention(time.Hour))
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	old, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@old"))
	require.NoError(t, err)
	waitStatus(t, m, old.ID, StatusCompleted)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	fresh, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@fresh"))
	require.NoError(t, err)

	_, err = m.Status(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Status(fresh.ID)
	assert.NoError(t, err)
}

func TestManager_HistoryMergesLiveAndStored(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	old := &BatchJob{ID: "old", ChannelURL: "https://www.youtube.com/@hist", Status: StatusCompleted, CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.SaveJob(context.Background(), old))

	m := NewManager(&gatedProcessor{total: 1}, WithStore(store))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	job, err := m.Submit(context.Background(), submitReq("https://youtube.com/@HIST/"))
	require.NoError(t, err)
	waitStatus(t, m, job.ID, StatusCompleted)

	history, err := m.History(context.Background(), "https://www.youtube.com/@hist", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, job.ID, history[0].ID)
	assert.Equal(t, "old", history[1].ID)
}

func TestManager_ConcurrentPollingDuringProgress(t *testing.T) {
	t.Parallel()

	m := NewManager(&gatedProcessor{total: 50})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	job, err := m.Submit(context.Background(), submitReq("https://www.youtube.com/@poll"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				s, err := m.Status(job.ID)
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, s.CurrentIndex, last)
				last = s.CurrentIndex
				if s.Status.Terminal() {
					return
				}
			}
		}()
	}
	wg.Wait()
}

type resolverFunc func(ctx context.Context, url string, max int, creds *extract.Credentials) (*extract.Listing, error)

func (f resolverFunc) Resolve(ctx context.Context, url string, max int, creds *extract.Credentials) (*extract.Listing, error) {
	return f(ctx, url, max, creds)
}

type extractorFunc func(ctx context.Context, url, lang string, creds *extract.Credentials) (*extract.Result, error)

func (f extractorFunc) Extract(ctx context.Context, url, lang string, creds *extract.Credentials) (*extract.Result, error) {
	return f(ctx, url, lang, creds)
}
