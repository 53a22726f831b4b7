package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/subtitle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExtractor struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (e *countingExtractor) Extract(ctx context.Context, videoURL, lang string, _ *extract.Credentials) (*extract.Result, error) {
	e.calls.Add(1)
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	id, _ := extract.VideoID(videoURL)
	return &extract.Result{
		Video:  cache.VideoRecord{VideoID: id, Title: "Title " + id},
		Cues:   []subtitle.Cue{{Start: 0, End: time.Second, Text: "hello there"}},
		Format: subtitle.FormatVTT,
	}, nil
}

type videoIndex map[string]cache.VideoRecord

func (v videoIndex) GetVideo(_ context.Context, id string) (cache.VideoRecord, bool, error) {
	rec, ok := v[id]
	return rec, ok, nil
}

const watchURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

func TestFetcher_SecondFetchIsServedFromCache(t *testing.T) {
	t.Parallel()

	ex := &countingExtractor{}
	f := NewFetcher(cache.New(cache.NewMemoryBackend()), ex, "en")
	ctx := context.Background()

	first, err := f.Fetch(ctx, FetchRequest{URL: watchURL})
	require.NoError(t, err)
	assert.Equal(t, SourceExtracted, first.Source)
	assert.Equal(t, "en", first.Lang)
	assert.Equal(t, "dQw4w9WgXcQ", first.Video.VideoID)
	assert.NotEmpty(t, first.DetectedLanguage)

	second, err := f.Fetch(ctx, FetchRequest{URL: "https://youtu.be/dQw4w9WgXcQ", Lang: "EN"})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, first.Cues, second.Cues)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestFetcher_CacheHitUsesStoredVideoMetadata(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.NewMemoryBackend())
	require.NoError(t, c.Put(context.Background(), cache.VideoRecord{VideoID: "dQw4w9WgXcQ"}, "en", []subtitle.Cue{{Start: 0, End: time.Second, Text: "x"}}))
	lookup := videoIndex{"dQw4w9WgXcQ": {VideoID: "dQw4w9WgXcQ", Title: "Stored"}}
	f := NewFetcher(c, &countingExtractor{}, "en", WithVideoLookup(lookup))

	res, err := f.Fetch(context.Background(), FetchRequest{URL: watchURL, Lang: "en"})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "Stored", res.Video.Title)
}

func TestFetcher_ConcurrentRequestsShareOneExtraction(t *testing.T) {
	t.Parallel()

	ex := &countingExtractor{gate: make(chan struct{})}
	f := NewFetcher(cache.New(cache.NewMemoryBackend()), ex, "en")

	var wg sync.WaitGroup
	results := make([]*FetchResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.Fetch(context.Background(), FetchRequest{URL: watchURL, Lang: "en"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return ex.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ex.gate)
	wg.Wait()

	assert.LessOrEqual(t, ex.calls.Load(), int32(4))
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, "dQw4w9WgXcQ", res.Video.VideoID)
	}
}

func TestFetcher_ErrorsAreTyped(t *testing.T) {
	t.Parallel()

	f := NewFetcher(cache.New(cache.NewMemoryBackend()), &countingExtractor{err: &extract.Error{Kind: extract.KindNoSubtitles, Message: "none"}}, "en")

	_, err := f.Fetch(context.Background(), FetchRequest{URL: watchURL})
	assert.True(t, IsErrorType(err, ErrNoSubtitles))

	_, err = f.Fetch(context.Background(), FetchRequest{URL: " "})
	assert.True(t, IsErrorType(err, ErrValidation))

	_, err = f.Fetch(context.Background(), FetchRequest{URL: watchURL, Lang: "not a language!"})
	assert.True(t, IsErrorType(err, ErrValidation))
}

func TestFetcher_TimeoutBoundsExtraction(t *testing.T) {
	t.Parallel()

	ex := &countingExtractor{gate: make(chan struct{})}
	f := NewFetcher(cache.New(cache.NewMemoryBackend()), ex, "en", WithTimeout(20*time.Millisecond))

	_, err := f.Fetch(context.Background(), FetchRequest{URL: watchURL})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrUpstream))
}

func TestFetcher_CancelledCallerDoesNotFailJoinedCallers(t *testing.T) {
	t.Parallel()

	ex := &countingExtractor{gate: make(chan struct{})}
	f := NewFetcher(cache.New(cache.NewMemoryBackend()), ex, "en")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.Fetch(firstCtx, FetchRequest{URL: watchURL})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return ex.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan *FetchResult, 1)
	go func() {
		res, err := f.Fetch(context.Background(), FetchRequest{URL: watchURL})
		assert.NoError(t, err)
		second <- res
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	err := <-firstErr
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrUpstream))

	close(ex.gate)
	res := <-second
	require.NotNil(t, res)
	assert.Equal(t, SourceExtracted, res.Source)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestNormalizeLang(t *testing.T) {
	got, err := NormalizeLang("", "en")
	require.NoError(t, err)
	assert.Equal(t, "en", got)

	got, err = NormalizeLang("zh-hans", "en")
	require.NoError(t, err)
	assert.Equal(t, "zh-Hans", got)

	_, err = NormalizeLang("??", "en")
	assert.Error(t, err)
}
