package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/channel"
	"github.com/MimeLyc/subcache/internal/digest"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/jobs"
	"github.com/MimeLyc/subcache/internal/subtitle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "subcache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func sampleEntry() cache.SubtitleEntry {
	return cache.SubtitleEntry{
		VideoID:          "abc123def45",
		Lang:             "en",
		DetectedLanguage: "en",
		SourceFormat:     subtitle.FormatVTT,
		Cues: []subtitle.Cue{
			{Start: 0, End: 1500 * time.Millisecond, Text: "hello"},
			{Start: 1500 * time.Millisecond, End: 3 * time.Second, Text: "world"},
		},
	}
}

func TestSQLiteStore_SubtitleRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetSubtitle(ctx, "abc123def45", "en")
	require.NoError(t, err)
	assert.False(t, ok)

	video := cache.VideoRecord{VideoID: "abc123def45", Title: "Intro", Uploader: "Someone", DurationSeconds: 61}
	require.NoError(t, store.PutSubtitle(ctx, video, sampleEntry()))

	has, err := store.HasSubtitle(ctx, "abc123def45", "en")
	require.NoError(t, err)
	assert.True(t, has)

	got, ok, err := store.GetSubtitle(ctx, "abc123def45", "en")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleEntry().Cues, got.Cues)
	assert.Equal(t, subtitle.FormatVTT, got.SourceFormat)
	assert.Equal(t, "en", got.DetectedLanguage)
	assert.False(t, got.UpdatedAt.IsZero())

	stored, ok, err := store.GetVideo(ctx, "abc123def45")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, video, stored)
}

func TestSQLiteStore_PutIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.now = tickingClock()
	ctx := context.Background()
	video := cache.VideoRecord{VideoID: "abc123def45", Title: "Intro"}

	require.NoError(t, store.PutSubtitle(ctx, video, sampleEntry()))
	first, _, err := store.GetSubtitle(ctx, "abc123def45", "en")
	require.NoError(t, err)

	require.NoError(t, store.PutSubtitle(ctx, video, sampleEntry()))
	second, _, err := store.GetSubtitle(ctx, "abc123def45", "en")
	require.NoError(t, err)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt), "identical put must not touch the row")

	changed := sampleEntry()
	changed.Cues[1].Text = "world!"
	require.NoError(t, store.PutSubtitle(ctx, video, changed))
	third, _, err := store.GetSubtitle(ctx, "abc123def45", "en")
	require.NoError(t, err)
	assert.True(t, third.UpdatedAt.After(second.UpdatedAt))
	assert.Equal(t, "world!", third.Cues[1].Text)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Subtitles)
	assert.Equal(t, 1, st.Videos)
}

func TestSQLiteStore_VideoUpsertKeepsKnownFields(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutSubtitle(ctx, cache.VideoRecord{VideoID: "v1", Title: "Known", Uploader: "U", DurationSeconds: 30}, cache.SubtitleEntry{VideoID: "v1", Lang: "en"}))
	require.NoError(t, store.PutSubtitle(ctx, cache.VideoRecord{VideoID: "v1"}, cache.SubtitleEntry{VideoID: "v1", Lang: "ja"}))

	v, ok, err := store.GetVideo(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Known", v.Title)
	assert.Equal(t, "U", v.Uploader)
	assert.Equal(t, 30, v.DurationSeconds)
}

func TestSQLiteStore_BackendThroughCache(t *testing.T) {
	t.Parallel()

	c := cache.New(newTestStore(t))
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "v9", "en")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, cache.VideoRecord{VideoID: "v9"}, "en", sampleEntry().Cues))
	entry, ok, err := c.Get(ctx, "v9", "en")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, entry.Cues, 2)
}

func TestSQLiteStore_RecordListing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	listing := &extract.Listing{
		ChannelURL:  "https://www.youtube.com/@Example/",
		ChannelID:   "UC123",
		ChannelName: "Example",
		Videos:      []extract.VideoRef{{ID: "a", Title: "A", DurationSeconds: 10}, {ID: "b", Title: "B"}},
	}
	require.NoError(t, store.RecordListing(ctx, listing))
	require.NoError(t, store.RecordListing(ctx, listing))

	ch, ok, err := store.GetChannel(ctx, "https://youtube.com/@example")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Example", ch.Name)
	assert.Equal(t, 2, ch.VideoCount)
	assert.Equal(t, channel.NormalizeChannelURL(listing.ChannelURL), ch.Key)

	v, ok, err := store.GetVideo(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ch.Key, v.ChannelRef)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Channels: 1, Videos: 2, Subtitles: 0}, st)
}

func TestSQLiteStore_JobHistory(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, status := range []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCompleted} {
		finished := base.Add(time.Duration(i)*time.Minute + 30*time.Second)
		job := &jobs.BatchJob{
			ID:         []string{"j1", "j2", "j3"}[i],
			ChannelURL: "https://www.youtube.com/@hist",
			Lang:       "en",
			Status:     status,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: &finished,
		}
		if status == jobs.StatusCompleted {
			job.Result = &channel.BatchResult{Attempted: 2, Succeeded: 2, Items: []channel.ItemResult{{VideoID: "x", Outcome: channel.OutcomeCached}}}
		} else {
			job.Error = "resolve channel: not found"
		}
		require.NoError(t, store.SaveJob(ctx, job))
	}
	require.NoError(t, store.SaveJob(ctx, &jobs.BatchJob{ID: "other", ChannelURL: "https://www.youtube.com/@other", Status: jobs.StatusCompleted, CreatedAt: base}))

	got, err := store.ListJobs(ctx, channel.NormalizeChannelURL("https://youtube.com/@HIST"), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "j3", got[0].ID)
	assert.Equal(t, "j2", got[1].ID)
	assert.Equal(t, "resolve channel: not found", got[1].Error)
	require.NotNil(t, got[0].Result)
	assert.Equal(t, channel.OutcomeCached, got[0].Result.Items[0].Outcome)
}

func TestSQLiteStore_Digests(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first := &digest.Digest{JobID: "j1", ChannelURL: "https://www.youtube.com/@d", VideoIDs: []string{"a", "b"}, Summary: "one", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	second := &digest.Digest{JobID: "j2", ChannelURL: "https://www.youtube.com/@d", VideoIDs: []string{"c"}, Summary: "two", Model: "m"}
	require.NoError(t, store.SaveDigest(ctx, first))
	require.NoError(t, store.SaveDigest(ctx, second))
	assert.NotZero(t, first.ID)
	assert.Greater(t, second.ID, first.ID)

	got, err := store.ListDigests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Summary)
	assert.Equal(t, []string{"a", "b"}, got[1].VideoIDs)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "subcache.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.PutSubtitle(context.Background(), cache.VideoRecord{VideoID: "v"}, sampleEntry()))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	has, err := reopened.HasSubtitle(context.Background(), "abc123def45", "en")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("  ")
	assert.Error(t, err)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("12_more.sql"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}
