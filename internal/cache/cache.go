package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MimeLyc/subcache/internal/subtitle"
	"github.com/MimeLyc/subcache/pkg/log"
)

// Cache is the subtitle cache consulted before any extraction.
type Cache struct {
	backend Backend
	locks   *keyLocks
}

func New(backend Backend) *Cache {
	return &Cache{
		backend: backend,
		locks:   newKeyLocks(),
	}
}

// Get returns the cached entry for (videoID, lang). A miss is (nil, false, nil).
func (c *Cache) Get(ctx context.Context, videoID, lang string) (*SubtitleEntry, bool, error) {
	videoID, lang = strings.TrimSpace(videoID), strings.TrimSpace(lang)
	entry, ok, err := c.backend.GetSubtitle(ctx, videoID, lang)
	if err != nil {
		return nil, false, &StorageError{Op: "get", VideoID: videoID, Lang: lang, Err: err}
	}
	if !ok {
		log.Debug("cache miss %s/%s", videoID, lang)
		return nil, false, nil
	}
	log.Debug("cache hit %s/%s (%d cues)", videoID, lang, len(entry.Cues))
	return entry, true, nil
}

// Has reports whether an entry exists without loading its cues.
func (c *Cache) Has(ctx context.Context, videoID, lang string) (bool, error) {
	videoID, lang = strings.TrimSpace(videoID), strings.TrimSpace(lang)
	ok, err := c.backend.HasSubtitle(ctx, videoID, lang)
	if err != nil {
		return false, &StorageError{Op: "has", VideoID: videoID, Lang: lang, Err: err}
	}
	return ok, nil
}

// Put stores cues for (video, lang), replacing any previous sequence.
func (c *Cache) Put(ctx context.Context, video VideoRecord, lang string, cues []subtitle.Cue) error {
	return c.PutEntry(ctx, video, SubtitleEntry{Lang: lang, Cues: cues})
}

// PutEntry is Put with the optional entry metadata (source format, dropped
// cue count). The detected language is filled in when empty.
func (c *Cache) PutEntry(ctx context.Context, video VideoRecord, entry SubtitleEntry) error {
	video.VideoID = strings.TrimSpace(video.VideoID)
	entry.VideoID = video.VideoID
	entry.Lang = strings.TrimSpace(entry.Lang)
	if video.VideoID == "" || entry.Lang == "" {
		return fmt.Errorf("%w: video id and language are required", ErrInvalidEntry)
	}
	if err := subtitle.Validate(entry.Cues); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.DetectedLanguage == "" {
		entry.DetectedLanguage = subtitle.DetectLanguage(entry.Cues).String()
	}

	unlock := c.locks.lock(video.VideoID + "\x00" + entry.Lang)
	defer unlock()

	if err := c.backend.PutSubtitle(ctx, video, entry); err != nil {
		return &StorageError{Op: "put", VideoID: video.VideoID, Lang: entry.Lang, Err: err}
	}
	log.Debug("cache stored %s/%s (%d cues)", video.VideoID, entry.Lang, len(entry.Cues))
	return nil
}

// keyLocks hands out one mutex per key and forgets it once unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
