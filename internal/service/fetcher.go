package service

import (
	"context"
	"strings"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/config"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/pkg/log"
	"golang.org/x/sync/singleflight"
)

// VideoLookup returns stored video metadata; *persistence.SQLiteStore
// implements it.
type VideoLookup interface {
	GetVideo(ctx context.Context, videoID string) (cache.VideoRecord, bool, error)
}

type FetcherOption func(*Fetcher)

func WithVideoLookup(v VideoLookup) FetcherOption {
	return func(f *Fetcher) {
		f.videos = v
	}
}

// WithTimeout bounds one extraction call.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// Fetcher serves single-video requests cache first. Concurrent requests for
// the same video and language share one extraction.
type Fetcher struct {
	cache       *cache.Cache
	extractor   extract.Extractor
	videos      VideoLookup
	defaultLang string
	timeout     time.Duration
	group       singleflight.Group
}

const defaultFetchTimeout = 3 * time.Minute

func NewFetcher(c *cache.Cache, extractor extract.Extractor, defaultLang string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		cache:       c,
		extractor:   extractor,
		defaultLang: defaultLang,
		timeout:     defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NormalizeLang canonicalizes a BCP 47 tag, falling back to def when raw is
// empty.
func NormalizeLang(raw, def string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = def
	}
	lang, err := config.NormalizeLang(raw)
	if err != nil {
		return "", NewErrorWithCause(ErrValidation, "invalid language", err).WithContext("lang", raw)
	}
	return lang, nil
}

// Fetch returns the subtitles of one video. A cache hit never invokes the
// extractor; a miss extracts and writes the result through.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	start := time.Now()
	if strings.TrimSpace(req.URL) == "" {
		return nil, NewError(ErrValidation, "url is required")
	}
	lang, err := NormalizeLang(req.Lang, f.defaultLang)
	if err != nil {
		return nil, err
	}

	id, known := extract.VideoID(req.URL)
	if known {
		res, hit, err := f.fromCache(ctx, id, lang)
		if err != nil {
			return nil, Classify(err).WithContext("video_id", id)
		}
		if hit {
			log.Info("Cache hit for %s/%s", id, lang)
			res.Elapsed = time.Since(start)
			res.ElapsedMS = res.Elapsed.Milliseconds()
			return res, nil
		}
	}

	key := req.URL + "|" + lang
	if known {
		key = id + "|" + lang
	}
	// The shared extraction outlives any single caller; each caller still
	// returns as soon as its own context ends.
	ch := f.group.DoChan(key, func() (any, error) {
		return f.extract(context.WithoutCancel(ctx), req, lang)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, Classify(ctx.Err()).WithContext("url", req.URL)
	}
	if r.Err != nil {
		return nil, Classify(r.Err).WithContext("url", req.URL)
	}
	if r.Shared {
		log.Debug("Joined in-flight extraction for %s", key)
	}
	res := *r.Val.(*FetchResult)
	res.Elapsed = time.Since(start)
	res.ElapsedMS = res.Elapsed.Milliseconds()
	return &res, nil
}

func (f *Fetcher) fromCache(ctx context.Context, id, lang string) (*FetchResult, bool, error) {
	entry, ok, err := f.cache.Get(ctx, id, lang)
	if err != nil || !ok {
		return nil, false, err
	}
	video := cache.VideoRecord{VideoID: id}
	if f.videos != nil {
		if stored, found, err := f.videos.GetVideo(ctx, id); err != nil {
			log.Warn("Load video %s metadata: %v", id, err)
		} else if found {
			video = stored
		}
	}
	return &FetchResult{
		Video:            video,
		Lang:             lang,
		Cues:             entry.Cues,
		DetectedLanguage: entry.DetectedLanguage,
		Source:           SourceCache,
	}, true, nil
}

func (f *Fetcher) extract(ctx context.Context, req FetchRequest, lang string) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	log.Info("Cache miss, extracting %s (%s)", req.URL, lang)
	result, err := f.extractor.Extract(ctx, req.URL, lang, req.Credentials)
	if err != nil {
		log.Warn("Extraction of %s failed: %v", req.URL, err)
		return nil, err
	}

	if result.Video.VideoID == "" {
		if id, ok := extract.VideoID(req.URL); ok {
			result.Video.VideoID = id
		}
	}

	entry := cache.SubtitleEntry{
		VideoID:          result.Video.VideoID,
		Lang:             lang,
		Cues:             result.Cues,
		DetectedLanguage: result.DetectedLanguage,
		SourceFormat:     result.Format,
		DroppedCues:      result.Dropped,
	}
	if err := f.cache.PutEntry(ctx, result.Video, entry); err != nil {
		return nil, err
	}
	detected := result.DetectedLanguage
	if stored, ok, err := f.cache.Get(ctx, entry.VideoID, lang); err == nil && ok {
		detected = stored.DetectedLanguage
	}
	return &FetchResult{
		Video:            result.Video,
		Lang:             lang,
		Cues:             result.Cues,
		DetectedLanguage: detected,
		Source:           SourceExtracted,
	}, nil
}
