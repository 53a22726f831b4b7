package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/pkg/log"
	"golang.org/x/sync/semaphore"
)

// Option configures a Processor.
type Option func(*Processor)

// WithConcurrency sets how many items are processed at once. Values below 2
// keep the sequential behavior.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithItemTimeout bounds each extraction call.
func WithItemTimeout(d time.Duration) Option {
	return func(p *Processor) {
		p.itemTimeout = d
	}
}

// WithItemDelay pauses after every extraction to stay under upstream limits.
func WithItemDelay(d time.Duration) Option {
	return func(p *Processor) {
		p.itemDelay = d
	}
}

func WithListingRecorder(r ListingRecorder) Option {
	return func(p *Processor) {
		p.recorder = r
	}
}

// Processor walks a channel's videos, serving each from the cache or
// extracting and writing it through.
type Processor struct {
	resolver    Resolver
	extractor   extract.Extractor
	cache       Cache
	recorder    ListingRecorder
	concurrency int
	itemTimeout time.Duration
	itemDelay   time.Duration
}

func NewProcessor(resolver Resolver, extractor extract.Extractor, c Cache, opts ...Option) *Processor {
	p := &Processor{
		resolver:    resolver,
		extractor:   extractor,
		cache:       c,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs a batch without progress reporting.
func (p *Processor) Process(ctx context.Context, req Request) (*BatchResult, error) {
	return p.ProcessStream(ctx, req, nil)
}

// ProcessStream runs a batch and calls progress after resolution and after
// every item, in enumeration order. Item failures are recorded in the
// result; only resolution failures and cancellation return an error.
func (p *Processor) ProcessStream(ctx context.Context, req Request, progress ProgressFunc) (*BatchResult, error) {
	if strings.TrimSpace(req.ChannelURL) == "" {
		return nil, fmt.Errorf("%w: channel url is required", ErrInvalidRequest)
	}
	if req.MaxItems <= 0 {
		return nil, fmt.Errorf("%w: max items must be positive", ErrInvalidRequest)
	}
	if req.Lang == "" {
		req.Lang = "en"
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	start := time.Now()
	listing, err := p.resolver.Resolve(ctx, req.ChannelURL, req.MaxItems, req.Credentials)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", req.ChannelURL, err)
	}
	if listing == nil {
		return nil, fmt.Errorf("resolve channel %s: %w", req.ChannelURL,
			&extract.Error{Kind: extract.KindMalformed, VideoURL: req.ChannelURL, Message: "resolver returned no listing"})
	}
	videos := listing.Videos
	if len(videos) > req.MaxItems {
		videos = videos[:req.MaxItems]
	}
	if p.recorder != nil {
		if err := p.recorder.RecordListing(ctx, listing); err != nil {
			log.Warn("Failed to record listing for %s: %v", req.ChannelURL, err)
		}
	}

	channelName := listing.ChannelName
	if channelName == "" {
		channelName = req.ChannelURL
	}
	log.Info("Processing %d videos of %s (lang=%s)", len(videos), channelName, req.Lang)
	progress(Progress{Index: 0, Total: len(videos)})

	var items []ItemResult
	if p.concurrency > 1 {
		items, err = p.runConcurrent(ctx, req, listing, videos, progress)
	} else {
		items, err = p.runSequential(ctx, req, listing, videos, progress)
	}
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		ChannelName: channelName,
		ChannelURL:  req.ChannelURL,
		Attempted:   len(items),
		Items:       items,
	}
	for _, item := range items {
		switch item.Outcome {
		case OutcomeCached:
			result.Cached++
			result.Succeeded++
		case OutcomeExtracted:
			result.Extracted++
			result.Succeeded++
		default:
			result.Failed++
		}
	}
	result.Elapsed = time.Since(start)
	result.ElapsedMS = result.Elapsed.Milliseconds()

	log.Info("Finished %s: attempted=%d succeeded=%d (cached=%d extracted=%d) failed=%d in %s",
		channelName, result.Attempted, result.Succeeded, result.Cached, result.Extracted, result.Failed, result.Elapsed.Round(time.Millisecond))
	return result, nil
}

func (p *Processor) runSequential(ctx context.Context, req Request, listing *extract.Listing, videos []extract.VideoRef, progress ProgressFunc) ([]ItemResult, error) {
	items := make([]ItemResult, 0, len(videos))
	for i, v := range videos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := p.processItem(ctx, req, listing, v)
		items = append(items, item)
		progress(Progress{Index: i + 1, Total: len(videos), CurrentItem: itemLabel(v)})

		if item.Outcome == OutcomeExtracted && i < len(videos)-1 {
			if err := p.pause(ctx); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

func (p *Processor) runConcurrent(ctx context.Context, req Request, listing *extract.Listing, videos []extract.VideoRef, progress ProgressFunc) ([]ItemResult, error) {
	items := make([]ItemResult, len(videos))
	done := make([]bool, len(videos))
	sem := semaphore.NewWeighted(int64(p.concurrency))

	var (
		mu   sync.Mutex
		next int
		wg   sync.WaitGroup
	)
	for i, v := range videos {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, v extract.VideoRef) {
			defer wg.Done()
			defer sem.Release(1)

			item := p.processItem(ctx, req, listing, v)
			if item.Outcome == OutcomeExtracted {
				_ = p.pause(ctx)
			}

			mu.Lock()
			defer mu.Unlock()
			items[i] = item
			done[i] = true
			// report in enumeration order so Index never decreases
			for next < len(videos) && done[next] {
				progress(Progress{Index: next + 1, Total: len(videos), CurrentItem: itemLabel(videos[next])})
				next++
			}
		}(i, v)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *Processor) processItem(ctx context.Context, req Request, listing *extract.Listing, v extract.VideoRef) ItemResult {
	item := ItemResult{VideoID: v.ID, Title: v.Title}
	fail := func(err error) ItemResult {
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		item.ErrorKind = extract.KindOf(err)
		item.Retryable = item.ErrorKind.Retryable()
		log.Warn("Item %s failed: %v", v.ID, err)
		return item
	}

	if v.ID == "" {
		return fail(errors.New("listing entry has no video id"))
	}

	has, err := p.cache.Has(ctx, v.ID, req.Lang)
	if err != nil {
		return fail(err)
	}
	if has {
		log.Debug("Item %s served from cache", v.ID)
		item.Outcome = OutcomeCached
		return item
	}

	extractCtx := ctx
	if p.itemTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, p.itemTimeout)
		defer cancel()
	}
	url := v.URL
	if url == "" {
		url = "https://www.youtube.com/watch?v=" + v.ID
	}
	res, err := p.extractor.Extract(extractCtx, url, req.Lang, req.Credentials)
	if err != nil {
		return fail(err)
	}

	video := res.Video
	video.VideoID = v.ID
	if video.Title == "" {
		video.Title = v.Title
	}
	if video.ChannelRef == "" {
		video.ChannelRef = listing.ChannelURL
	}
	entry := cache.SubtitleEntry{
		Lang:             req.Lang,
		Cues:             res.Cues,
		DetectedLanguage: res.DetectedLanguage,
		SourceFormat:     res.Format,
		DroppedCues:      res.Dropped,
	}
	if err := p.cache.PutEntry(ctx, video, entry); err != nil {
		return fail(err)
	}
	if item.Title == "" {
		item.Title = video.Title
	}
	item.Outcome = OutcomeExtracted
	return item
}

func (p *Processor) pause(ctx context.Context) error {
	if p.itemDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(p.itemDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func itemLabel(v extract.VideoRef) string {
	if v.Title != "" {
		return v.Title
	}
	return v.ID
}
