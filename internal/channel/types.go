package channel

import (
	"context"
	"errors"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/extract"
)

// Outcome of one video in a batch.
type Outcome string

const (
	OutcomeCached    Outcome = "cached"
	OutcomeExtracted Outcome = "extracted"
	OutcomeFailed    Outcome = "failed"
)

var ErrInvalidRequest = errors.New("invalid batch request")

// Request describes one channel batch.
type Request struct {
	ChannelURL  string
	MaxItems    int
	Lang        string
	Credentials *extract.Credentials
}

// ItemResult is the per-video record of a batch.
type ItemResult struct {
	VideoID   string       `json:"video_id"`
	Title     string       `json:"title,omitempty"`
	Outcome   Outcome      `json:"outcome"`
	Error     string       `json:"error,omitempty"`
	ErrorKind extract.Kind `json:"error_kind,omitempty"`
	// Retryable marks failures a later batch over the same channel may recover.
	Retryable bool `json:"retryable,omitempty"`
}

// BatchResult aggregates a finished batch. Succeeded counts cached and
// extracted items.
type BatchResult struct {
	ChannelName string        `json:"channel_name"`
	ChannelURL  string        `json:"channel_url"`
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Cached      int           `json:"cached"`
	Extracted   int           `json:"extracted"`
	Elapsed     time.Duration `json:"-"`
	ElapsedMS   int64         `json:"elapsed_ms"`
	Items       []ItemResult  `json:"items"`
}

// Clone returns a deep copy.
func (r *BatchResult) Clone() *BatchResult {
	if r == nil {
		return nil
	}
	tmp := *r
	tmp.Items = append([]ItemResult(nil), r.Items...)
	return &tmp
}

// Progress is reported once after resolution (Index 0) and after every item.
// Index counts finished items; CurrentItem names the last finished one.
type Progress struct {
	Index       int
	Total       int
	CurrentItem string
}

type ProgressFunc func(Progress)

// Resolver enumerates a channel's videos.
type Resolver interface {
	Resolve(ctx context.Context, channelURL string, maxItems int, creds *extract.Credentials) (*extract.Listing, error)
}

// Cache is the part of cache.Cache the processor needs.
type Cache interface {
	Has(ctx context.Context, videoID, lang string) (bool, error)
	PutEntry(ctx context.Context, video cache.VideoRecord, entry cache.SubtitleEntry) error
}

// ListingRecorder persists resolved listings. Failures are logged only.
type ListingRecorder interface {
	RecordListing(ctx context.Context, listing *extract.Listing) error
}
