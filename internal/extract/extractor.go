package extract

import (
	"context"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/subtitle"
)

// Extractor fetches one video's metadata and subtitle cues for a language.
type Extractor interface {
	Extract(ctx context.Context, videoURL, lang string, creds *Credentials) (*Result, error)
}

// Result of a successful extraction. Cues are sorted by start offset.
type Result struct {
	Video            cache.VideoRecord
	Cues             []subtitle.Cue
	Format           subtitle.Format
	Dropped          int
	DetectedLanguage string
}

// VideoRef is one entry of a channel listing.
type VideoRef struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Listing is a channel's videos in enumeration order.
type Listing struct {
	ChannelURL  string     `json:"channel_url"`
	ChannelID   string     `json:"channel_id"`
	ChannelName string     `json:"channel_name"`
	Videos      []VideoRef `json:"videos"`
}
