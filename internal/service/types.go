package service

import (
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/subtitle"
)

// Where a fetched entry came from.
const (
	SourceCache     = "cache"
	SourceExtracted = "extracted"
)

// FetchRequest asks for one video's subtitles.
type FetchRequest struct {
	URL         string
	Lang        string
	Credentials *extract.Credentials
}

// FetchResult is the single-video response.
type FetchResult struct {
	Video            cache.VideoRecord `json:"video"`
	Lang             string            `json:"lang"`
	Cues             []subtitle.Cue    `json:"cues"`
	DetectedLanguage string            `json:"detected_language,omitempty"`
	Source           string            `json:"source"`
	Elapsed          time.Duration     `json:"-"`
	ElapsedMS        int64             `json:"elapsed_ms"`
}
