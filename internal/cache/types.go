package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/subcache/internal/subtitle"
)

// VideoRecord is the metadata kept for every video that was extracted once.
type VideoRecord struct {
	VideoID         string `json:"video_id"`
	Title           string `json:"title"`
	Uploader        string `json:"uploader"`
	DurationSeconds int    `json:"duration_seconds"`
	ChannelRef      string `json:"channel_ref,omitempty"`
}

// SubtitleEntry is the cached cue sequence for one (video, language) pair.
type SubtitleEntry struct {
	VideoID          string          `json:"video_id"`
	Lang             string          `json:"lang"`
	Cues             []subtitle.Cue  `json:"cues"`
	DetectedLanguage string          `json:"detected_language,omitempty"`
	SourceFormat     subtitle.Format `json:"source_format,omitempty"`
	DroppedCues      int             `json:"dropped_cues"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Backend is the durable store behind Cache. Implementations must replace a
// key's cue sequence atomically and leave the row untouched when the new
// content equals the stored one.
type Backend interface {
	GetSubtitle(ctx context.Context, videoID, lang string) (*SubtitleEntry, bool, error)
	HasSubtitle(ctx context.Context, videoID, lang string) (bool, error)
	PutSubtitle(ctx context.Context, video VideoRecord, entry SubtitleEntry) error
}

var (
	// ErrStorageUnavailable matches every StorageError.
	ErrStorageUnavailable = errors.New("subtitle storage unavailable")
	// ErrInvalidEntry is returned by Put for entries that can never be stored.
	ErrInvalidEntry = errors.New("invalid subtitle entry")
)

// StorageError wraps a backend failure. It is never reported as a miss.
type StorageError struct {
	Op      string
	VideoID string
	Lang    string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s %s/%s: %v", e.Op, e.VideoID, e.Lang, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}
