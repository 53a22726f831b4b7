package digest

import (
	"context"
	"errors"
	"time"
)

var ErrNothingToSummarize = errors.New("no cached subtitles to summarize")

// Digest is an LLM summary of the subtitles cached by one batch run.
type Digest struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	ChannelURL  string    `json:"channel_url"`
	ChannelName string    `json:"channel_name"`
	Lang        string    `json:"lang"`
	VideoIDs    []string  `json:"video_ids"`
	Summary     string    `json:"summary"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	SaveDigest(ctx context.Context, d *Digest) error
	ListDigests(ctx context.Context, limit int) ([]Digest, error)
}

// Chatter is the part of *llm.Client the summarizer needs.
type Chatter interface {
	SimpleChat(ctx context.Context, prompt string, systemPrompt string) (string, error)
	Model() string
}
