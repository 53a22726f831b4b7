package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/MimeLyc/subcache/internal/channel"
	"github.com/MimeLyc/subcache/internal/extract"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	SourceAPI      = "api"
	SourceSchedule = "schedule"
	SourceCLI      = "cli"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrDuplicate       = errors.New("a batch for this channel is already in progress")
	ErrInvalidRequest  = errors.New("invalid job request")
	ErrAlreadyFinished = errors.New("job already finished")
)

// Error messages recorded on jobs that were stopped from the outside.
const (
	errCancelled = "cancelled"
	errShutdown  = "shutting down"
)

type SubmitRequest struct {
	ChannelURL  string
	MaxItems    int
	Lang        string
	Credentials *extract.Credentials
	Source      string
}

// BatchJob is the externally visible state of one channel batch. Values
// handed out by Manager are snapshots; mutating them has no effect.
type BatchJob struct {
	ID           string               `json:"id"`
	Source       string               `json:"source"`
	ChannelURL   string               `json:"channel_url"`
	Lang         string               `json:"lang"`
	MaxItems     int                  `json:"max_items"`
	Status       Status               `json:"status"`
	CurrentIndex int                  `json:"current_index"`
	TotalItems   int                  `json:"total_items"`
	CurrentItem  string               `json:"current_item,omitempty"`
	Progress     int                  `json:"progress"`
	Error        string               `json:"error,omitempty"`
	Result       *channel.BatchResult `json:"result,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
}

// Processor runs one batch. *channel.Processor implements it.
type Processor interface {
	ProcessStream(ctx context.Context, req channel.Request, progress channel.ProgressFunc) (*channel.BatchResult, error)
}

func cloneJob(job *BatchJob) *BatchJob {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.Result = job.Result.Clone()
	if job.StartedAt != nil {
		t := *job.StartedAt
		tmp.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		tmp.FinishedAt = &t
	}
	return &tmp
}
