package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/subcache/internal/jobs"
	"github.com/MimeLyc/subcache/pkg/icron"
	"github.com/MimeLyc/subcache/pkg/log"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

const defaultWaitTimeout = 2 * time.Hour

// JobRunner is the part of *jobs.Manager the refresher drives.
type JobRunner interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.BatchJob, error)
	Wait(ctx context.Context, id string) (*jobs.BatchJob, error)
}

type RefresherOption func(*Refresher)

// WithSummarizer enables digests; without one the refresher only submits
// batches.
func WithSummarizer(s *Summarizer, store Store) RefresherOption {
	return func(r *Refresher) {
		r.summarizer = s
		r.store = store
	}
}

// WithWaitTimeout bounds how long a run waits for one batch before giving
// up on its digest.
func WithWaitTimeout(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.waitTimeout = d
		}
	}
}

// Refresher periodically submits batch jobs for a fixed channel list and
// optionally summarizes what each run cached.
type Refresher struct {
	runner      JobRunner
	cron        *cron.Cron
	expr        string
	channels    []string
	maxItems    int
	lang        string
	summarizer  *Summarizer
	store       Store
	waitTimeout time.Duration
	group       singleflight.Group

	mu      sync.Mutex
	lastRun time.Time
}

func NewRefresher(runner JobRunner, c *cron.Cron, expr string, channels []string, maxItems int, lang string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		runner:      runner,
		cron:        c,
		expr:        expr,
		channels:    channels,
		maxItems:    maxItems,
		lang:        lang,
		waitTimeout: defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schedule registers the refresh with the cron scheduler. The caller starts
// and stops the scheduler.
func (r *Refresher) Schedule(ctx context.Context) error {
	if _, err := icron.Parse(r.expr); err != nil {
		return err
	}
	_, err := r.cron.AddFunc(r.expr, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			log.Error("Scheduled refresh failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	log.Info("Scheduled refresh of %d channels with %q", len(r.channels), r.expr)
	return nil
}

// RunOnce submits one batch per channel and, when summarizing, waits for
// each and stores its digest. Overlapping calls share the same run. Digests
// stored before a failure are returned along with the joined error.
func (r *Refresher) RunOnce(ctx context.Context) ([]Digest, error) {
	v, err, shared := r.group.Do("refresh", func() (any, error) {
		return r.run(ctx)
	})
	if shared {
		log.Debug("Refresh already in progress, joined it")
	}
	digests, _ := v.([]Digest)
	return digests, err
}

func (r *Refresher) run(ctx context.Context) ([]Digest, error) {
	r.mu.Lock()
	r.lastRun = time.Now()
	r.mu.Unlock()

	submitted := make([]*jobs.BatchJob, 0, len(r.channels))
	var errs []error
	for _, url := range r.channels {
		job, err := r.runner.Submit(ctx, jobs.SubmitRequest{
			ChannelURL: url,
			MaxItems:   r.maxItems,
			Lang:       r.lang,
			Source:     jobs.SourceSchedule,
		})
		switch {
		case errors.Is(err, jobs.ErrDuplicate):
			log.Info("Refresh of %s joined running job %s", url, job.ID)
		case err != nil:
			errs = append(errs, fmt.Errorf("submit %s: %w", url, err))
			continue
		default:
			log.Info("Refresh submitted job %s for %s", job.ID, url)
		}
		submitted = append(submitted, job)
	}

	var digests []Digest
	if r.summarizer == nil {
		return digests, errors.Join(errs...)
	}

	for _, job := range submitted {
		d, err := r.digest(ctx, job.ID)
		if err != nil {
			if errors.Is(err, ErrNothingToSummarize) {
				log.Info("Job %s cached nothing to summarize", job.ID)
				continue
			}
			errs = append(errs, err)
			continue
		}
		digests = append(digests, *d)
	}
	return digests, errors.Join(errs...)
}

func (r *Refresher) digest(ctx context.Context, jobID string) (*Digest, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()

	final, err := r.runner.Wait(waitCtx, jobID)
	if err != nil {
		return nil, fmt.Errorf("wait for job %s: %w", jobID, err)
	}
	if final.Status != jobs.StatusCompleted {
		return nil, fmt.Errorf("job %s ended %s: %s", jobID, final.Status, final.Error)
	}

	d, err := r.summarizer.Summarize(ctx, final)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveDigest(ctx, d); err != nil {
		return nil, fmt.Errorf("save digest for job %s: %w", jobID, err)
	}
	log.Info("Stored digest %d for %s (%d videos)", d.ID, d.ChannelURL, len(d.VideoIDs))
	return d, nil
}

// Status describes the schedule for the stats endpoint.
type Status struct {
	Channels  []string           `json:"channels"`
	Summarize bool               `json:"summarize"`
	Trigger   *icron.TriggerInfo `json:"trigger,omitempty"`
	LastRun   *time.Time         `json:"last_run,omitempty"`
}

func (r *Refresher) Status(now time.Time) Status {
	st := Status{
		Channels:  append([]string(nil), r.channels...),
		Summarize: r.summarizer != nil,
	}
	if info, err := icron.GetTriggerInfo(r.expr, now); err == nil {
		st.Trigger = info
	}
	r.mu.Lock()
	if !r.lastRun.IsZero() {
		t := r.lastRun
		st.LastRun = &t
	}
	r.mu.Unlock()
	return st
}
