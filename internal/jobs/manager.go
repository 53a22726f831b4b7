package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/subcache/internal/channel"
	"github.com/MimeLyc/subcache/internal/service"
	"github.com/MimeLyc/subcache/pkg/log"
	"github.com/google/uuid"
)

const (
	defaultMaxRetained = 1000
	defaultRetention   = 24 * time.Hour
	storeTimeout       = 5 * time.Second
)

type Option func(*Manager)

func WithStore(store Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithMaxRetained caps the registry size. Only terminal jobs are evicted,
// oldest first; 0 disables the cap.
func WithMaxRetained(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetained = n
		}
	}
}

// WithRetention sets how long terminal jobs stay queryable; 0 keeps them
// until the cap evicts them.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.retention = d
		}
	}
}

// WithMaxRunning limits concurrently running jobs; extra jobs stay queued.
// 0 means unbounded.
func WithMaxRunning(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.slots = make(chan struct{}, n)
		}
	}
}

type record struct {
	job        *BatchJob
	key        string
	req        channel.Request
	cancel     context.CancelFunc
	stopReason string
	done       chan struct{}
}

// Manager owns the batch job registry. Each submitted job runs on its own
// goroutine; callers observe it only through snapshots.
type Manager struct {
	processor   Processor
	store       Store
	maxRetained int
	retention   time.Duration
	slots       chan struct{}
	now         func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*record
	active map[string]string
	closed bool
}

func NewManager(processor Processor, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		processor:   processor,
		maxRetained: defaultMaxRetained,
		retention:   defaultRetention,
		now:         time.Now,
		baseCtx:     ctx,
		baseCancel:  cancel,
		jobs:        make(map[string]*record),
		active:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit registers a batch job and starts it in the background. When a job
// for the same channel is still queued or running, that job is returned
// together with ErrDuplicate.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*BatchJob, error) {
	req.ChannelURL = strings.TrimSpace(req.ChannelURL)
	if req.ChannelURL == "" {
		return nil, fmt.Errorf("%w: channel url is required", ErrInvalidRequest)
	}
	if req.MaxItems <= 0 {
		return nil, fmt.Errorf("%w: max items must be positive", ErrInvalidRequest)
	}
	if req.Source == "" {
		req.Source = SourceAPI
	}
	key := channel.NormalizeChannelURL(req.ChannelURL)
	now := m.now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("job manager is closed")
	}
	if id, ok := m.active[key]; ok {
		if existing, exists := m.jobs[id]; exists && !existing.job.Status.Terminal() {
			snapshot := cloneJob(existing.job)
			m.mu.Unlock()
			log.Info("Channel %s already has job %s (%s)", req.ChannelURL, snapshot.ID, snapshot.Status)
			return snapshot, ErrDuplicate
		}
		delete(m.active, key)
	}

	jobCtx, cancel := context.WithCancel(m.baseCtx)
	rec := &record{
		job: &BatchJob{
			ID:         uuid.NewString(),
			Source:     req.Source,
			ChannelURL: req.ChannelURL,
			Lang:       req.Lang,
			MaxItems:   req.MaxItems,
			Status:     StatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		key: key,
		req: channel.Request{
			ChannelURL:  req.ChannelURL,
			MaxItems:    req.MaxItems,
			Lang:        req.Lang,
			Credentials: req.Credentials,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[rec.job.ID] = rec
	m.active[key] = rec.job.ID
	pruned := m.pruneTerminalJobsLocked(now)
	snapshot := cloneJob(rec.job)
	m.wg.Add(1)
	m.mu.Unlock()

	if len(pruned) > 0 {
		log.Debug("Pruned %d terminal jobs", len(pruned))
	}
	log.Info("Queued job %s for %s (max_items=%d lang=%s source=%s)", snapshot.ID, req.ChannelURL, req.MaxItems, req.Lang, req.Source)

	go m.run(jobCtx, rec)
	return snapshot, nil
}

// Status returns a snapshot of job id.
func (m *Manager) Status(id string) (*BatchJob, error) {
	m.mu.RLock()
	rec, ok := m.jobs[id]
	var snapshot *BatchJob
	if ok {
		snapshot = cloneJob(rec.job)
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot, nil
}

// List returns snapshots of every retained job, newest first.
func (m *Manager) List() []*BatchJob {
	m.mu.RLock()
	ret := make([]*BatchJob, 0, len(m.jobs))
	for _, rec := range m.jobs {
		ret = append(ret, cloneJob(rec.job))
	}
	m.mu.RUnlock()

	sortNewestFirst(ret)
	return ret
}

// Cancel stops a queued or running job. The job ends failed with error
// "cancelled" once its worker notices, at the latest after the current item.
func (m *Manager) Cancel(id string) (*BatchJob, error) {
	m.mu.Lock()
	rec, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec.job.Status.Terminal() {
		snapshot := cloneJob(rec.job)
		m.mu.Unlock()
		return snapshot, ErrAlreadyFinished
	}
	if rec.stopReason == "" {
		rec.stopReason = errCancelled
	}
	snapshot := cloneJob(rec.job)
	m.mu.Unlock()

	rec.cancel()
	log.Info("Cancel requested for job %s", id)
	return snapshot, nil
}

// Wait blocks until job id is terminal or ctx ends and returns the final
// snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (*BatchJob, error) {
	m.mu.RLock()
	rec, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneJob(rec.job), nil
}

// History returns the newest jobs for a channel: live ones from the registry
// merged with persisted terminal snapshots.
func (m *Manager) History(ctx context.Context, channelURL string, limit int) ([]*BatchJob, error) {
	if limit <= 0 {
		limit = 10
	}
	key := channel.NormalizeChannelURL(channelURL)
	seen := make(map[string]struct{})
	var ret []*BatchJob

	m.mu.RLock()
	for _, rec := range m.jobs {
		if rec.key == key {
			ret = append(ret, cloneJob(rec.job))
			seen[rec.job.ID] = struct{}{}
		}
	}
	m.mu.RUnlock()

	if m.store != nil {
		stored, err := m.store.ListJobs(ctx, key, limit)
		if err != nil {
			return nil, fmt.Errorf("load job history: %w", err)
		}
		for _, job := range stored {
			if _, dup := seen[job.ID]; !dup {
				ret = append(ret, job)
			}
		}
	}

	sortNewestFirst(ret)
	if len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

// Counts reports how many retained jobs are in each status.
func (m *Manager) Counts() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[Status]int{}
	for _, rec := range m.jobs {
		counts[rec.job.Status]++
	}
	return counts
}

// Close cancels every unfinished job and waits for the workers to exit.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, rec := range m.jobs {
		if !rec.job.Status.Terminal() && rec.stopReason == "" {
			rec.stopReason = errShutdown
		}
	}
	m.mu.Unlock()
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, rec *record) {
	defer m.wg.Done()
	defer close(rec.done)
	defer rec.cancel()

	id := rec.job.ID
	if m.slots != nil {
		select {
		case m.slots <- struct{}{}:
			defer func() { <-m.slots }()
		case <-ctx.Done():
			m.finish(rec, nil, ctx.Err())
			return
		}
	}

	if !m.markRunning(rec) {
		m.finish(rec, nil, context.Canceled)
		return
	}

	var result *channel.BatchResult
	err := service.SafeExecute(func() error {
		var err error
		result, err = m.processor.ProcessStream(ctx, rec.req, func(p channel.Progress) {
			m.updateProgress(id, p)
		})
		return err
	})
	m.finish(rec, result, err)
}

func (m *Manager) markRunning(rec *record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.stopReason != "" || rec.job.Status != StatusQueued {
		return false
	}
	now := m.now()
	rec.job.Status = StatusRunning
	rec.job.StartedAt = &now
	rec.job.UpdatedAt = now
	log.Info("Job %s running", rec.job.ID)
	return true
}

func (m *Manager) updateProgress(id string, p channel.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok || rec.job.Status != StatusRunning {
		return
	}
	job := rec.job
	if p.Index < job.CurrentIndex {
		return
	}
	job.CurrentIndex = p.Index
	job.TotalItems = p.Total
	job.CurrentItem = p.CurrentItem
	if p.Total > 0 {
		job.Progress = p.Index * 100 / p.Total
	}
	job.UpdatedAt = m.now()
}

func (m *Manager) finish(rec *record, result *channel.BatchResult, runErr error) {
	m.mu.Lock()
	job := rec.job
	if job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	now := m.now()
	if job.Status == StatusQueued {
		// stopped before a worker slot freed: still passes through running
		job.Status = StatusRunning
		job.StartedAt = &now
	}
	job.FinishedAt = &now
	job.UpdatedAt = now

	switch {
	case runErr == nil && result != nil:
		job.Status = StatusCompleted
		job.Result = result.Clone()
		job.CurrentIndex = result.Attempted
		job.TotalItems = result.Attempted
		job.Progress = 100
	case rec.stopReason != "":
		job.Status = StatusFailed
		job.Error = rec.stopReason
	case runErr != nil:
		job.Status = StatusFailed
		job.Error = runErr.Error()
	default:
		job.Status = StatusFailed
		job.Error = "batch returned no result"
	}
	if id, ok := m.active[rec.key]; ok && id == job.ID {
		delete(m.active, rec.key)
	}
	pruned := m.pruneTerminalJobsLocked(now)
	snapshot := cloneJob(job)
	m.mu.Unlock()

	if snapshot.Status == StatusCompleted {
		log.Info("Job %s completed: %d attempted, %d succeeded, %d failed",
			snapshot.ID, snapshot.Result.Attempted, snapshot.Result.Succeeded, snapshot.Result.Failed)
	} else {
		log.Error("Job %s failed: %s", snapshot.ID, snapshot.Error)
	}
	if len(pruned) > 0 {
		log.Debug("Pruned %d terminal jobs", len(pruned))
	}
	m.persistJob(snapshot)
}

// pruneTerminalJobsLocked drops terminal jobs past the retention window, then
// the oldest terminal jobs while the registry exceeds its cap.
func (m *Manager) pruneTerminalJobsLocked(now time.Time) []string {
	type candidate struct {
		id         string
		finishedAt time.Time
	}
	terminal := make([]candidate, 0)
	for id, rec := range m.jobs {
		if !rec.job.Status.Terminal() {
			continue
		}
		finishedAt := rec.job.UpdatedAt
		if rec.job.FinishedAt != nil {
			finishedAt = *rec.job.FinishedAt
		}
		terminal = append(terminal, candidate{id: id, finishedAt: finishedAt})
	}
	if len(terminal) == 0 {
		return nil
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].finishedAt.Before(terminal[j].finishedAt)
	})

	var pruned []string
	for _, c := range terminal {
		expired := m.retention > 0 && now.Sub(c.finishedAt) > m.retention
		overCap := m.maxRetained > 0 && len(m.jobs) > m.maxRetained
		if !expired && !overCap {
			break
		}
		delete(m.jobs, c.id)
		pruned = append(pruned, c.id)
	}
	return pruned
}

func (m *Manager) persistJob(job *BatchJob) {
	if m.store == nil || job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.SaveJob(ctx, job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func sortNewestFirst(jobs []*BatchJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
