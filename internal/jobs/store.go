package jobs

import "context"

// Store keeps terminal job snapshots after they leave the registry.
type Store interface {
	SaveJob(ctx context.Context, job *BatchJob) error
	// ListJobs returns the newest snapshots whose normalized channel URL
	// equals channelKey.
	ListJobs(ctx context.Context, channelKey string, limit int) ([]*BatchJob, error)
}
