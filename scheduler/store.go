package scheduler

import "context"

// Store is the persistence contract scheduler.Scheduler runs against.
// Both backends (sqlite, postgres) implement it identically.
type Store interface {
	Put(ctx context.Context, job Job) error
	PutMany(ctx context.Context, jobs []Job) error
	FindJob(ctx context.Context, id string) (*Job, error)
	FindJobs(ctx context.Context, ids []string) ([]Job, error)
	GetJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, id string) error
	DeleteAllJobs(ctx context.Context) error
	DeleteJobsByName(ctx context.Context, name JobName) error

	ClaimNextJobs(ctx context.Context, name JobName, count int, claimDuration int64) ([]Job, error)
	CountJobsByName(ctx context.Context, name JobName) (int64, error)
	CountClaimedJobsByName(ctx context.Context, name JobName, claimDuration int64) (int64, error)
	FindClaimedJobsByName(ctx context.Context, name JobName, claimDuration int64) ([]Job, error)

	UpdateJobsAfterExecution(ctx context.Context, jobs []Job) error
}
