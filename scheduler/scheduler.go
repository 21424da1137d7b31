package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Processor handles one claimed job. Returning an error only logs — the
// scheduler's run loop never dies from a processor failure; the job simply
// isn't marked executed and its lease will expire for another claimant.
type Processor func(ctx context.Context, job Job) error

// ProcessorConfig is the per-job-name pool spec: how many jobs to claim per
// tick, how many to run concurrently, how long a claim lease lasts before
// another worker may reclaim it, and the idle sleep between ticks.
type ProcessorConfig struct {
	BatchSize     int
	Concurrency   int
	ClaimDuration time.Duration
	Cooldown      time.Duration
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.ClaimDuration <= 0 {
		c.ClaimDuration = 5 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 500 * time.Millisecond
	}
	return c
}

type registration struct {
	processor Processor
	config    ProcessorConfig
}

// Scheduler is spec.md §4.2's persistent priority job queue: Store holds
// the rows, a registered Processor per JobName drains them on its own
// cooldown/concurrency pool.
type Scheduler struct {
	store        Store
	mu           sync.Mutex
	processors   map[JobName]registration
	paused       map[JobName]bool
}

func New(store Store) *Scheduler {
	return &Scheduler{
		store:      store,
		processors: make(map[JobName]registration),
		paused:     make(map[JobName]bool),
	}
}

// Register binds a Processor to a JobName with its pool configuration.
// Run starts one goroutine loop per registered name.
func (s *Scheduler) Register(name JobName, processor Processor, config ProcessorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors[name] = registration{processor: processor, config: config.withDefaults()}
}

// PauseProcessor stops a registered name's run loop from claiming new jobs
// without unregistering it; ResumeProcessor resumes it. Unlike subscriber
// pausing (cursor-keyed, durable), processor pause is in-memory only — it
// exists to quiesce a single running node, not a durable feature toggle.
func (s *Scheduler) PauseProcessor(name JobName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[name] = true
}

func (s *Scheduler) ResumeProcessor(name JobName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[name] = false
}

func (s *Scheduler) isPaused(name JobName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[name]
}

// Put enqueues a job. When params.OverwriteExisting is false and a job
// with the same id already exists, the existing row's scheduling fields
// (name, last/next execution, interval, payload, priority) are preserved — the
// caller's Put becomes a no-op re-assertion of "this job should exist."
func (s *Scheduler) Put(ctx context.Context, params JobParameters) error {
	job := params.ToJob()
	if !params.OverwriteExisting {
		existing, err := s.store.FindJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			job.Name = existing.Name
			job.LastExecution = existing.LastExecution
			job.NextExecution = existing.NextExecution
			job.IntervalSeconds = existing.IntervalSeconds
			job.Payload = existing.Payload
			job.Priority = existing.Priority
		}
	}
	return s.store.Put(ctx, job)
}

// Run starts every registered processor's poll loop. It returns when ctx
// is cancelled, after all loops have exited.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	names := make([]JobName, 0, len(s.processors))
	for name := range s.processors {
		names = append(names, name)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			s.runProcessorLoop(ctx, name)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runProcessorLoop(ctx context.Context, name JobName) {
	s.mu.Lock()
	reg := s.processors[name]
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.isPaused(name) {
			time.Sleep(reg.config.Cooldown)
			continue
		}

		jobs, err := s.store.ClaimNextJobs(ctx, name, reg.config.BatchSize, int64(reg.config.ClaimDuration.Seconds()))
		if err != nil {
			log.Printf("scheduler: claim jobs for %s: %v", name, err)
			time.Sleep(reg.config.Cooldown)
			continue
		}

		if len(jobs) > 0 {
			s.dispatch(ctx, reg, jobs)
		}

		time.Sleep(reg.config.Cooldown)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, reg registration, jobs []Job) {
	sem := make(chan struct{}, reg.config.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var executed []Job

	for _, job := range jobs {
		job := job
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := reg.processor(ctx, job); err != nil {
				log.Printf("scheduler: job %s (%s) failed: %v", job.ID, job.Name, err)
				return
			}
			mu.Lock()
			executed = append(executed, job)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(executed) > 0 {
		if err := s.store.UpdateJobsAfterExecution(ctx, executed); err != nil {
			log.Printf("scheduler: update jobs after execution: %v", err)
		}
	}
}

// GarbageCollectOrphanedTransientJobs deletes non-recurring jobs whose
// claim lease has expired without a registered processor to run them —
// stale work left behind by a node that registered a processor, claimed
// jobs, then was redeployed without that processor.
func (s *Scheduler) GarbageCollectOrphanedTransientJobs(ctx context.Context, claimDuration time.Duration) error {
	s.mu.Lock()
	registered := make(map[JobName]bool, len(s.processors))
	for name := range s.processors {
		registered[name] = true
	}
	s.mu.Unlock()

	jobs, err := s.store.GetJobs(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-claimDuration)
	for _, job := range jobs {
		if job.IntervalSeconds != nil {
			continue
		}
		if registered[job.Name] {
			continue
		}
		if job.ClaimedAt == nil || job.ClaimedAt.After(cutoff) {
			continue
		}
		log.Printf("scheduler: garbage-collecting orphaned transient job %s (%s)", job.ID, job.Name)
		if err := s.store.DeleteJob(ctx, job.ID); err != nil {
			log.Printf("scheduler: garbage-collect job %s: %v", job.ID, err)
		}
	}
	return nil
}
