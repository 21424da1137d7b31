package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shedrachokonofua/lute/scheduler"
	ssqlite "github.com/shedrachokonofua/lute/scheduler/sqlite"
)

func newTestDB(t *testing.T) *ssqlite.DB {
	t.Helper()
	db, err := ssqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestClaimNextJobsOrdersByExecutionThenPriority(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	now := time.Now()
	jobs := []scheduler.Job{
		{ID: "low", Name: "crawl", NextExecution: now, Priority: scheduler.PriorityLow},
		{ID: "express", Name: "crawl", NextExecution: now, Priority: scheduler.PriorityExpress},
		{ID: "standard", Name: "crawl", NextExecution: now, Priority: scheduler.PriorityStandard},
	}
	if err := db.PutMany(ctx, jobs); err != nil {
		t.Fatalf("PutMany: %v", err)
	}

	claimed, err := db.ClaimNextJobs(ctx, "crawl", 10, 300)
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed jobs, got %d", len(claimed))
	}
	if claimed[0].ID != "express" || claimed[1].ID != "standard" || claimed[2].ID != "low" {
		t.Fatalf("unexpected claim order: %v, %v, %v", claimed[0].ID, claimed[1].ID, claimed[2].ID)
	}
}

func TestClaimNextJobsExcludesNotYetReady(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	future := time.Now().Add(time.Hour)
	if err := db.Put(ctx, scheduler.Job{ID: "future", Name: "crawl", NextExecution: future}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	claimed, err := db.ClaimNextJobs(ctx, "crawl", 10, 300)
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected 0 claimed jobs for a not-yet-ready row, got %d", len(claimed))
	}
}

func TestClaimNextJobsExcludesUnexpiredLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if err := db.Put(ctx, scheduler.Job{ID: "job-1", Name: "crawl", NextExecution: time.Now()}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	first, err := db.ClaimNextJobs(ctx, "crawl", 10, 300)
	if err != nil {
		t.Fatalf("first ClaimNextJobs: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(first))
	}

	second, err := db.ClaimNextJobs(ctx, "crawl", 10, 300)
	if err != nil {
		t.Fatalf("second ClaimNextJobs: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected claimed job to be excluded while its lease is live, got %d", len(second))
	}
}

func TestClaimNextJobsReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if err := db.Put(ctx, scheduler.Job{ID: "job-1", Name: "crawl", NextExecution: time.Now()}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := db.ClaimNextJobs(ctx, "crawl", 10, 300); err != nil {
		t.Fatalf("first ClaimNextJobs: %v", err)
	}

	// A claim_duration of 0 treats every existing lease as already expired.
	reclaimed, err := db.ClaimNextJobs(ctx, "crawl", 10, 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected the expired lease to be reclaimable, got %d", len(reclaimed))
	}
}

func TestClaimNextJobsZeroCountClaimsNothing(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if err := db.Put(ctx, scheduler.Job{ID: "job-1", Name: "crawl", NextExecution: time.Now()}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	claimed, err := db.ClaimNextJobs(ctx, "crawl", 0, 300)
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected 0 claimed jobs for count=0, got %d", len(claimed))
	}
}

func TestUpdateJobsAfterExecutionReschedulesRecurringAndDeletesTransient(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	intervalSeconds := uint32(60)
	if err := db.PutMany(ctx, []scheduler.Job{
		{ID: "recurring", Name: "gc", NextExecution: time.Now(), IntervalSeconds: &intervalSeconds},
		{ID: "transient", Name: "crawl", NextExecution: time.Now()},
	}); err != nil {
		t.Fatalf("PutMany: %v", err)
	}

	claimed, err := db.ClaimNextJobs(ctx, "gc", 10, 300)
	if err != nil {
		t.Fatalf("ClaimNextJobs(gc): %v", err)
	}
	claimedTransient, err := db.ClaimNextJobs(ctx, "crawl", 10, 300)
	if err != nil {
		t.Fatalf("ClaimNextJobs(crawl): %v", err)
	}
	all := append(claimed, claimedTransient...)

	if err := db.UpdateJobsAfterExecution(ctx, all); err != nil {
		t.Fatalf("UpdateJobsAfterExecution: %v", err)
	}

	recurring, err := db.FindJob(ctx, "recurring")
	if err != nil {
		t.Fatalf("FindJob(recurring): %v", err)
	}
	if recurring == nil {
		t.Fatal("expected recurring job to still exist")
	}
	if recurring.ClaimedAt != nil {
		t.Fatal("expected recurring job's claim to be released after execution")
	}
	if !recurring.NextExecution.After(time.Now()) {
		t.Fatalf("expected next_execution to be rescheduled into the future, got %v", recurring.NextExecution)
	}

	transient, err := db.FindJob(ctx, "transient")
	if err != nil {
		t.Fatalf("FindJob(transient): %v", err)
	}
	if transient != nil {
		t.Fatal("expected transient (non-recurring) job to be deleted after execution")
	}
}

func TestPutPersistsPriority(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	original := time.Now().Add(2 * time.Hour)
	if err := db.Put(ctx, scheduler.Job{ID: "job-1", Name: "crawl", NextExecution: original, Priority: scheduler.PriorityHigh}); err != nil {
		t.Fatalf("initial Put: %v", err)
	}

	existing, err := db.FindJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("FindJob: %v", err)
	}
	if existing == nil {
		t.Fatal("expected job to exist")
	}
	if existing.Priority != scheduler.PriorityHigh {
		t.Fatalf("expected priority High, got %v", existing.Priority)
	}
}
