// Package scheduler implements spec.md §4.2: a persistent, priority-ordered
// job queue with exclusive claim leases and periodic rescheduling. Two
// backends share the Store interface — scheduler/sqlite and
// scheduler/postgres — grounded on the same teacher packages as eventlog.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/shedrachokonofua/lute/luteerr"
)

// JobName is the closed set of job kinds a processor can be registered
// against (spec.md §3).
type JobName string

const (
	JobNameCrawl                   JobName = "crawl"
	JobNameChangeSubscriberStatus  JobName = "change_subscriber_status"
	JobNameComputeAggregatedEmbedding JobName = "compute_aggregated_embedding"
	JobNameKVGarbageCollect        JobName = "kv_garbage_collect"
)

// Priority orders otherwise-equally-ready jobs; lower values run first.
type Priority int

const (
	PriorityExpress  Priority = 0
	PriorityHigh     Priority = 1
	PriorityStandard Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityExpress:
		return "express"
	case PriorityHigh:
		return "high"
	case PriorityStandard:
		return "standard"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Job is a persisted row: an execution-ready unit of work, optionally
// recurring, optionally claimed by an in-flight processor.
type Job struct {
	ID               string
	Name             JobName
	CreatedAt        time.Time
	NextExecution    time.Time
	LastExecution    *time.Time
	IntervalSeconds  *uint32
	Payload          []byte
	ClaimedAt        *time.Time
	Priority         Priority
}

// DecodePayload unmarshals the job's JSON payload into v.
func DecodePayload[T any](job Job) (T, error) {
	var v T
	if len(job.Payload) == 0 {
		return v, luteerr.New(luteerr.KindInvalidInput, "DecodePayload", errNoPayload)
	}
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, luteerr.New(luteerr.KindInvalidInput, "DecodePayload", err)
	}
	return v, nil
}

var errNoPayload = jobPayloadError("job has no payload")

type jobPayloadError string

func (e jobPayloadError) Error() string { return string(e) }

// JobParameters describes a job to be enqueued via Store.Put. ID defaults
// to Name's string form when unset, matching the scheduler's
// single-job-per-name convention for singleton recurring jobs.
type JobParameters struct {
	Name               JobName
	ID                 string
	Interval           *time.Duration
	NextExecution      time.Time
	OverwriteExisting  bool
	Payload            []byte
	Priority           Priority
}

// ToJob converts JobParameters to the Job shape Store.Put persists,
// defaulting ID to Name and NextExecution to now.
func (p JobParameters) ToJob() Job {
	id := p.ID
	if id == "" {
		id = string(p.Name)
	}
	next := p.NextExecution
	if next.IsZero() {
		next = time.Now().UTC()
	}
	var intervalSeconds *uint32
	if p.Interval != nil {
		s := uint32(p.Interval.Seconds())
		intervalSeconds = &s
	}
	return Job{
		ID:              id,
		Name:            p.Name,
		NextExecution:   next,
		IntervalSeconds: intervalSeconds,
		Payload:         p.Payload,
		Priority:        p.Priority,
	}
}

// ChangeSubscriberStatusPayload is the JSON payload of a
// JobNameChangeSubscriberStatus job — the mechanism spec.md §4.3 describes
// for pausing/resuming a subscriber on a delay.
type ChangeSubscriberStatusPayload struct {
	SubscriberID string `json:"subscriber_id"`
	Status       int    `json:"status"`
}
