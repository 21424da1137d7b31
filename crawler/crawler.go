// Package crawler implements spec.md §4.4: a rate-limited, backoff-retrying
// fetcher of rateyourmusic.com pages, queued through the scheduler under
// JobName "crawl" and gated by a sliding-window rate limiter and a durable
// status state machine. Grounded on the original Crawler/CrawlerWorker pair
// (crawler.rs, crawler_worker.rs) and the teacher's HTTP client conventions.
package crawler

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/shedrachokonofua/lute/contentstore"
	"github.com/shedrachokonofua/lute/eventlog"
	"github.com/shedrachokonofua/lute/files"
	"github.com/shedrachokonofua/lute/kv"
	"github.com/shedrachokonofua/lute/luteerr"
	"github.com/shedrachokonofua/lute/scheduler"
)

// Status is the crawler's durable state machine (spec.md §4.4).
type Status int

const (
	StatusRunning Status = iota
	StatusPaused
	StatusDraining
	StatusThrottled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusDraining:
		return "draining"
	case StatusThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

const statusKey = "crawler:status"

// ProxySettings configures an upstream HTTP proxy with basic auth, mirroring
// the original crawler.rs's reqwest::Proxy::all().basic_auth() construction.
type ProxySettings struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Config is the crawler's runtime configuration (spec.md §6's crawler.*
// keys).
type Config struct {
	BaseURL         string
	Proxy           *ProxySettings
	RateLimitWindow time.Duration
	RateLimitMax    uint32
	RequestTimeout  time.Duration
	ClaimDuration   time.Duration
}

// Crawler is the fetch-and-persist engine. Execute is the scheduler.Processor
// registered under JobNameCrawl; Enqueue/EnqueueIfStale are the producer
// side called by whatever discovers new file names to fetch.
type Crawler struct {
	config         Config
	client         *resty.Client
	contentStore   contentstore.Store
	fileInteractor files.Interactor
	fileStore      files.Store
	log            eventlog.Log
	scheduler      *scheduler.Scheduler
	store          scheduler.Store
	kv             kv.Store
	rateLimiter    *rateLimiter
	throttleMu     sync.Mutex
}

func New(
	config Config,
	contentStore contentstore.Store,
	fileStore files.Store,
	fileInteractor files.Interactor,
	evLog eventlog.Log,
	sched *scheduler.Scheduler,
	store scheduler.Store,
	kvStore kv.Store,
) *Crawler {
	client := resty.New().
		SetTimeout(config.RequestTimeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})

	if config.Proxy != nil {
		proxyURL := fmt.Sprintf("http://%s:%s@%s:%d",
			config.Proxy.Username, config.Proxy.Password, config.Proxy.Host, config.Proxy.Port)
		client.SetProxy(proxyURL)
	}

	windowSeconds := int64(config.RateLimitWindow.Seconds())
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	return &Crawler{
		config:         config,
		client:         client,
		contentStore:   contentStore,
		fileStore:      fileStore,
		fileInteractor: fileInteractor,
		log:            evLog,
		scheduler:      sched,
		store:          store,
		kv:             kvStore,
		rateLimiter:    newRateLimiter(kvStore, windowSeconds, config.RateLimitMax),
	}
}

func (c *Crawler) url(name files.FileName) string {
	base := c.config.BaseURL
	if base == "" {
		base = "https://rateyourmusic.com"
	}
	return fmt.Sprintf("%s/%s", base, name.String())
}

func (c *Crawler) claimDuration() time.Duration {
	if c.config.ClaimDuration <= 0 {
		return 5 * time.Minute
	}
	return c.config.ClaimDuration
}

// EnqueueParams mirrors QueuePushParameters: what to crawl and its causal
// context.
type EnqueueParams struct {
	FileName      files.FileName
	CorrelationID *string
	Priority      scheduler.Priority
}

// Enqueue schedules a crawl job for name, deduplicated by file name — a
// second Enqueue for the same name before the first runs is a no-op because
// the job id is deterministic and OverwriteExisting is false. Refuses to
// admit new work while the crawler is Paused or Draining — a claimed job
// already in flight still runs to completion, only new enqueues are turned
// away.
func (c *Crawler) Enqueue(ctx context.Context, params EnqueueParams) error {
	status, err := c.GetStatus(ctx)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "Enqueue", err)
	}
	if status == StatusPaused || status == StatusDraining {
		return luteerr.New(luteerr.KindTransient, "Enqueue", fmt.Errorf("crawler is %s", status))
	}

	payload, err := marshalCrawlPayload(crawlJobPayload{
		FileName:      params.FileName.String(),
		CorrelationID: params.CorrelationID,
	})
	if err != nil {
		return luteerr.New(luteerr.KindInvalidInput, "Enqueue", err)
	}
	return c.scheduler.Put(ctx, scheduler.JobParameters{
		Name:              scheduler.JobNameCrawl,
		ID:                "crawl:" + params.FileName.String(),
		Payload:           payload,
		Priority:          params.Priority,
		OverwriteExisting: false,
	})
}

// EnqueueIfStale enqueues only when the file's cached metadata is stale or
// absent, avoiding redundant re-crawls of fresh pages.
func (c *Crawler) EnqueueIfStale(ctx context.Context, params EnqueueParams) error {
	stale, err := c.fileInteractor.IsFileStale(ctx, params.FileName)
	if err != nil {
		return err
	}
	if !stale {
		return nil
	}
	return c.Enqueue(ctx, params)
}

func (c *Crawler) SetStatus(ctx context.Context, status Status) error {
	return c.kv.Set(ctx, statusKey, fmt.Sprintf("%d", int(status)), 0)
}

func (c *Crawler) GetStatus(ctx context.Context) (Status, error) {
	raw, found, err := c.kv.Get(ctx, statusKey)
	if err != nil {
		return StatusRunning, luteerr.New(luteerr.KindStorage, "GetStatus", err)
	}
	if !found {
		return StatusRunning, nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return StatusRunning, luteerr.New(luteerr.KindCorruption, "GetStatus", err)
	}
	return Status(n), nil
}

func (c *Crawler) EmptyQueue(ctx context.Context) error {
	return c.store.DeleteJobsByName(ctx, scheduler.JobNameCrawl)
}

func (c *Crawler) WindowRequestCount(ctx context.Context) (uint32, error) {
	return c.rateLimiter.windowRequestCount(ctx)
}

func (c *Crawler) RemainingWindowRequests(ctx context.Context) (uint32, error) {
	return c.rateLimiter.remaining(ctx)
}

func (c *Crawler) RemoveThrottle(ctx context.Context) error {
	if err := c.rateLimiter.reset(ctx); err != nil {
		return err
	}
	return c.SetStatus(ctx, StatusRunning)
}

// ShouldThrottle reports whether the window counter plus in-flight claimed
// crawl jobs has reached the configured cap. A crawler already throttled
// never re-trips — only RemoveThrottle clears the state — mirroring the
// original should_throttle's early return.
func (c *Crawler) ShouldThrottle(ctx context.Context) (bool, error) {
	status, err := c.GetStatus(ctx)
	if err != nil {
		return false, err
	}
	if status == StatusThrottled {
		return false, nil
	}
	windowCount, err := c.rateLimiter.windowRequestCount(ctx)
	if err != nil {
		return false, err
	}
	claimed, err := c.store.CountClaimedJobsByName(ctx, scheduler.JobNameCrawl, int64(c.claimDuration().Seconds()))
	if err != nil {
		return false, luteerr.New(luteerr.KindStorage, "ShouldThrottle", err)
	}
	total := windowCount + uint32(claimed)
	return total >= c.config.RateLimitMax, nil
}

// EnforceThrottle serialises the check-then-set so concurrent workers never
// race past the cap before the status flips.
func (c *Crawler) EnforceThrottle(ctx context.Context) error {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()

	should, err := c.ShouldThrottle(ctx)
	if err != nil {
		return err
	}
	if should {
		return c.SetStatus(ctx, StatusThrottled)
	}
	return nil
}

// Execute performs one fetch-and-persist cycle for a claimed crawl job:
// fetch with Fibonacci-backoff retry, store the body, upsert FileMetadata,
// publish FileSaved. A permanent (4xx) failure publishes CrawlFailed instead
// and deletes the job itself, returning nil so the scheduler doesn't also
// try to mark a deleted job executed; any other error is returned so the
// scheduler leaves the job claimed for a later retry once its lease expires.
func (c *Crawler) Execute(ctx context.Context, job scheduler.Job) error {
	if err := c.EnforceThrottle(ctx); err != nil {
		return luteerr.New(luteerr.KindStorage, "Execute", err)
	}
	status, err := c.GetStatus(ctx)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "Execute", err)
	}
	if status == StatusPaused || status == StatusThrottled {
		return luteerr.New(luteerr.KindTransient, "Execute", fmt.Errorf("crawler is %s", status))
	}

	payload, err := unmarshalCrawlPayload(job.Payload)
	if err != nil {
		return luteerr.New(luteerr.KindInvalidInput, "Execute", err)
	}
	name, err := files.ParseFileName(payload.FileName)
	if err != nil {
		return luteerr.New(luteerr.KindInvalidInput, "Execute", err)
	}

	body, fetchErr := c.fetchWithRetry(ctx, name)
	if fetchErr != nil {
		if luteerr.Is(fetchErr, luteerr.KindPermanentForURL) {
			return c.failPermanently(ctx, job, name, payload.CorrelationID, fetchErr)
		}
		return fetchErr
	}

	if err := c.contentStore.Put(ctx, name.String(), body); err != nil {
		return luteerr.New(luteerr.KindStorage, "Execute", err)
	}

	meta, err := c.fileStore.Put(ctx, name)
	if err != nil {
		return luteerr.New(luteerr.KindInconsistentProgress, "Execute", err)
	}

	entry := eventlog.EventPayload{
		Event:         eventlog.FileSaved{FileID: meta.ID, FileName: name},
		Key:           name.String(),
		CorrelationID: payload.CorrelationID,
	}
	if err := eventlog.Append(ctx, c.log, eventlog.TopicFile, entry); err != nil {
		return luteerr.New(luteerr.KindInconsistentProgress, "Execute", err)
	}

	return nil
}

// failPermanently publishes CrawlFailed and deletes job directly (rather
// than returning an error for the scheduler's normal post-execution path)
// since a permanently-failed crawl must never be rescheduled or retried.
func (c *Crawler) failPermanently(ctx context.Context, job scheduler.Job, name files.FileName, correlationID *string, cause error) error {
	entry := eventlog.EventPayload{
		Event:         eventlog.CrawlFailed{FileName: name, Error: cause.Error()},
		Key:           name.String(),
		CorrelationID: correlationID,
	}
	if err := eventlog.Append(ctx, c.log, eventlog.TopicFile, entry); err != nil {
		log.Printf("crawler: publish CrawlFailed for %s: %v", name, err)
	}
	if err := c.store.DeleteJob(ctx, job.ID); err != nil {
		log.Printf("crawler: delete permanently-failed job %s: %v", job.ID, err)
	}
	return nil
}

// fetchWithRetry wraps the HTTP GET in a Fibonacci backoff sequence —
// 500ms, 500ms, 1s, 1.5s between its at most 5 attempts — matching the
// original crawler_worker.rs's FibonacciBackoff::from_millis(500).take(5).
func (c *Crawler) fetchWithRetry(ctx context.Context, name files.FileName) ([]byte, error) {
	var body []byte
	op := func() error {
		if err := c.rateLimiter.increment(ctx); err != nil {
			return err
		}
		resp, err := c.client.R().SetContext(ctx).Get(c.url(name))
		if err != nil {
			return luteerr.New(luteerr.KindTransient, "fetchWithRetry", err)
		}
		if resp.StatusCode() == 429 {
			return backoff.Permanent(luteerr.New(luteerr.KindRateLimited, "fetchWithRetry", fmt.Errorf("429 for %s", name)))
		}
		if resp.StatusCode() >= 500 {
			return luteerr.New(luteerr.KindTransient, "fetchWithRetry", fmt.Errorf("status %d for %s", resp.StatusCode(), name))
		}
		if resp.StatusCode() >= 400 {
			return backoff.Permanent(luteerr.New(luteerr.KindPermanentForURL, "fetchWithRetry", fmt.Errorf("status %d for %s", resp.StatusCode(), name)))
		}
		body = resp.Body()
		return nil
	}

	err := backoff.Retry(op, fibonacciBackoff(500*time.Millisecond, 5))
	if err != nil {
		if luteerr.Is(err, luteerr.KindPermanentForURL) || luteerr.Is(err, luteerr.KindRateLimited) {
			return nil, err
		}
		return nil, luteerr.New(luteerr.KindTransient, "fetchWithRetry", err)
	}
	return body, nil
}
