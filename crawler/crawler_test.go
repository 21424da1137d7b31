package crawler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shedrachokonofua/lute/contentstore"
	"github.com/shedrachokonofua/lute/crawler"
	"github.com/shedrachokonofua/lute/eventlog"
	esqlite "github.com/shedrachokonofua/lute/eventlog/sqlite"
	"github.com/shedrachokonofua/lute/files"
	"github.com/shedrachokonofua/lute/scheduler"
	ssqlite "github.com/shedrachokonofua/lute/scheduler/sqlite"
)

// fakeKV is a minimal in-memory kv.Store — the real Store is Redis-backed
// and not worth standing up for these tests.
type fakeKV struct {
	mu     sync.Mutex
	values map[string]string
	hashes map[string]map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: map[string]string{}, hashes: map[string]map[string]string{}}
}

func (f *fakeKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes[key], nil
}

func (f *fakeKV) HSet(ctx context.Context, key string, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	if v, ok := f.values[key]; ok {
		n, _ = strconv.ParseInt(v, 10, 64)
	}
	n++
	f.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

type fakeInteractor struct{ stale bool }

func (f fakeInteractor) IsFileStale(ctx context.Context, name files.FileName) (bool, error) {
	return f.stale, nil
}

func newHarness(t *testing.T, cfg crawler.Config) (*crawler.Crawler, eventlog.Log, *ssqlite.DB, files.Store) {
	t.Helper()
	logDB, err := esqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("esqlite.Open: %v", err)
	}
	t.Cleanup(func() { logDB.Close() })

	store, err := ssqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("ssqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched := scheduler.New(store)
	kv := newFakeKV()
	fileStore := files.NewKVStore(kv)
	cs := contentstore.NewFS(t.TempDir())

	cr := crawler.New(cfg, cs, fileStore, fakeInteractor{stale: true}, logDB, sched, store, kv)
	return cr, logDB, store, fileStore
}

func fn(t *testing.T, raw string) files.FileName {
	t.Helper()
	f, err := files.ParseFileName(raw)
	if err != nil {
		t.Fatalf("ParseFileName: %v", err)
	}
	return f
}

func TestEnqueueIsIdempotentByFileName(t *testing.T) {
	ctx := context.Background()
	cr, _, store, _ := newHarness(t, crawler.Config{RateLimitMax: 100})
	name := fn(t, "artist/fela-kuti")

	if err := cr.Enqueue(ctx, crawler.EnqueueParams{FileName: name}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := cr.Enqueue(ctx, crawler.EnqueueParams{FileName: name}); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}

	count, err := store.CountJobsByName(ctx, scheduler.JobNameCrawl)
	if err != nil {
		t.Fatalf("CountJobsByName: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one crawl job for a repeated file name, got %d", count)
	}
}

func TestEnqueueIfStaleSkipsFreshFiles(t *testing.T) {
	ctx := context.Background()
	logDB, err := esqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("esqlite.Open: %v", err)
	}
	defer logDB.Close()
	store, err := ssqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("ssqlite.Open: %v", err)
	}
	defer store.Close()
	sched := scheduler.New(store)
	kv := newFakeKV()
	fileStore := files.NewKVStore(kv)
	cs := contentstore.NewFS(t.TempDir())
	cr := crawler.New(crawler.Config{RateLimitMax: 100}, cs, fileStore, fakeInteractor{stale: false}, logDB, sched, store, kv)

	name := fn(t, "artist/fela-kuti")
	if err := cr.EnqueueIfStale(ctx, crawler.EnqueueParams{FileName: name}); err != nil {
		t.Fatalf("EnqueueIfStale: %v", err)
	}

	count, err := store.CountJobsByName(ctx, scheduler.JobNameCrawl)
	if err != nil {
		t.Fatalf("CountJobsByName: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no job enqueued for a fresh file, got %d", count)
	}
}

func TestEnforceThrottleTripsWhenWindowAtCap(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cr, _, store, _ := newHarness(t, crawler.Config{BaseURL: srv.URL, RateLimitMax: 1, RateLimitWindow: time.Minute, RequestTimeout: 2 * time.Second})

	status, err := cr.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != crawler.StatusRunning {
		t.Fatalf("expected a fresh crawler to start running, got %s", status)
	}

	if err := cr.EnforceThrottle(ctx); err != nil {
		t.Fatalf("EnforceThrottle (under cap): %v", err)
	}
	status, _ = cr.GetStatus(ctx)
	if status != crawler.StatusRunning {
		t.Fatalf("expected no throttle below the window cap, got %s", status)
	}

	// One successful fetch uses the window's only request.
	name := fn(t, "artist/fela-kuti")
	if err := cr.Enqueue(ctx, crawler.EnqueueParams{FileName: name}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := store.FindJob(ctx, "crawl:"+name.String())
	if err != nil || job == nil {
		t.Fatalf("FindJob: %v, job=%v", err, job)
	}
	if err := cr.Execute(ctx, *job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := cr.EnforceThrottle(ctx); err != nil {
		t.Fatalf("EnforceThrottle (at cap): %v", err)
	}
	status, _ = cr.GetStatus(ctx)
	if status != crawler.StatusThrottled {
		t.Fatalf("expected a throttle once the window cap is reached, got %s", status)
	}
}

func TestExecuteSkipsWhenPaused(t *testing.T) {
	ctx := context.Background()
	cr, _, store, _ := newHarness(t, crawler.Config{RateLimitMax: 100})
	name := fn(t, "artist/fela-kuti")

	// Enqueue while running so the job is admitted, then pause — Execute
	// must still refuse an already-claimed job once paused.
	if err := cr.Enqueue(ctx, crawler.EnqueueParams{FileName: name}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := store.FindJob(ctx, "crawl:"+name.String())
	if err != nil || job == nil {
		t.Fatalf("FindJob: %v, job=%v", err, job)
	}

	if err := cr.SetStatus(ctx, crawler.StatusPaused); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if err := cr.Execute(ctx, *job); err == nil {
		t.Fatal("expected Execute to refuse work while paused")
	}
}

func TestEnqueueRefusedWhilePausedOrDraining(t *testing.T) {
	ctx := context.Background()
	cr, _, _, _ := newHarness(t, crawler.Config{RateLimitMax: 100})

	for _, status := range []crawler.Status{crawler.StatusPaused, crawler.StatusDraining} {
		if err := cr.SetStatus(ctx, status); err != nil {
			t.Fatalf("SetStatus(%s): %v", status, err)
		}
		name := fn(t, "artist/fela-kuti")
		if err := cr.Enqueue(ctx, crawler.EnqueueParams{FileName: name}); err == nil {
			t.Fatalf("expected Enqueue to be refused while %s", status)
		}
	}
}

func TestExecuteCompletesAlreadyClaimedJobWhileDraining(t *testing.T) {
	ctx := context.Background()
	body := "lyrics body"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cr, _, store, _ := newHarness(t, crawler.Config{BaseURL: srv.URL, RateLimitMax: 100})
	name := fn(t, "artist/fela-kuti")

	if err := cr.Enqueue(ctx, crawler.EnqueueParams{FileName: name}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := store.FindJob(ctx, "crawl:"+name.String())
	if err != nil || job == nil {
		t.Fatalf("FindJob: %v, job=%v", err, job)
	}

	if err := cr.SetStatus(ctx, crawler.StatusDraining); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if err := cr.Execute(ctx, *job); err != nil {
		t.Fatalf("expected an already-claimed job to finish while draining, got: %v", err)
	}
}

func TestExecutePermanentFailureDeletesJobAndPublishesCrawlFailed(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cr, logDB, store, _ := newHarness(t, crawler.Config{RateLimitMax: 100, BaseURL: srv.URL, RequestTimeout: 2 * time.Second})
	name := fn(t, "artist/fela-kuti")

	if err := cr.Enqueue(ctx, crawler.EnqueueParams{FileName: name}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := store.FindJob(ctx, "crawl:"+name.String())
	if err != nil || job == nil {
		t.Fatalf("FindJob: %v, job=%v", err, job)
	}

	if err := cr.Execute(ctx, *job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	remaining, err := store.FindJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("FindJob after execute: %v", err)
	}
	if remaining != nil {
		t.Fatal("expected the permanently-failed job to be deleted")
	}

	list, err := logDB.GetEventsAfterCursor(ctx, []eventlog.Topic{eventlog.TopicAll}, "test-observer", 10)
	if err != nil {
		t.Fatalf("GetEventsAfterCursor: %v", err)
	}
	foundFailed := false
	for _, row := range list.Rows {
		if row.Payload.Event.Kind() == eventlog.EventKindCrawlFailed {
			foundFailed = true
		}
	}
	if !foundFailed {
		t.Fatal("expected a CrawlFailed event to be published")
	}
}

func TestExecuteSuccessStoresContentAndPublishesFileSaved(t *testing.T) {
	ctx := context.Background()
	const body = "<html>fela kuti</html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	cr, logDB, store, fileStore := newHarness(t, crawler.Config{RateLimitMax: 100, BaseURL: srv.URL, RequestTimeout: 2 * time.Second})
	name := fn(t, "artist/fela-kuti")

	if err := cr.Enqueue(ctx, crawler.EnqueueParams{FileName: name}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := store.FindJob(ctx, "crawl:"+name.String())
	if err != nil || job == nil {
		t.Fatalf("FindJob: %v, job=%v", err, job)
	}

	if err := cr.Execute(ctx, *job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	meta, err := fileStore.Get(ctx, name)
	if err != nil {
		t.Fatalf("fileStore.Get: %v", err)
	}
	if meta == nil {
		t.Fatal("expected FileMetadata to be upserted on successful crawl")
	}

	list, err := logDB.GetEventsAfterCursor(ctx, []eventlog.Topic{eventlog.TopicAll}, "test-observer-2", 10)
	if err != nil {
		t.Fatalf("GetEventsAfterCursor: %v", err)
	}
	foundSaved := false
	for _, row := range list.Rows {
		if row.Payload.Event.Kind() == eventlog.EventKindFileSaved {
			foundSaved = true
		}
	}
	if !foundSaved {
		t.Fatal("expected a FileSaved event to be published")
	}
}
