package subscriber_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shedrachokonofua/lute/eventlog"
	esqlite "github.com/shedrachokonofua/lute/eventlog/sqlite"
	"github.com/shedrachokonofua/lute/files"
	"github.com/shedrachokonofua/lute/subscriber"
)

func newTestLog(t *testing.T) eventlog.Log {
	t.Helper()
	db, err := esqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("esqlite.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func fn(t *testing.T, raw string) files.FileName {
	t.Helper()
	f, err := files.ParseFileName(raw)
	if err != nil {
		t.Fatalf("ParseFileName: %v", err)
	}
	return f
}

func TestPollGroupsByCorrelationIDAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	logDB := newTestLog(t)
	name := fn(t, "artist/fela-kuti")

	corrA := "corr-a"
	err := logDB.AppendMany(ctx, []eventlog.Entry{
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Event: eventlog.FileSaved{FileName: name}, CorrelationID: &corrA}},
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Event: eventlog.FileDeleted{FileName: name}, CorrelationID: &corrA}},
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Event: eventlog.FileSaved{FileName: name}}},
	})
	if err != nil {
		t.Fatalf("AppendMany: %v", err)
	}

	var mu sync.Mutex
	var groupSizes []int
	sub := &subscriber.Subscriber{
		ID:               "test-sub",
		Topics:           []eventlog.Topic{eventlog.TopicAll},
		BatchSize:        10,
		GroupingStrategy: subscriber.ByCorrelationId(),
		Log:              logDB,
		Handler: subscriber.GroupHandler(func(ctx context.Context, events []subscriber.EventData) error {
			mu.Lock()
			groupSizes = append(groupSizes, len(events))
			mu.Unlock()
			return nil
		}),
	}

	tail, err := sub.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if tail == nil {
		t.Fatal("expected non-nil tail cursor")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(groupSizes) != 2 {
		t.Fatalf("expected 2 groups (one correlated pair, one singleton), got %d: %v", len(groupSizes), groupSizes)
	}
	foundPair := false
	for _, n := range groupSizes {
		if n == 2 {
			foundPair = true
		}
	}
	if !foundPair {
		t.Fatalf("expected one group of size 2 for the shared correlation id, got %v", groupSizes)
	}
}

func TestPollAdvancesCursorDespiteHandlerFailure(t *testing.T) {
	ctx := context.Background()
	logDB := newTestLog(t)
	name := fn(t, "artist/fela-kuti")

	err := logDB.AppendMany(ctx, []eventlog.Entry{
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Event: eventlog.FileSaved{FileName: name}}},
	})
	if err != nil {
		t.Fatalf("AppendMany: %v", err)
	}

	sub := &subscriber.Subscriber{
		ID:     "failing-sub",
		Topics: []eventlog.Topic{eventlog.TopicAll},
		Log:    logDB,
		Handler: subscriber.SingleHandler(func(ctx context.Context, event subscriber.EventData) error {
			return errBoom
		}),
	}

	tail, err := sub.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll returned an error; handler failures must only be logged: %v", err)
	}
	if tail == nil {
		t.Fatal("expected a non-nil tail cursor even though the handler failed")
	}
}

func TestPollOnEmptyTopicSetReturnsNilCursor(t *testing.T) {
	ctx := context.Background()
	logDB := newTestLog(t)

	sub := &subscriber.Subscriber{
		ID:      "empty-sub",
		Topics:  nil,
		Log:     logDB,
		Handler: subscriber.SingleHandler(func(ctx context.Context, event subscriber.EventData) error { return nil }),
	}

	tail, err := sub.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if tail != nil {
		t.Fatalf("expected nil cursor when no topics are subscribed, got %v", *tail)
	}
}

func TestRunStopsPollingWhenPaused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logDB := newTestLog(t)
	name := fn(t, "artist/fela-kuti")

	if err := logDB.SetSubscriberStatus(ctx, "paused-sub", eventlog.StatusPaused); err != nil {
		t.Fatalf("SetSubscriberStatus: %v", err)
	}
	if err := logDB.AppendMany(ctx, []eventlog.Entry{
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Event: eventlog.FileSaved{FileName: name}}},
	}); err != nil {
		t.Fatalf("AppendMany: %v", err)
	}

	var polled int
	var mu sync.Mutex
	sub := &subscriber.Subscriber{
		ID:       "paused-sub",
		Topics:   []eventlog.Topic{eventlog.TopicAll},
		Log:      logDB,
		Cooldown: 5 * time.Millisecond,
		Handler: subscriber.SingleHandler(func(ctx context.Context, event subscriber.EventData) error {
			mu.Lock()
			polled++
			mu.Unlock()
			return nil
		}),
	}

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if polled != 0 {
		t.Fatalf("expected a paused subscriber never to invoke its handler, got %d calls", polled)
	}
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
