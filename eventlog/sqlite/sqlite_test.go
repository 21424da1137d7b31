package sqlite_test

import (
	"context"
	"testing"

	"github.com/shedrachokonofua/lute/eventlog"
	esqlite "github.com/shedrachokonofua/lute/eventlog/sqlite"
	"github.com/shedrachokonofua/lute/files"
)

func newTestDB(t *testing.T) *esqlite.DB {
	t.Helper()
	db, err := esqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func fileName(t *testing.T, raw string) files.FileName {
	t.Helper()
	fn, err := files.ParseFileName(raw)
	if err != nil {
		t.Fatalf("ParseFileName(%q): %v", raw, err)
	}
	return fn
}

func TestAppendManyAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	fn := fileName(t, "artist/fela-kuti")
	err := db.AppendMany(ctx, []eventlog.Entry{
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{
			Event: eventlog.CrawlEnqueued{FileName: fn},
		}},
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{
			Event: eventlog.CrawlEnqueued{FileName: fn},
		}},
	})
	if err != nil {
		t.Fatalf("AppendMany: %v", err)
	}

	n, err := db.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 2 {
		t.Fatalf("CountEvents = %d, want 2", n)
	}
}

func TestAppendManyUpsertsOnTopicKeyAndReissuesID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fn := fileName(t, "artist/fela-kuti")

	err := db.AppendMany(ctx, []eventlog.Entry{
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{
			Key:   fn.String(),
			Event: eventlog.CrawlEnqueued{FileName: fn},
		}},
	})
	if err != nil {
		t.Fatalf("first AppendMany: %v", err)
	}

	all, err := db.GetEventsAfterCursor(ctx, []eventlog.Topic{eventlog.TopicAll}, "probe", 10)
	if err != nil {
		t.Fatalf("GetEventsAfterCursor: %v", err)
	}
	if len(all.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(all.Rows))
	}
	firstID := all.Rows[0].ID

	err = db.AppendMany(ctx, []eventlog.Entry{
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{
			Key:   fn.String(),
			Event: eventlog.CrawlFailed{FileName: fn, Error: "boom"},
		}},
	})
	if err != nil {
		t.Fatalf("second AppendMany: %v", err)
	}

	n, err := db.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected upsert to keep a single row, CountEvents = %d", n)
	}

	row, err := db.FindByID(ctx, firstID)
	if err != nil {
		t.Fatalf("FindByID(%d): %v", firstID, err)
	}
	if row != nil {
		t.Fatalf("expected the pre-upsert id %d to no longer resolve, got a row", firstID)
	}
}

func TestEmptyKeyEventsNeverCollide(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fn := fileName(t, "artist/fela-kuti")

	for i := 0; i < 3; i++ {
		err := db.AppendMany(ctx, []eventlog.Entry{
			{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{
				Event: eventlog.FileSaved{FileName: fn},
			}},
		})
		if err != nil {
			t.Fatalf("AppendMany[%d]: %v", i, err)
		}
	}

	n, err := db.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 distinct un-keyed rows, got %d", n)
	}
}

func TestGetEventsAfterCursorFiltersByTopic(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fn := fileName(t, "artist/fela-kuti")

	err := db.AppendMany(ctx, []eventlog.Entry{
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Event: eventlog.FileSaved{FileName: fn}}},
		{Topic: eventlog.TopicAlbum, Payload: eventlog.EventPayload{Event: eventlog.AlbumSaved{FileName: fn}}},
	})
	if err != nil {
		t.Fatalf("AppendMany: %v", err)
	}

	list, err := db.GetEventsAfterCursor(ctx, []eventlog.Topic{eventlog.TopicFile}, "sub-1", 10)
	if err != nil {
		t.Fatalf("GetEventsAfterCursor: %v", err)
	}
	if len(list.Rows) != 1 {
		t.Fatalf("expected 1 file-topic row, got %d", len(list.Rows))
	}
	if _, ok := list.Rows[0].Payload.Event.(eventlog.FileSaved); !ok {
		t.Fatalf("expected FileSaved event, got %T", list.Rows[0].Payload.Event)
	}
}

func TestGetEventsAfterCursorRespectsCursorAdvance(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fn := fileName(t, "artist/fela-kuti")

	for i := 0; i < 3; i++ {
		err := db.AppendMany(ctx, []eventlog.Entry{
			{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Event: eventlog.FileSaved{FileName: fn}}},
		})
		if err != nil {
			t.Fatalf("AppendMany[%d]: %v", i, err)
		}
	}

	list, err := db.GetEventsAfterCursor(ctx, []eventlog.Topic{eventlog.TopicAll}, "sub-1", 10)
	if err != nil {
		t.Fatalf("GetEventsAfterCursor: %v", err)
	}
	if len(list.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(list.Rows))
	}

	tail := list.TailCursor()
	if tail == nil {
		t.Fatal("expected non-nil tail cursor")
	}
	if err := db.SetCursor(ctx, "sub-1", *tail); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	list2, err := db.GetEventsAfterCursor(ctx, []eventlog.Topic{eventlog.TopicAll}, "sub-1", 10)
	if err != nil {
		t.Fatalf("GetEventsAfterCursor (second): %v", err)
	}
	if len(list2.Rows) != 0 {
		t.Fatalf("expected no new rows after cursor advance, got %d", len(list2.Rows))
	}
}

func TestSubscriberStatusDefaultsToRunning(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	status, found, err := db.GetSubscriberStatus(ctx, "unknown-subscriber")
	if err != nil {
		t.Fatalf("GetSubscriberStatus: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a subscriber that was never registered")
	}
	if status != eventlog.StatusRunning {
		t.Fatalf("expected default status Running, got %v", status)
	}

	if err := db.SetSubscriberStatus(ctx, "sub-1", eventlog.StatusPaused); err != nil {
		t.Fatalf("SetSubscriberStatus: %v", err)
	}
	status, found, err = db.GetSubscriberStatus(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetSubscriberStatus: %v", err)
	}
	if !found || status != eventlog.StatusPaused {
		t.Fatalf("expected Paused after SetSubscriberStatus, got found=%v status=%v", found, status)
	}
}

func TestSetKeyResolvesConflictByDeletingLoser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fn := fileName(t, "artist/fela-kuti")

	err := db.AppendMany(ctx, []eventlog.Entry{
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Key: "a", Event: eventlog.FileSaved{FileName: fn}}},
		{Topic: eventlog.TopicFile, Payload: eventlog.EventPayload{Key: "b", Event: eventlog.FileDeleted{FileName: fn}}},
	})
	if err != nil {
		t.Fatalf("AppendMany: %v", err)
	}

	list, err := db.GetEventsAfterCursor(ctx, []eventlog.Topic{eventlog.TopicAll}, "probe", 10)
	if err != nil {
		t.Fatalf("GetEventsAfterCursor: %v", err)
	}
	var idA, idB int64
	for _, row := range list.Rows {
		switch row.Payload.Key {
		case "a":
			idA = row.ID
		case "b":
			idB = row.ID
		}
	}

	if err := db.SetKey(ctx, idA, "b"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	n, err := db.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the key collision to leave exactly 1 row, got %d", n)
	}

	row, err := db.FindByID(ctx, idB)
	if err != nil {
		t.Fatalf("FindByID(%d): %v", idB, err)
	}
	if row != nil {
		t.Fatal("expected the pre-existing key=b row to have been deleted")
	}

	row, err = db.FindByID(ctx, idA)
	if err != nil {
		t.Fatalf("FindByID(%d): %v", idA, err)
	}
	if row == nil || row.Payload.Key != "b" {
		t.Fatalf("expected row %d to now carry key=b, got %+v", idA, row)
	}
}
