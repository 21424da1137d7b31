// Package eventlog implements spec.md §4.1: a durable, ordered,
// topic-partitioned log with keyed upserts and per-subscriber cursor/status
// management. Two backends share the Log interface — package
// eventlog/sqlite (pure-Go, used in tests and local development) and
// package eventlog/postgres (production) — grounded respectively on the
// teacher's root-level store/sqlite and backend/store/postgres packages.
package eventlog

import (
	"time"
)

// Topic is the closed set of event-log partitions (spec.md §3). All is a
// subscription-side wildcard, never a storage topic.
type Topic string

const (
	TopicFile    Topic = "file"
	TopicParser  Topic = "parser"
	TopicAlbum   Topic = "album"
	TopicProfile Topic = "profile"
	TopicLookup  Topic = "lookup"
	TopicAll     Topic = "all"
)

// ValidTopics is the closed set of storage topics (excludes the All wildcard).
var ValidTopics = []Topic{TopicFile, TopicParser, TopicAlbum, TopicProfile, TopicLookup}

// SubscriberStatus is Running or Paused, the runtime state of a subscriber's
// cursor (spec.md §3 SubscriberCursor).
type SubscriberStatus int

const (
	StatusRunning SubscriberStatus = iota
	StatusPaused
)

func (s SubscriberStatus) String() string {
	if s == StatusPaused {
		return "paused"
	}
	return "running"
}

// EventPayload is the envelope spec.md §3 defines around an Event: the
// logical upsert key, causal metadata, and free-form string metadata.
type EventPayload struct {
	Event         Event
	Key           string
	CorrelationID *string
	CausationID   *string
	Metadata      map[string]string
}

// EventRow is a persisted row: an EventPayload plus its assigned monotonic
// id, topic, and insertion time.
type EventRow struct {
	ID        int64
	Topic     Topic
	Payload   EventPayload
	CreatedAt time.Time
}

// Entry is one (topic, payload) pair passed to AppendMany.
type Entry struct {
	Topic   Topic
	Payload EventPayload
}

// EventList is the result of GetEventsAfterCursor.
type EventList struct {
	Rows []EventRow
}

// TailCursor returns the id of the last row, or nil if Rows is empty.
func (l EventList) TailCursor() *int64 {
	if len(l.Rows) == 0 {
		return nil
	}
	id := l.Rows[len(l.Rows)-1].ID
	return &id
}

// SubscriberCursor is spec.md §3's per-subscriber cursor/status pair.
type SubscriberCursor struct {
	SubscriberID string
	Cursor       int64
	Status       SubscriberStatus
}
