package eventlog

import "context"

// Log is spec.md §4.1's EventLog contract. Both backends (sqlite, postgres)
// implement it identically; SubscriberRuntime and Crawler depend only on
// this interface.
type Log interface {
	AppendMany(ctx context.Context, entries []Entry) error
	FindByID(ctx context.Context, id int64) (*EventRow, error)
	SetKey(ctx context.Context, id int64, newKey string) error

	CountEvents(ctx context.Context) (int64, error)
	CountEventsWithoutKey(ctx context.Context) (int64, error)
	CountEventsPerTopic(ctx context.Context) (map[Topic]int64, error)
	GetTopicTails(ctx context.Context) (map[Topic]int64, error)

	GetEventsAfterCursor(ctx context.Context, topics []Topic, subscriberID string, limit int) (*EventList, error)

	GetCursor(ctx context.Context, subscriberID string) (int64, error)
	SetCursor(ctx context.Context, subscriberID string, cursor int64) error
	DeleteCursor(ctx context.Context, subscriberID string) error
	GetSubscribers(ctx context.Context) ([]SubscriberCursor, error)
	SetSubscriberStatus(ctx context.Context, subscriberID string, status SubscriberStatus) error
	GetSubscriberStatus(ctx context.Context, subscriberID string) (SubscriberStatus, bool, error)
}

// Append is a convenience wrapper for a single-entry AppendMany call.
func Append(ctx context.Context, log Log, topic Topic, payload EventPayload) error {
	return log.AppendMany(ctx, []Entry{{Topic: topic, Payload: payload}})
}
