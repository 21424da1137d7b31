// Package sqlite implements eventlog.Log on top of modernc.org/sqlite (pure
// Go, no CGO), the same backend the original lute implementation used for
// its relational store (core/src/sqlite.rs, core/src/events/event_repository.rs)
// and the teacher repository's root-level store/sqlite package. It is the
// default backend for tests and local development; package
// eventlog/postgres provides the production alternative.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oklog/ulid/v2"

	"github.com/shedrachokonofua/lute/eventlog"
	"github.com/shedrachokonofua/lute/luteerr"
)

// DB implements eventlog.Log using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path ("file::memory:?cache=shared"
// is a good choice for tests) and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "eventlog/sqlite.Open", err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes,
	// matching the teacher's store/sqlite.Open convention exactly.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, luteerr.New(luteerr.KindStorage, "eventlog/sqlite.Open", err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, luteerr.New(luteerr.KindStorage, "eventlog/sqlite.Open", err)
	}
	return s, nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			topic          TEXT    NOT NULL,
			key            TEXT    NOT NULL,
			correlation_id TEXT,
			causation_id   TEXT,
			event          TEXT    NOT NULL,
			metadata       TEXT,
			created_at     TEXT    NOT NULL,
			UNIQUE (topic, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_topic_id ON events(topic, id)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id     TEXT    PRIMARY KEY,
			cursor INTEGER NOT NULL DEFAULT 0,
			status INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var _ eventlog.Log = (*DB)(nil)

func (s *DB) AppendMany(ctx context.Context, entries []eventlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "AppendMany", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, entry := range entries {
		key := entry.Payload.Key
		if key == "" {
			// An empty upsert key means "this event never collides with
			// another" — mint a unique one so the UNIQUE(topic,key)
			// constraint never accidentally merges unrelated events.
			key = ulid.Make().String()
		}

		eventJSON, err := eventlog.MarshalEvent(entry.Payload.Event)
		if err != nil {
			return luteerr.New(luteerr.KindInvalidInput, "AppendMany", err)
		}
		var metadataJSON *string
		if entry.Payload.Metadata != nil {
			b, err := json.Marshal(entry.Payload.Metadata)
			if err != nil {
				return luteerr.New(luteerr.KindInvalidInput, "AppendMany", err)
			}
			s := string(b)
			metadataJSON = &s
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (topic, key, correlation_id, causation_id, event, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (topic, key) DO UPDATE SET
				id             = excluded.id,
				correlation_id = excluded.correlation_id,
				causation_id   = excluded.causation_id,
				event          = excluded.event,
				metadata       = excluded.metadata,
				created_at     = excluded.created_at
		`, string(entry.Topic), key, entry.Payload.CorrelationID, entry.Payload.CausationID,
			string(eventJSON), metadataJSON, now)
		if err != nil {
			return luteerr.New(luteerr.KindStorage, "AppendMany", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return luteerr.New(luteerr.KindStorage, "AppendMany", err)
	}
	return nil
}

func scanEventRow(row interface {
	Scan(dest ...any) error
}) (*eventlog.EventRow, error) {
	var (
		id                          int64
		topic, key, eventJSON       string
		correlationID, causationID  sql.NullString
		metadataJSON                sql.NullString
		createdAtRaw                string
	)
	if err := row.Scan(&id, &topic, &key, &correlationID, &causationID, &eventJSON, &metadataJSON, &createdAtRaw); err != nil {
		return nil, err
	}

	ev, err := eventlog.UnmarshalEvent([]byte(eventJSON))
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "scanEventRow", err)
		}
	}

	createdAt, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return nil, luteerr.New(luteerr.KindCorruption, "scanEventRow", err)
	}

	payload := eventlog.EventPayload{
		Event:    ev,
		Key:      key,
		Metadata: metadata,
	}
	if correlationID.Valid {
		payload.CorrelationID = &correlationID.String
	}
	if causationID.Valid {
		payload.CausationID = &causationID.String
	}

	return &eventlog.EventRow{
		ID:        id,
		Topic:     eventlog.Topic(topic),
		Payload:   payload,
		CreatedAt: createdAt,
	}, nil
}

func (s *DB) FindByID(ctx context.Context, id int64) (*eventlog.EventRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, key, correlation_id, causation_id, event, metadata, created_at
		FROM events WHERE id = ?`, id)
	ev, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if luteerr.Is(err, luteerr.KindCorruption) {
			return nil, err
		}
		return nil, luteerr.New(luteerr.KindStorage, "FindByID", err)
	}
	return ev, nil
}

func (s *DB) SetKey(ctx context.Context, id int64, newKey string) error {
	row := s.db.QueryRowContext(ctx, `SELECT topic FROM events WHERE id = ?`, id)
	var topic string
	if err := row.Scan(&topic); err != nil {
		if err == sql.ErrNoRows {
			return luteerr.New(luteerr.KindInvalidInput, "SetKey", fmt.Errorf("event %d not found", id))
		}
		return luteerr.New(luteerr.KindStorage, "SetKey", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "SetKey", err)
	}
	defer tx.Rollback()

	var conflictingID sql.NullInt64
	row = tx.QueryRowContext(ctx,
		`SELECT id FROM events WHERE topic = ? AND key = ? AND id != ?`, topic, newKey, id)
	if err := row.Scan(&conflictingID); err != nil && err != sql.ErrNoRows {
		return luteerr.New(luteerr.KindStorage, "SetKey", err)
	}
	if conflictingID.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, conflictingID.Int64); err != nil {
			return luteerr.New(luteerr.KindStorage, "SetKey", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE events SET key = ? WHERE id = ?`, newKey, id); err != nil {
		return luteerr.New(luteerr.KindStorage, "SetKey", err)
	}
	if err := tx.Commit(); err != nil {
		return luteerr.New(luteerr.KindStorage, "SetKey", err)
	}
	return nil
}

func (s *DB) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	if err != nil {
		return 0, luteerr.New(luteerr.KindStorage, "CountEvents", err)
	}
	return n, nil
}

// CountEventsWithoutKey is effectively always zero: AppendMany mints a ULID
// for any event appended with an empty key, so no stored row's key column
// stays ''. Kept for parity with the original's own key IS NULL counter,
// which is equally vestigial since it stores the same "" sentinel.
func (s *DB) CountEventsWithoutKey(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE key = ''`).Scan(&n)
	if err != nil {
		return 0, luteerr.New(luteerr.KindStorage, "CountEventsWithoutKey", err)
	}
	return n, nil
}

func (s *DB) CountEventsPerTopic(ctx context.Context) (map[eventlog.Topic]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic, COUNT(*) FROM events GROUP BY topic`)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "CountEventsPerTopic", err)
	}
	defer rows.Close()

	out := map[eventlog.Topic]int64{}
	for rows.Next() {
		var topic string
		var n int64
		if err := rows.Scan(&topic, &n); err != nil {
			return nil, luteerr.New(luteerr.KindStorage, "CountEventsPerTopic", err)
		}
		out[eventlog.Topic(topic)] = n
	}
	return out, rows.Err()
}

func (s *DB) GetTopicTails(ctx context.Context) (map[eventlog.Topic]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic, MAX(id) FROM events GROUP BY topic`)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "GetTopicTails", err)
	}
	defer rows.Close()

	out := map[eventlog.Topic]int64{}
	for rows.Next() {
		var topic string
		var id int64
		if err := rows.Scan(&topic, &id); err != nil {
			return nil, luteerr.New(luteerr.KindStorage, "GetTopicTails", err)
		}
		out[eventlog.Topic(topic)] = id
	}
	return out, rows.Err()
}

func (s *DB) GetEventsAfterCursor(ctx context.Context, topics []eventlog.Topic, subscriberID string, limit int) (*eventlog.EventList, error) {
	cursor, err := s.GetCursor(ctx, subscriberID)
	if err != nil {
		return nil, err
	}

	if limit <= 0 || len(topics) == 0 {
		return &eventlog.EventList{}, nil
	}

	wildcard := false
	for _, t := range topics {
		if t == eventlog.TopicAll {
			wildcard = true
			break
		}
	}

	var rows *sql.Rows
	if wildcard {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, topic, key, correlation_id, causation_id, event, metadata, created_at
			FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	} else {
		placeholders := make([]any, 0, len(topics)+2)
		placeholders = append(placeholders, cursor)
		query := `SELECT id, topic, key, correlation_id, causation_id, event, metadata, created_at
			FROM events WHERE id > ? AND topic IN (`
		for i, t := range topics {
			if i > 0 {
				query += ","
			}
			query += "?"
			placeholders = append(placeholders, string(t))
		}
		query += ") ORDER BY id ASC LIMIT ?"
		placeholders = append(placeholders, limit)
		rows, err = s.db.QueryContext(ctx, query, placeholders...)
	}
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "GetEventsAfterCursor", err)
	}
	defer rows.Close()

	var list eventlog.EventList
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			if luteerr.Is(err, luteerr.KindCorruption) {
				// Corruption policy (spec.md §7): log and skip, counted as
				// processed so a poison row never blocks the stream.
				log.Printf("eventlog/sqlite: skipping undecodable event row: %v", err)
				continue
			}
			return nil, luteerr.New(luteerr.KindStorage, "GetEventsAfterCursor", err)
		}
		list.Rows = append(list.Rows, *ev)
	}
	return &list, rows.Err()
}

func (s *DB) GetCursor(ctx context.Context, subscriberID string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM subscribers WHERE id = ?`, subscriberID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, luteerr.New(luteerr.KindStorage, "GetCursor", err)
	}
	return cursor, nil
}

func (s *DB) SetCursor(ctx context.Context, subscriberID string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (id, cursor, status) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET cursor = excluded.cursor
	`, subscriberID, cursor, int(eventlog.StatusRunning))
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "SetCursor", err)
	}
	return nil
}

func (s *DB) DeleteCursor(ctx context.Context, subscriberID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, subscriberID)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "DeleteCursor", err)
	}
	return nil
}

func (s *DB) GetSubscribers(ctx context.Context) ([]eventlog.SubscriberCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, cursor, status FROM subscribers`)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "GetSubscribers", err)
	}
	defer rows.Close()

	var out []eventlog.SubscriberCursor
	for rows.Next() {
		var id string
		var cursor int64
		var status int
		if err := rows.Scan(&id, &cursor, &status); err != nil {
			return nil, luteerr.New(luteerr.KindStorage, "GetSubscribers", err)
		}
		out = append(out, eventlog.SubscriberCursor{
			SubscriberID: id, Cursor: cursor, Status: eventlog.SubscriberStatus(status),
		})
	}
	return out, rows.Err()
}

func (s *DB) SetSubscriberStatus(ctx context.Context, subscriberID string, status eventlog.SubscriberStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (id, cursor, status) VALUES (?, 0, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status
	`, subscriberID, int(status))
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "SetSubscriberStatus", err)
	}
	return nil
}

func (s *DB) GetSubscriberStatus(ctx context.Context, subscriberID string) (eventlog.SubscriberStatus, bool, error) {
	var status int
	err := s.db.QueryRowContext(ctx, `SELECT status FROM subscribers WHERE id = ?`, subscriberID).Scan(&status)
	if err == sql.ErrNoRows {
		return eventlog.StatusRunning, false, nil
	}
	if err != nil {
		return eventlog.StatusRunning, false, luteerr.New(luteerr.KindStorage, "GetSubscriberStatus", err)
	}
	return eventlog.SubscriberStatus(status), true, nil
}
