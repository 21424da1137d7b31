package files

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shedrachokonofua/lute/kv"
	"github.com/shedrachokonofua/lute/luteerr"
)

// KVStore implements files.Store over a kv.Store, mirroring the original
// FileMetadataRepository: a hash per id at "file-metadata:<id>" plus a
// name→id index at "file-metadata:name:<name>" so Get-by-name is one
// round-trip away from resolving the id.
type KVStore struct {
	kv kv.Store
}

func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store}
}

func metadataKey(id string) string    { return "file-metadata:" + id }
func nameIndexKey(name string) string { return "file-metadata:name:" + name }

// Put upserts FileMetadata for name: on first write it mints a new ULID id
// and writes the name index; on every write it refreshes last_saved_at.
// FileMetadata.id is immutable after first insert (spec.md §3 invariant).
func (s *KVStore) Put(ctx context.Context, name FileName) (*Metadata, error) {
	existing, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var id ulid.ULID
	if existing != nil {
		id = existing.ID
	} else {
		id = ulid.Make()
	}

	meta := &Metadata{ID: id, Name: name, LastSavedAt: now}
	if err := s.kv.HSet(ctx, metadataKey(id.String()), map[string]string{
		"id":            id.String(),
		"name":          name.String(),
		"last_saved_at": now.Format(time.RFC3339Nano),
	}); err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "files.KVStore.Put", err)
	}
	if existing == nil {
		if err := s.kv.Set(ctx, nameIndexKey(name.String()), id.String(), 0); err != nil {
			return nil, luteerr.New(luteerr.KindStorage, "files.KVStore.Put", err)
		}
	}
	return meta, nil
}

// Get returns nil (not an error) when no metadata exists for name yet —
// absence implies staleness per spec.md §3, not a failure.
func (s *KVStore) Get(ctx context.Context, name FileName) (*Metadata, error) {
	id, ok, err := s.kv.Get(ctx, nameIndexKey(name.String()))
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "files.KVStore.Get", err)
	}
	if !ok {
		return nil, nil
	}

	fields, err := s.kv.HGetAll(ctx, metadataKey(id))
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "files.KVStore.Get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	parsedID, err := ulid.Parse(fields["id"])
	if err != nil {
		return nil, luteerr.New(luteerr.KindCorruption, "files.KVStore.Get", err)
	}
	parsedName, err := ParseFileName(fields["name"])
	if err != nil {
		return nil, luteerr.New(luteerr.KindCorruption, "files.KVStore.Get", err)
	}
	lastSavedAt, err := time.Parse(time.RFC3339Nano, fields["last_saved_at"])
	if err != nil {
		return nil, luteerr.New(luteerr.KindCorruption, "files.KVStore.Get", err)
	}

	return &Metadata{ID: parsedID, Name: parsedName, LastSavedAt: lastSavedAt}, nil
}

// DefaultInteractor implements Interactor on top of a Store and the
// configured per-page-type TTLs.
type DefaultInteractor struct {
	store Store
	ttls  TTLByPageType
	now   func() time.Time
}

func NewDefaultInteractor(store Store, ttls TTLByPageType) *DefaultInteractor {
	return &DefaultInteractor{store: store, ttls: ttls, now: time.Now}
}

func (i *DefaultInteractor) IsFileStale(ctx context.Context, name FileName) (bool, error) {
	meta, err := i.store.Get(ctx, name)
	if err != nil {
		return false, fmt.Errorf("is file stale: %w", err)
	}
	return IsStale(meta, name.PageType(), i.ttls, i.now()), nil
}
