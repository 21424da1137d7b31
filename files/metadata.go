package files

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Metadata mirrors spec.md's FileMetadata: {id, name, last_saved_at}. id is
// immutable after first insert; last_saved_at is refreshed on every put.
type Metadata struct {
	ID          ulid.ULID
	Name        FileName
	LastSavedAt time.Time
}

// TTLByPageType is the per-page-type staleness window (spec.md §6,
// file.ttl_days.{artist,album,chart,search}). ListSegment has no TTL key in
// the configuration table, so it is treated as never-stale by IsStale below
// unless a caller supplies one explicitly.
type TTLByPageType map[PageType]time.Duration

// IsStale implements spec.md §8 invariant 6: true iff no metadata exists or
// now - last_saved_at > TTL(page_type(f)). A zero TTL for a page type means
// "never stale" (ListSegment has no configured TTL).
func IsStale(meta *Metadata, pageType PageType, ttls TTLByPageType, now time.Time) bool {
	if meta == nil {
		return true
	}
	ttl, ok := ttls[pageType]
	if !ok || ttl <= 0 {
		return false
	}
	return now.Sub(meta.LastSavedAt) > ttl
}

// Store is the persistence contract for FileMetadata, implemented by
// KVStore (kvstore.go) over a kv.Store. Put is an upsert keyed by name: it creates
// the row (minting a new ULID id) on first write and refreshes
// LastSavedAt on every subsequent write, per spec.md's FileMetadata
// invariants.
type Store interface {
	Put(ctx context.Context, name FileName) (*Metadata, error)
	Get(ctx context.Context, name FileName) (*Metadata, error)
}

// Interactor is the external collaborator named in spec.md §1/§4.4
// (FileInteractor) — only is_file_stale is needed by the core crawler.
// Its HTML-parsing and read-model responsibilities are out of scope here.
type Interactor interface {
	IsFileStale(ctx context.Context, name FileName) (bool, error)
}
