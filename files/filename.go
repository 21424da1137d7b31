// Package files implements the FileName/FileMetadata data model and the
// staleness rule that the crawler and event subscribers rely on. The
// repository and HTML-specific bits the original system pairs with this
// (FileInteractor, parsers) are external collaborators named only through
// the Interactor interface below — see spec.md §1 "out of scope".
package files

import (
	"strings"

	"github.com/shedrachokonofua/lute/luteerr"
)

// PageType classifies a FileName by its leading path segment.
type PageType int

const (
	PageTypeUnknown PageType = iota
	PageTypeArtist
	PageTypeAlbum
	PageTypeChart
	PageTypeAlbumSearchResult
	PageTypeListSegment
)

func (t PageType) String() string {
	switch t {
	case PageTypeArtist:
		return "artist"
	case PageTypeAlbum:
		return "album"
	case PageTypeChart:
		return "chart"
	case PageTypeAlbumSearchResult:
		return "album_search_result"
	case PageTypeListSegment:
		return "list_segment"
	default:
		return "unknown"
	}
}

// leadingSegmentToPageType is the deterministic, total mapping from a
// FileName's leading path segment to its PageType. Grounded on the
// original implementation's FileName::try_from call sites: "artist/…",
// "release/album/…", "list/…", "search?…" (core/src/parser/*.rs).
var leadingSegmentToPageType = map[string]PageType{
	"artist":  PageTypeArtist,
	"release": PageTypeAlbum,
	"charts":  PageTypeChart,
	"list":    PageTypeListSegment,
	"search":  PageTypeAlbumSearchResult,
}

// FileName is an opaque, printable page identifier. The zero value is invalid;
// construct with ParseFileName.
type FileName struct {
	value    string
	pageType PageType
}

// ParseFileName validates and constructs a FileName, failing for any string
// whose leading segment is not in the closed set of known page types.
func ParseFileName(raw string) (FileName, error) {
	if raw == "" {
		return FileName{}, luteerr.New(luteerr.KindInvalidInput, "ParseFileName", nil)
	}

	leading := raw
	if idx := strings.IndexAny(raw, "/?"); idx >= 0 {
		leading = raw[:idx]
	}

	pageType, ok := leadingSegmentToPageType[leading]
	if !ok {
		return FileName{}, luteerr.New(luteerr.KindInvalidInput, "ParseFileName",
			errUnknownPageType(leading))
	}

	return FileName{value: raw, pageType: pageType}, nil
}

type errUnknownPageType string

func (e errUnknownPageType) Error() string {
	return "unrecognized page type for leading segment " + string(e)
}

// String returns the raw file name, suitable for building a crawl URL.
func (f FileName) String() string { return f.value }

// PageType returns the page type this file name resolves to.
func (f FileName) PageType() PageType { return f.pageType }

// IsZero reports whether f is the unconstructed zero value.
func (f FileName) IsZero() bool { return f.value == "" }

// MarshalText implements encoding.TextMarshaler so FileName round-trips
// through JSON (event payloads) as a plain string.
func (f FileName) MarshalText() ([]byte, error) { return []byte(f.value), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FileName) UnmarshalText(text []byte) error {
	parsed, err := ParseFileName(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
