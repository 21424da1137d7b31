package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/shedrachokonofua/lute/files"
	"github.com/shedrachokonofua/lute/luteerr"
)

// EventKind is the tag on the Event sum type, used as the "kind"
// discriminator in the JSON envelope (spec.md §6). The set is closed —
// adding a member is an ABI-visible change, per spec.md §9.
type EventKind string

const (
	EventKindFileSaved                EventKind = "file_saved"
	EventKindFileDeleted              EventKind = "file_deleted"
	EventKindFileParsed               EventKind = "file_parsed"
	EventKindFileParseFailed          EventKind = "file_parse_failed"
	EventKindCrawlEnqueued            EventKind = "crawl_enqueued"
	EventKindCrawlFailed              EventKind = "crawl_failed"
	EventKindAlbumSaved               EventKind = "album_saved"
	EventKindListSegmentSaved         EventKind = "list_segment_saved"
	EventKindLookupAlbumSearchUpdated EventKind = "lookup_album_search_updated"
)

// Event is the sealed interface every domain occurrence implements. The
// unexported marker method keeps the sum closed to this package.
type Event interface {
	Kind() EventKind
	isEvent()
}

type FileSaved struct {
	FileID   ulid.ULID
	FileName files.FileName
}

func (FileSaved) Kind() EventKind { return EventKindFileSaved }
func (FileSaved) isEvent()        {}

type FileDeleted struct {
	FileID   ulid.ULID
	FileName files.FileName
}

func (FileDeleted) Kind() EventKind { return EventKindFileDeleted }
func (FileDeleted) isEvent()        {}

// ParsedFileDataKind tags the payload carried by FileParsed. The actual
// parsers are out of scope (spec.md §1); these shapes are just enough to
// carry a parsed-file's identity through the log.
type ParsedFileDataKind string

const (
	ParsedDataKindAlbum             ParsedFileDataKind = "album"
	ParsedDataKindArtist            ParsedFileDataKind = "artist"
	ParsedDataKindChart             ParsedFileDataKind = "chart"
	ParsedDataKindAlbumSearchResult ParsedFileDataKind = "album_search_result"
	ParsedDataKindListSegment       ParsedFileDataKind = "list_segment"
)

type ParsedFileData interface {
	Kind() ParsedFileDataKind
	isParsedFileData()
}

type ParsedAlbum struct {
	Name      string
	ArtistIDs []string
}

func (ParsedAlbum) Kind() ParsedFileDataKind { return ParsedDataKindAlbum }
func (ParsedAlbum) isParsedFileData()        {}

type ParsedArtist struct {
	Name string
}

func (ParsedArtist) Kind() ParsedFileDataKind { return ParsedDataKindArtist }
func (ParsedArtist) isParsedFileData()        {}

type ParsedChart struct {
	Name           string
	AlbumFileNames []files.FileName
}

func (ParsedChart) Kind() ParsedFileDataKind { return ParsedDataKindChart }
func (ParsedChart) isParsedFileData()        {}

type ParsedAlbumSearchResult struct {
	Query          string
	AlbumFileNames []files.FileName
}

func (ParsedAlbumSearchResult) Kind() ParsedFileDataKind { return ParsedDataKindAlbumSearchResult }
func (ParsedAlbumSearchResult) isParsedFileData()        {}

type ParsedListSegment struct {
	ListName       string
	AlbumFileNames []files.FileName
}

func (ParsedListSegment) Kind() ParsedFileDataKind { return ParsedDataKindListSegment }
func (ParsedListSegment) isParsedFileData()         {}

type FileParsed struct {
	FileID   ulid.ULID
	FileName files.FileName
	Data     ParsedFileData
}

func (FileParsed) Kind() EventKind { return EventKindFileParsed }
func (FileParsed) isEvent()        {}

type FileParseFailed struct {
	FileName files.FileName
	Error    string
}

func (FileParseFailed) Kind() EventKind { return EventKindFileParseFailed }
func (FileParseFailed) isEvent()        {}

type CrawlEnqueued struct {
	FileName files.FileName
}

func (CrawlEnqueued) Kind() EventKind { return EventKindCrawlEnqueued }
func (CrawlEnqueued) isEvent()        {}

type CrawlFailed struct {
	FileName files.FileName
	Error    string
}

func (CrawlFailed) Kind() EventKind { return EventKindCrawlFailed }
func (CrawlFailed) isEvent()        {}

type AlbumSaved struct {
	FileName files.FileName
}

func (AlbumSaved) Kind() EventKind { return EventKindAlbumSaved }
func (AlbumSaved) isEvent()        {}

type ListSegmentSaved struct {
	FileName files.FileName
}

func (ListSegmentSaved) Kind() EventKind { return EventKindListSegmentSaved }
func (ListSegmentSaved) isEvent()        {}

type LookupAlbumSearchUpdated struct {
	Lookup string
}

func (LookupAlbumSearchUpdated) Kind() EventKind { return EventKindLookupAlbumSearchUpdated }
func (LookupAlbumSearchUpdated) isEvent()         {}

// envelope is the wire shape events are stored/transmitted in: a "kind"
// discriminator plus the kind-specific payload, per spec.md §6.
type envelope struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// parsedEnvelope is the equivalent envelope for the nested ParsedFileData sum.
type parsedEnvelope struct {
	Kind ParsedFileDataKind `json:"kind"`
	Data json.RawMessage    `json:"data"`
}

func marshalParsedFileData(d ParsedFileData) (json.RawMessage, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	env := parsedEnvelope{Kind: d.Kind(), Data: raw}
	return json.Marshal(env)
}

func unmarshalParsedFileData(raw json.RawMessage) (ParsedFileData, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env parsedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case ParsedDataKindAlbum:
		var v ParsedAlbum
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ParsedDataKindArtist:
		var v ParsedArtist
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ParsedDataKindChart:
		var v ParsedChart
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ParsedDataKindAlbumSearchResult:
		var v ParsedAlbumSearchResult
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ParsedDataKindListSegment:
		var v ParsedListSegment
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, luteerr.New(luteerr.KindCorruption, "unmarshalParsedFileData",
			fmt.Errorf("unknown parsed file data kind %q", env.Kind))
	}
}

// MarshalEvent encodes an Event as its JSON wire envelope.
func MarshalEvent(e Event) ([]byte, error) {
	var (
		data json.RawMessage
		err  error
	)
	switch v := e.(type) {
	case FileParsed:
		parsedData, perr := marshalParsedFileData(v.Data)
		if perr != nil {
			return nil, perr
		}
		data, err = json.Marshal(struct {
			FileID   ulid.ULID       `json:"file_id"`
			FileName files.FileName `json:"file_name"`
			Data     json.RawMessage `json:"data"`
		}{v.FileID, v.FileName, parsedData})
	default:
		data, err = json.Marshal(e)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: e.Kind(), Data: data})
}

// UnmarshalEvent decodes an Event from its JSON wire envelope. Deserialization
// failures are reported as KindCorruption per spec.md §7 — callers (the
// store layer) log and skip the row rather than halt the stream.
func UnmarshalEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
	}

	switch env.Kind {
	case EventKindFileSaved:
		var v FileSaved
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return v, nil
	case EventKindFileDeleted:
		var v FileDeleted
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return v, nil
	case EventKindFileParsed:
		var raw2 struct {
			FileID   ulid.ULID       `json:"file_id"`
			FileName files.FileName `json:"file_name"`
			Data     json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(env.Data, &raw2); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		parsed, err := unmarshalParsedFileData(raw2.Data)
		if err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return FileParsed{FileID: raw2.FileID, FileName: raw2.FileName, Data: parsed}, nil
	case EventKindFileParseFailed:
		var v FileParseFailed
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return v, nil
	case EventKindCrawlEnqueued:
		var v CrawlEnqueued
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return v, nil
	case EventKindCrawlFailed:
		var v CrawlFailed
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return v, nil
	case EventKindAlbumSaved:
		var v AlbumSaved
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return v, nil
	case EventKindListSegmentSaved:
		var v ListSegmentSaved
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return v, nil
	case EventKindLookupAlbumSearchUpdated:
		var v LookupAlbumSearchUpdated
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent", err)
		}
		return v, nil
	default:
		return nil, luteerr.New(luteerr.KindCorruption, "UnmarshalEvent",
			fmt.Errorf("unknown event kind %q", env.Kind))
	}
}
