// Package docmodel implements DocumentModel (spec.md §4.2, component C3):
// the meta-document <-> chunked content representation, and the sniffing
// logic that chooses between the text and binary encodings.
package docmodel

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// EntryType mirrors spec.md §3's MetaEntry.type enum. Notes and NewNote are
// both text variants; Plain is binary.
type EntryType string

const (
	TypeNotes   EntryType = "notes"
	TypeNewNote EntryType = "newnote"
	TypePlain   EntryType = "plain"
)

// IsText reports whether meta's content is a text variant, per spec.md
// §4.2 "is_text(meta) -> bool: derived from meta.type".
func IsText(t EntryType) bool {
	return t == TypeNotes || t == TypeNewNote
}

// MetaEntry is one per vault file (spec.md §3).
type MetaEntry struct {
	ID        string
	Path      string
	MtimeMs   int64
	CtimeMs   int64
	Size      int64
	Type      EntryType
	Children  []string // ordered chunk IDs
	Deleted   bool
	Revision  string
	Conflicts []string // optional set of revision-tags
}

// Mtime returns m.MtimeMs as a time.Time.
func (m MetaEntry) Mtime() time.Time {
	return time.UnixMilli(m.MtimeMs)
}

// Leaf is one content-addressed chunk (spec.md §3: "{id: 'h:<hash>', data:
// bytes}"). Leaves are write-once.
type Leaf struct {
	ID   string
	Data []byte
}

// Content is the result of ReadContent: exactly one of Text or Binary is
// meaningful, selected by IsText.
type Content struct {
	Text   string
	Binary []byte
	isText bool
}

// IsText reports whether c holds a Text payload.
func (c Content) IsText() bool { return c.isText }

// ErrMissingChunks is returned by ReadContent when one or more of an
// entry's chunk IDs cannot be resolved by the ChunkResolver. The unresolved
// IDs are reported via MissingChunksError.IDs.
var ErrMissingChunks = errors.New("docmodel: missing chunks")

// MissingChunksError carries the specific chunk IDs ReadContent could not
// resolve, wrapping ErrMissingChunks so callers can match with errors.Is.
type MissingChunksError struct {
	IDs []string
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("docmodel: missing %d chunk(s): %v", len(e.IDs), e.IDs)
}

func (e *MissingChunksError) Unwrap() error { return ErrMissingChunks }

// ChunkResolver looks up leaf content by chunk ID. LocalStore satisfies this
// interface; DocumentModel only depends on the narrow slice it needs.
type ChunkResolver interface {
	ResolveChunk(id string) (data []byte, ok bool)
}

// ReadContent concatenates meta's chunks in order and decodes them according
// to meta.Type. Text variants concatenate UTF-8 chunk bytes directly; binary
// decodes the concatenation as base64 (spec.md §4.2).
func ReadContent(meta MetaEntry, chunks ChunkResolver) (Content, error) {
	var missing []string

	buf := make([][]byte, 0, len(meta.Children))

	for _, id := range meta.Children {
		data, ok := chunks.ResolveChunk(id)
		if !ok {
			missing = append(missing, id)

			continue
		}

		buf = append(buf, data)
	}

	if len(missing) > 0 {
		return Content{}, &MissingChunksError{IDs: missing}
	}

	joined := bytes.Join(buf, nil)

	if IsText(meta.Type) {
		return Content{Text: string(joined), isText: true}, nil
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(joined)))

	n, err := base64.StdEncoding.Decode(decoded, joined)
	if err != nil {
		return Content{}, fmt.Errorf("docmodel: decoding binary content for %s: %w", meta.ID, err)
	}

	return Content{Binary: decoded[:n]}, nil
}

// Stat carries the filesystem metadata build_saving_entry needs, narrowed
// from os.FileInfo so docmodel has no dependency on vault I/O (spec.md §1
// "vault I/O primitives" is out of scope).
type Stat struct {
	MtimeMs int64
	CtimeMs int64
	Size    int64
}

// SavingEntry is the intermediate form LocalStore.put_entry consumes: a
// path plus raw content blob plus the stat metadata to attach, with the
// text/binary variant already decided (spec.md §4.2, §4.3).
type SavingEntry struct {
	Path string
	// ID is the document ID to store this entry under, computed by a
	// PathCodec (spec.md §3 "Document ID"). Empty means "use Path verbatim",
	// the transparent-mode default a zero-value Codec also produces.
	ID   string
	Type EntryType
	Blob []byte
	Stat Stat
}

// sniffSampleSize bounds how much of the blob BuildSavingEntry inspects when
// sniffing its content type, matching net/http.DetectContentType's own
// 512-byte sample window.
const sniffSampleSize = 512

// BuildSavingEntry selects a text/binary variant for blob by content-type
// sniff and packages it with stat into a SavingEntry (spec.md §4.2
// "build_saving_entry"). Binary content is base64-encoded here so the blob
// handed to LocalStore.PutEntry is always in the encoding ReadContent
// expects to find in the chunk stream; chunking itself is left to
// LocalStore.
func BuildSavingEntry(path string, blob []byte, stat Stat) SavingEntry {
	sample := blob
	if len(sample) > sniffSampleSize {
		sample = sample[:sniffSampleSize]
	}

	contentType := http.DetectContentType(sample)

	entryType := TypePlain
	encoded := blob

	if isTextContentType(contentType) {
		entryType = TypeNotes
	} else {
		encoded = []byte(base64.StdEncoding.EncodeToString(blob))
	}

	return SavingEntry{
		Path: path,
		Type: entryType,
		Blob: encoded,
		Stat: stat,
	}
}

func isTextContentType(contentType string) bool {
	return bytes.HasPrefix([]byte(contentType), []byte("text/")) ||
		contentType == "application/json" ||
		contentType == "application/xml"
}
