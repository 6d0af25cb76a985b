// Package activity implements the activity log: an append-only,
// tab-delimited ledger per writer that advertises which CRDT log files
// exist and drives peer instances to reload the notes it names, plus the
// cross-instance sync driver that tails every peer's log and dispatches
// the entries it finds.
package activity

import (
	"strconv"
	"strings"
)

// Kind identifies the nature of a logged change.
type Kind string

const (
	KindNoteUpdate   Kind = "note-update"
	KindNoteCreated  Kind = "note-created"
	KindNoteDeleted  Kind = "note-deleted"
	KindFolderUpdate Kind = "folder-update"
)

// FolderNoteID is the placeholder written in the noteId field of a
// folder-update entry, which names no single note.
const FolderNoteID = "*"

// fieldDelimiter is the delimiter this engine writes between entry
// fields. Tab was chosen (over the legacy "|") because note titles and
// paths may legitimately contain "|" but essentially never a literal tab.
const fieldDelimiter = "\t"

// legacyFieldDelimiter is tolerated when reading entries written by an
// older build, but never written by this engine.
const legacyFieldDelimiter = "|"

// Entry is a single logged change:
// "<sequence>\t<unixMillis>\t<kind>\t<noteId-or-*>\t<writerSeq>".
// Seq is the writer's own activity-log sequence, the position peers
// track watermarks against. WriterSeq is the CRDT delta-log sequence the
// entry advertises; readers verify that file exists before reloading.
type Entry struct {
	Seq             uint64
	TimestampMillis int64
	Kind            Kind
	NoteID          string
	WriterSeq       uint64
}

// Encode renders an Entry as a single tab-delimited log line, without a
// trailing newline.
func (e Entry) Encode() string {
	return strings.Join([]string{
		strconv.FormatUint(e.Seq, 10),
		strconv.FormatInt(e.TimestampMillis, 10),
		string(e.Kind),
		e.NoteID,
		strconv.FormatUint(e.WriterSeq, 10),
	}, fieldDelimiter)
}

// ParseEntry decodes a single log line. Lines delimited with the legacy
// "|" separator are tolerated for backward compatibility with entries
// written before this engine switched to tab-delimited fields; this
// engine itself never writes "|"-delimited lines.
func ParseEntry(line string) (Entry, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Entry{}, false
	}

	fields := strings.Split(line, fieldDelimiter)
	if len(fields) < 5 {
		fields = strings.Split(line, legacyFieldDelimiter)
	}

	if len(fields) < 5 {
		return Entry{}, false
	}

	seq, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil || seq == 0 {
		return Entry{}, false
	}

	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Entry{}, false
	}

	writerSeq, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Entry{}, false
	}

	return Entry{
		Seq:             seq,
		TimestampMillis: ts,
		Kind:            Kind(fields[2]),
		NoteID:          fields[3],
		WriterSeq:       writerSeq,
	}, true
}
