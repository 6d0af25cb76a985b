// Package deletion implements the deletion log: a separate append-only
// channel from the activity log that propagates permanent note deletions
// across instances with terminal, idempotent semantics — processing the
// same deletion twice must be a no-op.
package deletion

import (
	"strconv"
	"strings"
)

// Entry is a single logged deletion: "<sequence>\t<unixMillis>\t<noteId>".
// Seq is the writer's own deletion-log sequence, the position peer
// readers track watermarks against.
type Entry struct {
	Seq             uint64
	TimestampMillis int64
	NoteID          string
}

// Encode renders an Entry as a single tab-delimited log line, without a
// trailing newline.
func (e Entry) Encode() string {
	return strings.Join([]string{
		strconv.FormatUint(e.Seq, 10),
		strconv.FormatInt(e.TimestampMillis, 10),
		e.NoteID,
	}, "\t")
}

// ParseEntry decodes a single deletion log line.
func ParseEntry(line string) (Entry, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Entry{}, false
	}

	fields := strings.Split(line, "\t")
	if len(fields) < 3 || fields[2] == "" {
		return Entry{}, false
	}

	seq, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil || seq == 0 {
		return Entry{}, false
	}

	millis, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Entry{}, false
	}

	return Entry{Seq: seq, TimestampMillis: millis, NoteID: fields[2]}, true
}
