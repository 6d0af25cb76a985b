package deletion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntry_EncodeParseRoundTrip(t *testing.T) {
	e := Entry{Seq: 5, TimestampMillis: 1700000000000, NoteID: "note-9"}

	line := e.Encode()
	assert.Equal(t, "5\t1700000000000\tnote-9", line)

	parsed, ok := ParseEntry(line)
	assert.True(t, ok)
	assert.Equal(t, e, parsed)
}

func TestParseEntry_Rejects(t *testing.T) {
	cases := []string{
		"",
		"5\t1700000000000",       // missing note id
		"5\t1700000000000\t",     // empty note id
		"x\t1700000000000\tnote", // non-numeric sequence
		"0\t1700000000000\tnote", // sequences start at 1
		"5\tx\tnote",             // non-numeric timestamp
	}

	for _, line := range cases {
		_, ok := ParseEntry(line)
		assert.False(t, ok, "expected %q to be rejected", line)
	}
}
