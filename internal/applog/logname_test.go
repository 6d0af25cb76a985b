package applog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogFileName_RoundTrip(t *testing.T) {
	name := LogFileName("profile-1_instance-a", 42)
	assert.Equal(t, "profile-1_instance-a_42.crdtlog", name)

	writer, seq, ok := ParseLogFileName(name)
	assert.True(t, ok)
	assert.Equal(t, WriterID("profile-1_instance-a"), writer)
	assert.Equal(t, uint64(42), seq)
}

func TestParseLogFileName_LegacyWriterWithoutProfile(t *testing.T) {
	writer, seq, ok := ParseLogFileName("instance-a_3.crdtlog")
	assert.True(t, ok)
	assert.Equal(t, WriterID("instance-a"), writer)
	assert.Equal(t, uint64(3), seq)
}

func TestParseLogFileName_Rejects(t *testing.T) {
	cases := []string{
		"",
		"snapshot.yjs",
		"writer.crdtlog",       // no sequence
		"writer_abc.crdtlog",   // non-numeric sequence
		"writer_0.crdtlog",     // sequences start at 1
		"_7.crdtlog",           // empty writer
		"writer_7.log",         // wrong extension
	}

	for _, name := range cases {
		_, _, ok := ParseLogFileName(name)
		assert.False(t, ok, "expected %q to be rejected", name)
	}
}

func TestSortLogRefs_OrdersByWriterThenSeq(t *testing.T) {
	refs := []logRef{
		{writer: "b", seq: 1},
		{writer: "a", seq: 2},
		{writer: "a", seq: 10},
		{writer: "a", seq: 1},
	}

	sortLogRefs(refs)

	assert.Equal(t, []logRef{
		{writer: "a", seq: 1},
		{writer: "a", seq: 2},
		{writer: "a", seq: 10},
		{writer: "b", seq: 1},
	}, refs)
}
