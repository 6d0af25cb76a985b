package activity

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notesync/engine/internal/fscap"
)

func testLogger(t *testing.T) (*Logger, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "profile-1_instance-1.log")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	return NewLogger(fscap.NewOSCapability(), path, logger), path
}

func TestLogger_RecordFlushesAfterWindow(t *testing.T) {
	l, path := testLogger(t)

	seq, err := l.Record(context.Background(), KindNoteUpdate, "note-1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "note-1")
}

func TestLogger_SequencesIncreaseAcrossRestart(t *testing.T) {
	l, path := testLogger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, KindNoteCreated, "note-1", 1)
	require.NoError(t, err)
	_, err = l.Record(ctx, KindNoteUpdate, "note-1", 2)
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))

	// A fresh Logger over the same file recovers the high-water mark.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	restarted := NewLogger(fscap.NewOSCapability(), path, logger)

	seq, err := restarted.Record(ctx, KindNoteUpdate, "note-1", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestLogger_ExplicitFlushWritesImmediately(t *testing.T) {
	l, path := testLogger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, KindNoteUpdate, "note-a", 1)
	require.NoError(t, err)
	_, err = l.Record(ctx, KindNoteUpdate, "note-b", 1)
	require.NoError(t, err)

	require.NoError(t, l.Flush(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "note-a")
	assert.Contains(t, string(data), "note-b")
}

func TestLogger_FlushWithNothingPendingIsNoop(t *testing.T) {
	l, path := testLogger(t)

	require.NoError(t, l.Flush(context.Background()))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLogger_CompactDropsEntriesBelowMinWatermark(t *testing.T) {
	l, path := testLogger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Record(ctx, KindNoteUpdate, "note-1", uint64(i+1))
		require.NoError(t, err)
	}

	require.NoError(t, l.Compact(ctx, 4))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	first, ok := ParseEntry(lines[0])
	require.True(t, ok)
	assert.Equal(t, uint64(4), first.Seq)

	// Sequences keep increasing past the compaction point.
	seq, err := l.Record(ctx, KindNoteUpdate, "note-1", 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}
