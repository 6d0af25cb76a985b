package deletion

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

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

func TestLogger_RecordAllocatesIncreasingSequences(t *testing.T) {
	l, path := testLogger(t)
	ctx := context.Background()

	seq1, err := l.Record(ctx, "note-1")
	require.NoError(t, err)
	seq2, err := l.Record(ctx, "note-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)

	require.NoError(t, l.Flush(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "note-1")
	assert.Contains(t, string(data), "note-2")
}

func TestLogger_SequencesIncreaseAcrossRestart(t *testing.T) {
	l, path := testLogger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, "note-1")
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	restarted := NewLogger(fscap.NewOSCapability(), path, logger)

	seq, err := restarted.Record(ctx, "note-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}
