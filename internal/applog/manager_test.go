package applog

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

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mgr := NewManager(fscap.NewOSCapability(), logger)
	require.NoError(t, mgr.RegisterSD("sd1", root))

	return mgr, root
}

func TestAppendLocalUpdate_AllocatesIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	seq1, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("delta-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)

	seq2, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("delta-2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq2)

	assert.FileExists(t, filepath.Join(root, "notes", "note-a", "logs", "writer-1_1.crdtlog"))
	assert.FileExists(t, filepath.Join(root, "notes", "note-a", "logs", "writer-1_2.crdtlog"))
}

func TestAppendLocalUpdate_IndependentWriterSequences(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	seqA, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("a"))
	require.NoError(t, err)
	seqB, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-2", []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seqA)
	assert.Equal(t, uint64(1), seqB)
}

func TestAppendLocalUpdate_RecoversSeqFromDirectoryScan(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)
	_, err = mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d2"))
	require.NoError(t, err)

	// A fresh Manager simulates a restart: the allocator must pick up
	// where the directory contents left off.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	restarted := NewManager(fscap.NewOSCapability(), logger)
	require.NoError(t, restarted.RegisterSD("sd1", root))

	seq, err := restarted.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestLoadNote_ReplaysDeltasOverSnapshot(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)
	_, err = mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d2"))
	require.NoError(t, err)

	handle, watermarks, err := mgr.LoadNote(ctx, "sd1", "note-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), watermarks["writer-1"])
	assert.Contains(t, string(handle.State), "d1")
	assert.Contains(t, string(handle.State), "d2")
}

func TestCompact_WritesSnapshotAndDeletesSupersededLogs(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)

	require.NoError(t, mgr.Compact(ctx, "sd1", "note-a"))

	snapPath := filepath.Join(root, "notes", "note-a", "snapshot.yjs")
	info, err := os.Stat(snapPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.NoFileExists(t, filepath.Join(root, "notes", "note-a", "logs", "writer-1_1.crdtlog"))

	// Compact then load yields the same document state.
	handle, watermarks, err := mgr.LoadNote(ctx, "sd1", "note-a")
	require.NoError(t, err)
	assert.Equal(t, "d1", string(handle.State))
	assert.Equal(t, uint64(1), watermarks["writer-1"])
}

func TestCompact_PreservesLogsAppendedAfterLoad(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)
	require.NoError(t, mgr.Compact(ctx, "sd1", "note-a"))

	// A delta appended after compaction survives the next load.
	_, err = mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d2"))
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, "notes", "note-a", "logs", "writer-1_2.crdtlog"))

	handle, _, err := mgr.LoadNote(ctx, "sd1", "note-a")
	require.NoError(t, err)
	assert.Equal(t, "d1d2", string(handle.State))
}

func TestCompact_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)

	lockPath := filepath.Join(root, "notes", "note-a", ".compact.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("held"), 0o644))

	require.NoError(t, mgr.Compact(ctx, "sd1", "note-a"))

	// The other holder's lock means no snapshot was written here.
	assert.NoFileExists(t, filepath.Join(root, "notes", "note-a", "snapshot.yjs"))
	assert.FileExists(t, filepath.Join(root, "notes", "note-a", "logs", "writer-1_1.crdtlog"))
}

func TestLoadNote_TruncatedSnapshotTmpDoesNotCorrupt(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)
	require.NoError(t, mgr.Compact(ctx, "sd1", "note-a"))

	// Simulate a crash mid-compaction: a half-written .tmp beside the
	// good snapshot. Loading must ignore it and use the prior snapshot.
	tmpPath := filepath.Join(root, "notes", "note-a", "snapshot.yjs.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte{statusWriting, 0xde, 0xad}, 0o644))

	handle, _, err := mgr.LoadNote(ctx, "sd1", "note-a")
	require.NoError(t, err)
	assert.Equal(t, "d1", string(handle.State))
}

func TestLoadNote_IncompleteSnapshotTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)

	// A snapshot whose status byte still says "being written" is skipped;
	// state comes from the logs alone.
	snapPath := filepath.Join(root, "notes", "note-a", "snapshot.yjs")
	require.NoError(t, os.WriteFile(snapPath, []byte{statusWriting, 1, 2, 3}, 0o644))

	handle, _, err := mgr.LoadNote(ctx, "sd1", "note-a")
	require.NoError(t, err)
	assert.Equal(t, "d1", string(handle.State))
}

func TestLoadNote_CorruptSnapshotRebuildsFromLogs(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)

	snapPath := filepath.Join(root, "notes", "note-a", "snapshot.yjs")
	require.NoError(t, os.WriteFile(snapPath, []byte{statusComplete, 0x28, 0xb5, 0x2f, 0xfd, 0xff}, 0o644))

	handle, _, err := mgr.LoadNote(ctx, "sd1", "note-a")
	require.NoError(t, err)
	assert.Equal(t, "d1", string(handle.State))
}

func TestCheckLogExists(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	seq, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)

	assert.True(t, mgr.CheckLogExists("sd1", "note-a", "writer-1", seq))
	assert.False(t, mgr.CheckLogExists("sd1", "note-a", "writer-1", seq+1))
	assert.False(t, mgr.CheckLogExists("sd1", "note-b", "writer-1", seq))
}

func TestDeleteTarget_Idempotent(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteTarget(ctx, "sd1", "note-a"))
	assert.NoDirExists(t, filepath.Join(root, "notes", "note-a"))

	// Already gone is still success.
	require.NoError(t, mgr.DeleteTarget(ctx, "sd1", "note-a"))
}

func TestFlushSnapshots_CompactsEveryDirtyTarget(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", "note-a", "writer-1", []byte("d1"))
	require.NoError(t, err)
	_, err = mgr.AppendLocalUpdate(ctx, "sd1", "note-b", "writer-1", []byte("d1"))
	require.NoError(t, err)

	var progressCalls int
	require.NoError(t, mgr.FlushSnapshots(ctx, func(done, total int) {
		progressCalls++
		assert.Equal(t, 2, total)
		assert.LessOrEqual(t, done, total)
	}))

	assert.Equal(t, 2, progressCalls)

	// A second flush finds nothing dirty.
	require.NoError(t, mgr.FlushSnapshots(ctx, func(done, total int) {
		t.Fatalf("unexpected progress call: %d/%d", done, total)
	}))
}

func TestFolderTarget_LivesUnderFoldersDir(t *testing.T) {
	ctx := context.Background()
	mgr, root := testManager(t)

	_, err := mgr.AppendLocalUpdate(ctx, "sd1", FolderTarget, "writer-1", []byte("tree"))
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, "folders", "logs", "writer-1_1.crdtlog"))
}

func TestRegisterSD_RejectsEmpty(t *testing.T) {
	mgr := NewManager(fscap.NewOSCapability(), slog.Default())
	assert.Error(t, mgr.RegisterSD("", "/tmp"))
	assert.Error(t, mgr.RegisterSD("sd1", ""))
}

func TestLoadNote_UnregisteredSD(t *testing.T) {
	mgr := NewManager(fscap.NewOSCapability(), slog.Default())
	_, _, err := mgr.LoadNote(context.Background(), "missing", "note-a")
	require.ErrorIs(t, err, ErrSDNotRegistered)
}
