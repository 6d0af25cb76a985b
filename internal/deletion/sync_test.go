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

type fakeRemover struct {
	deleted map[string]int
	fail    map[string]bool
}

func newFakeRemover() *fakeRemover {
	return &fakeRemover{deleted: make(map[string]int), fail: make(map[string]bool)}
}

func (f *fakeRemover) DeleteTarget(ctx context.Context, sdID, target string) error {
	f.deleted[sdID+"/"+target]++
	if f.fail[target] {
		return os.ErrPermission
	}
	return nil
}

func testSync(t *testing.T) (*Sync, *fakeRemover, string) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "deleted"), 0o755))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	remover := newFakeRemover()

	return NewSync(fscap.NewOSCapability(), remover, "profile-self", "instance-self", logger), remover, root
}

func writePeerLog(t *testing.T, root, fileName string, lines ...string) {
	t.Helper()

	var content string
	for _, l := range lines {
		content += l + "\n"
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "deleted", fileName), []byte(content), 0o644))
}

func TestSyncFromOtherInstances_RemovesNewlyDeletedNotes(t *testing.T) {
	s, remover, root := testSync(t)

	writePeerLog(t, root, "profile-a_instance-1.log",
		Entry{Seq: 1, TimestampMillis: 1, NoteID: "note-1"}.Encode(),
		Entry{Seq: 2, TimestampMillis: 2, NoteID: "note-2"}.Encode(),
	)

	removed, err := s.SyncFromOtherInstances(context.Background(), "sd1", root)
	require.NoError(t, err)
	assert.Contains(t, removed, "note-1")
	assert.Contains(t, removed, "note-2")
	assert.Equal(t, 1, remover.deleted["sd1/note-1"])
	assert.Equal(t, 1, remover.deleted["sd1/note-2"])
}

func TestSyncFromOtherInstances_ExcludesOwnFile(t *testing.T) {
	s, remover, root := testSync(t)

	writePeerLog(t, root, "profile-self_instance-self.log",
		Entry{Seq: 1, TimestampMillis: 1, NoteID: "own-note"}.Encode())
	writePeerLog(t, root, "instance-self.log",
		Entry{Seq: 1, TimestampMillis: 1, NoteID: "own-legacy"}.Encode())

	removed, err := s.SyncFromOtherInstances(context.Background(), "sd1", root)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Empty(t, remover.deleted)
}

func TestSyncFromOtherInstances_WatermarkSkipsAlreadyRead(t *testing.T) {
	s, remover, root := testSync(t)

	writePeerLog(t, root, "instance-1.log", Entry{Seq: 1, TimestampMillis: 1, NoteID: "note-1"}.Encode())

	_, err := s.SyncFromOtherInstances(context.Background(), "sd1", root)
	require.NoError(t, err)

	removed, err := s.SyncFromOtherInstances(context.Background(), "sd1", root)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, 1, remover.deleted["sd1/note-1"])
}

// TestProcessRemoteDeletion_IdempotentWithinRun: reprocessing the same deletion must not call Remover a second time.
func TestProcessRemoteDeletion_IdempotentWithinRun(t *testing.T) {
	s, remover, _ := testSync(t)

	require.NoError(t, s.ProcessRemoteDeletion(context.Background(), "sd1", "note-1"))
	require.NoError(t, s.ProcessRemoteDeletion(context.Background(), "sd1", "note-1"))

	assert.Equal(t, 1, remover.deleted["sd1/note-1"])
}

// TestProcessRemoteDeletion_FileRemovalFailureStillCompletes: a deletion whose files cannot be removed still
// marks the logical deletion complete rather than being retried forever.
func TestProcessRemoteDeletion_FileRemovalFailureStillCompletes(t *testing.T) {
	s, remover, _ := testSync(t)
	remover.fail["note-1"] = true

	err := s.ProcessRemoteDeletion(context.Background(), "sd1", "note-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remover.deleted["sd1/note-1"])
}

func TestSync_ExportImportWatermarks(t *testing.T) {
	s, _, root := testSync(t)

	writePeerLog(t, root, "A_i1.log", Entry{Seq: 1, TimestampMillis: 1, NoteID: "note-1"}.Encode())

	_, err := s.SyncFromOtherInstances(context.Background(), "sd1", root)
	require.NoError(t, err)

	exported := s.ExportWatermarks("sd1")
	require.Equal(t, int64(1), exported["A_i1.log"])

	fresh, freshRemover, freshRoot := testSync(t)
	fresh.ImportWatermarks("sd1", exported)

	writePeerLog(t, freshRoot, "A_i1.log", Entry{Seq: 1, TimestampMillis: 1, NoteID: "note-1"}.Encode())

	removed, err := fresh.SyncFromOtherInstances(context.Background(), "sd1", freshRoot)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, 0, freshRemover.deleted["sd1/note-1"])
}

func TestParsePeerFileName(t *testing.T) {
	profile, instance := ParsePeerFileName("profile-a_instance-1.log")
	assert.Equal(t, "profile-a", profile)
	assert.Equal(t, "instance-1", instance)

	profile, instance = ParsePeerFileName("instance-1.log")
	assert.Equal(t, "", profile)
	assert.Equal(t, "instance-1", instance)
}
