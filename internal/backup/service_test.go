package backup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notesync/engine/internal/applog"
	"github.com/notesync/engine/internal/fscap"
)

func testService(t *testing.T, dbPath string) (*Service, fscap.Capability, string) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cap := fscap.NewOSCapability()
	backupRoot := filepath.Join(t.TempDir(), "backups")

	return NewService(cap, backupRoot, dbPath, logger), cap, backupRoot
}

// seedSD writes a minimal live Storage Directory with noteIDs under
// notes/, mirroring what internal/applog.Manager.AppendLocalUpdate
// leaves on disk.
func seedSD(t *testing.T, cap fscap.Capability, root string, noteIDs ...string) {
	t.Helper()

	ctx := context.Background()
	applogMgr := applog.NewManager(cap, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, applogMgr.RegisterSD("sd", root))

	for _, noteID := range noteIDs {
		_, err := applogMgr.AppendLocalUpdate(ctx, "sd", noteID, "profile_inst", []byte("hello "+noteID))
		require.NoError(t, err)
	}

	require.NoError(t, cap.Write(ctx, cap.JoinPath(root, "SD_VERSION"), []byte("1")))
}

func TestPreOperationBackup_CopiesOnlyNamedNotes(t *testing.T) {
	ctx := context.Background()
	svc, cap, backupRoot := testService(t, "")
	sdRoot := t.TempDir()
	seedSD(t, cap, sdRoot, "note-a", "note-b")

	backupID, err := svc.PreOperationBackup(ctx, "sd-uuid", "My Notes", sdRoot, []string{"note-a"}, "before delete")
	require.NoError(t, err)

	metas, err := svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, backupID, metas[0].BackupID)
	assert.Equal(t, KindPreOperation, metas[0].Type)
	assert.Equal(t, 1, metas[0].NoteCount)

	_, err = os.Stat(filepath.Join(backupRoot, backupID, "notes", "note-a"))
	assert.NoError(t, err)

	_, err = os.Stat(filepath.Join(backupRoot, backupID, "notes", "note-b"))
	assert.True(t, os.IsNotExist(err), "note-b was not requested and must not be copied")
}

func TestManualBackup_CopiesEntireSD(t *testing.T) {
	ctx := context.Background()
	svc, cap, _ := testService(t, "")
	sdRoot := t.TempDir()
	seedSD(t, cap, sdRoot, "note-a", "note-b")

	backupID, err := svc.ManualBackup(ctx, "sd-uuid", "My Notes", sdRoot, "full copy")
	require.NoError(t, err)

	metas, err := svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, KindManual, metas[0].Type)
	assert.Equal(t, 2, metas[0].NoteCount)
	assert.Equal(t, "My Notes", metas[0].SDName)
	assert.Positive(t, metas[0].SizeBytes)

	for _, noteID := range []string{"note-a", "note-b"} {
		_, statErr := os.Stat(filepath.Join(svc.backupRoot, backupID, "notes", noteID))
		assert.NoError(t, statErr)
	}
}

func TestManualBackup_CopiesLogicalDatabaseWhenConfigured(t *testing.T) {
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "index.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("fake sqlite bytes"), 0o644))

	svc, cap, _ := testService(t, dbPath)
	sdRoot := t.TempDir()
	seedSD(t, cap, sdRoot)

	backupID, err := svc.ManualBackup(ctx, "sd-uuid", "My Notes", sdRoot, "")
	require.NoError(t, err)

	copied, err := os.ReadFile(filepath.Join(svc.backupRoot, backupID, "index.db"))
	require.NoError(t, err)
	assert.Equal(t, "fake sqlite bytes", string(copied))
}

func TestListBackups_SortsNewestFirstAndSkipsUnreadableMetadata(t *testing.T) {
	ctx := context.Background()
	svc, cap, _ := testService(t, "")
	sdRoot := t.TempDir()
	seedSD(t, cap, sdRoot, "note-a")

	firstID, err := svc.PreOperationBackup(ctx, "sd-uuid", "My Notes", sdRoot, []string{"note-a"}, "first")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	secondID, err := svc.PreOperationBackup(ctx, "sd-uuid", "My Notes", sdRoot, []string{"note-a"}, "second")
	require.NoError(t, err)

	// A backup dir missing metadata.json (e.g. interrupted mid-write)
	// must be skipped rather than failing the whole listing.
	require.NoError(t, os.MkdirAll(filepath.Join(svc.backupRoot, "broken"), 0o755))

	metas, err := svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, secondID, metas[0].BackupID)
	assert.Equal(t, firstID, metas[1].BackupID)
}

func TestCleanupExpired_RemovesOnlyStalePreOperationBackups(t *testing.T) {
	ctx := context.Background()
	svc, cap, _ := testService(t, "")
	sdRoot := t.TempDir()
	seedSD(t, cap, sdRoot, "note-a")

	staleID, err := svc.PreOperationBackup(ctx, "sd-uuid", "My Notes", sdRoot, []string{"note-a"}, "old")
	require.NoError(t, err)

	freshID, err := svc.PreOperationBackup(ctx, "sd-uuid", "My Notes", sdRoot, []string{"note-a"}, "new")
	require.NoError(t, err)

	manualID, err := svc.ManualBackup(ctx, "sd-uuid", "My Notes", sdRoot, "keep forever")
	require.NoError(t, err)

	now := time.Now()
	// Backdate the stale pre-operation backup's metadata past the
	// 7-day retention window; the fresh one and the manual backup stay.
	require.NoError(t, writeMetadata(ctx, cap, cap.JoinPath(svc.backupRoot, staleID), Metadata{
		BackupID: staleID, SDUuid: "sd-uuid", Type: KindPreOperation,
		TimestampMilli: now.Add(-8 * 24 * time.Hour).UnixMilli(),
	}))

	removed, err := svc.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{staleID}, removed)

	metas, err := svc.ListBackups(ctx)
	require.NoError(t, err)

	var remainingIDs []string
	for _, m := range metas {
		remainingIDs = append(remainingIDs, m.BackupID)
	}

	assert.ElementsMatch(t, []string{freshID, manualID}, remainingIDs)
}

func TestSize_SumsRegularFileBytes(t *testing.T) {
	ctx := context.Background()
	svc, cap, _ := testService(t, "")
	sdRoot := t.TempDir()
	seedSD(t, cap, sdRoot, "note-a")

	backupID, err := svc.ManualBackup(ctx, "sd-uuid", "My Notes", sdRoot, "")
	require.NoError(t, err)

	size, err := svc.Size(ctx, backupID)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
