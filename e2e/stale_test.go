package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notesync/engine/internal/activity"
	"github.com/notesync/engine/internal/sdmanager"
	"github.com/notesync/engine/testutil"
)

// TestStaleGapRecovery: B sees an activity line advertising sequence 2
// while only sequence 1 has replicated to disk. B must record a stale
// entry and hold its watermark at 1; once sequence 2's crdtlog actually
// appears, the next sync clears the stale entry, advances the watermark,
// and emits exactly one further note:updated.
func TestStaleGapRecovery(t *testing.T) {
	ctx := context.Background()
	sdRoot := t.TempDir()
	noteID := uuid.NewString()

	a := testutil.NewInstance(t, "profile", "A1", "prod", nil)
	defer a.Close()
	sdA := a.RegisterSD(ctx, "shared-notes", sdRoot)

	// Sequence 1 is written and advertised normally.
	a.WriteNote(ctx, sdA, activity.KindNoteCreated, noteID, []byte("hello"))

	// Sequence 2 is advertised in the activity log, but its crdtlog file
	// has not "replicated" yet, the way cloud sync lags behind.
	a.AdvertiseUpdate(ctx, sdA, activity.KindNoteUpdate, noteID, 2)

	b := testutil.NewInstance(t, "profile", "B1", "prod", nil)
	defer b.Close()
	sdB := b.RegisterSD(ctx, "shared-notes", sdRoot)

	ev := waitForEvent(t, b.Events, time.Second)
	assert.Equal(t, sdmanager.EventNoteCreated, ev.Kind)
	assert.Equal(t, noteID, ev.NoteID, "sequence 1 must still surface even though sequence 2 is stale")

	stale, err := b.Index.ListStaleEntries(ctx, sdB.ID)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, noteID, stale[0].NoteID)
	assert.Equal(t, "profile_A1", stale[0].SourceWriter)
	assert.Equal(t, uint64(2), stale[0].ExpectedSeq)
	assert.Equal(t, uint64(1), stale[0].HighestSeen)
	assert.Equal(t, uint64(1), stale[0].Gap)
	assert.False(t, stale[0].Skipped)

	// The watermark holds at 1 while the gap is open.
	assert.Equal(t, int64(1), sdB.ActivitySync.ExportWatermarks(sdB.ID)["profile_A1.log"])

	// A second sync with nothing new on disk must not re-report sequence
	// 1 and must not clear the stale entry on its own.
	again, err := b.Manager.SyncNow(ctx, sdB.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	stale, err = b.Index.ListStaleEntries(ctx, sdB.ID)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	// Sequence 2's crdtlog now "replicates".
	_, err = a.AppLog.AppendLocalUpdate(ctx, sdA.ID, noteID, a.WriterID(), []byte(" world"))
	require.NoError(t, err)

	resolved, err := b.Manager.SyncNow(ctx, sdB.ID)
	require.NoError(t, err)
	assert.Contains(t, resolved, noteID, "resolving the gap must surface exactly one further update")

	ev = waitForEvent(t, b.Events, time.Second)
	assert.Equal(t, sdmanager.EventNoteUpdated, ev.Kind)

	assert.Equal(t, int64(2), sdB.ActivitySync.ExportWatermarks(sdB.ID)["profile_A1.log"])

	stale, err = b.Index.ListStaleEntries(ctx, sdB.ID)
	require.NoError(t, err)
	assert.Empty(t, stale, "the stale entry must be cleared once the gap closes")
}

// TestStaleGapSkipStaysSkippedUntilRetry: skipping a stale entry makes the sync treat its lines as
// processed — the watermark advances past them, and even a later arrival
// of the missing CRDT log does not resurrect them. Only an explicit
// retry clears the skip for future lines.
func TestStaleGapSkipStaysSkippedUntilRetry(t *testing.T) {
	ctx := context.Background()
	sdRoot := t.TempDir()
	noteID := uuid.NewString()
	otherNote := uuid.NewString()

	a := testutil.NewInstance(t, "profile", "A1", "prod", nil)
	defer a.Close()
	sdA := a.RegisterSD(ctx, "shared-notes", sdRoot)
	a.WriteNote(ctx, sdA, activity.KindNoteCreated, noteID, []byte("hello"))
	a.AdvertiseUpdate(ctx, sdA, activity.KindNoteUpdate, noteID, 2)
	a.WriteNote(ctx, sdA, activity.KindNoteCreated, otherNote, []byte("other"))

	b := testutil.NewInstance(t, "profile", "B1", "prod", nil)
	defer b.Close()
	sdB := b.RegisterSD(ctx, "shared-notes", sdRoot)

	ev := waitForEvent(t, b.Events, time.Second)
	assert.Equal(t, noteID, ev.NoteID)

	// Blocked on the advertised-but-missing sequence 2: otherNote's
	// later line is held back too, per-peer ordering being contiguous.
	stale, err := b.Index.ListStaleEntries(ctx, sdB.ID)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// The operator skips the gap; the next sync advances past it and
	// reaches otherNote's line.
	require.NoError(t, sdB.ActivitySync.SkipStaleEntry(ctx, sdB.ID, noteID, "profile_A1"))

	affected, err := b.Manager.SyncNow(ctx, sdB.ID)
	require.NoError(t, err)
	assert.NotContains(t, affected, noteID)
	assert.Contains(t, affected, otherNote)

	ev = waitForEvent(t, b.Events, time.Second)
	assert.Equal(t, otherNote, ev.NoteID)

	// Sequence 2 now actually replicates — but its line was skipped and
	// the watermark is already past it: skipped stays skipped.
	_, err = a.AppLog.AppendLocalUpdate(ctx, sdA.ID, noteID, a.WriterID(), []byte(" world"))
	require.NoError(t, err)

	affected, err = b.Manager.SyncNow(ctx, sdB.ID)
	require.NoError(t, err)
	assert.Empty(t, affected, "a skipped line must not resurrect when its log arrives")

	// Retry clears the skip for future lines from this writer: a fresh
	// update to the note flows through normally again.
	require.NoError(t, sdB.ActivitySync.RetryStaleEntry(ctx, sdB.ID, noteID, "profile_A1"))

	a.WriteNote(ctx, sdA, activity.KindNoteUpdate, noteID, []byte("!"))

	affected, err = b.Manager.SyncNow(ctx, sdB.ID)
	require.NoError(t, err)
	assert.Contains(t, affected, noteID, "retry must resume forward progress")
}

// TestStaleSkipPersistedInIndex: a skip decision lands in the logical
// index's stale-entry table, which a restarted instance imports at SD
// bring-up.
func TestStaleSkipPersistedInIndex(t *testing.T) {
	ctx := context.Background()
	sdRoot := t.TempDir()
	noteID := uuid.NewString()

	a := testutil.NewInstance(t, "profile", "A1", "prod", nil)
	defer a.Close()
	sdA := a.RegisterSD(ctx, "shared-notes", sdRoot)
	a.AdvertiseUpdate(ctx, sdA, activity.KindNoteCreated, noteID, 1)

	b := testutil.NewInstance(t, "profile", "B1", "prod", nil)
	defer b.Close()
	sdB := b.RegisterSD(ctx, "shared-notes", sdRoot)

	stale, err := b.Index.ListStaleEntries(ctx, sdB.ID)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, sdB.ActivitySync.SkipStaleEntry(ctx, sdB.ID, noteID, "profile_A1"))

	stale, err = b.Index.ListStaleEntries(ctx, sdB.ID)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.True(t, stale[0].Skipped, "the skip must be persisted in the logical index")
}
