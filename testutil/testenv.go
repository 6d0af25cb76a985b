// Package testutil provides a fixture for simulating two or more
// instances of this engine writing and reading the same shared Storage
// Directory on disk, the way cloud sync (Dropbox/iCloud/Syncthing) would
// ferry files between real machines. internal/sdmanager's own tests cover
// one instance in isolation; this package is for e2e tests that need
// several writer identities converging on one directory tree.
package testutil

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notesync/engine/internal/activity"
	"github.com/notesync/engine/internal/applog"
	"github.com/notesync/engine/internal/fscap"
	"github.com/notesync/engine/internal/index"
	"github.com/notesync/engine/internal/profile"
	"github.com/notesync/engine/internal/sdmanager"
)

// Instance bundles the per-process state a single simulated installation
// owns: its own logical index, its own append-log sequence allocator, and
// a writer identity distinct from every other Instance sharing the same
// Storage Directory on disk.
type Instance struct {
	t      *testing.T
	Writer sdmanager.WriterIdentity

	Cap     fscap.Capability
	AppLog  *applog.Manager
	Index   *index.Store
	Manager *sdmanager.Manager

	// Events receives every domain event background sync cycles emit.
	// Buffered generously since tests only ever drain a handful.
	Events chan sdmanager.Event
}

// WriterID returns the id this instance stamps on its CRDT log files.
func (in *Instance) WriterID() applog.WriterID {
	return applog.WriterID(in.Writer.ProfileID + "_" + in.Writer.InstanceID)
}

// NewInstance builds one simulated installation with its own in-memory
// index and a real OS filesystem capability, identified by profileID and
// instanceID. buildType is "prod" or "dev", per the marker policy;
// confirm answers the dev-build "load a prod-marked SD anyway?"
// prompt when one is needed.
func NewInstance(t *testing.T, profileID, instanceID, buildType string, confirm sdmanager.ConfirmFunc) *Instance {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(newTestWriter(t), nil))
	cap := fscap.NewOSCapability()
	appLog := applog.NewManager(cap, logger)

	idx, err := index.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	writer := sdmanager.WriterIdentity{ProfileID: profileID, InstanceID: instanceID}
	profileWriter := profile.NewWriter(cap, idx, profile.Identity{
		ProfileID: profileID, InstanceID: instanceID, ProfileName: profileID,
	}, nil)

	in := &Instance{
		t:      t,
		Writer: writer,
		Cap:    cap,
		AppLog: appLog,
		Index:  idx,
		Events: make(chan sdmanager.Event, 64),
	}

	in.Manager = sdmanager.NewManager(cap, appLog, idx, writer, profileWriter, buildType, confirm,
		func(ev sdmanager.Event) {
			in.Events <- ev
		}, 0, 0, logger)

	return in
}

// RegisterSD brings the instance's Manager up against an on-disk root
// shared with any other Instance in the test, returning the live SD
// handle. Fails the test on error.
func (in *Instance) RegisterSD(ctx context.Context, name, root string) *sdmanager.SD {
	in.t.Helper()

	sd, err := in.Manager.RegisterSD(ctx, name, root)
	require.NoError(in.t, err)

	return sd
}

// WriteNote appends a local CRDT delta for noteID as this instance's
// writer, records the matching activity-log entry, and flushes it to
// disk immediately — standing in for "a local edit batch was just
// applied and the CRDT library handed back an update to persist".
// kind should be activity.KindNoteCreated for a note's first
// write and activity.KindNoteUpdate thereafter.
func (in *Instance) WriteNote(ctx context.Context, sd *sdmanager.SD, kind activity.Kind, noteID string, payload []byte) uint64 {
	in.t.Helper()

	seq, err := in.AppLog.AppendLocalUpdate(ctx, sd.ID, noteID, in.WriterID(), payload)
	require.NoError(in.t, err)

	_, err = sd.ActivityLogger.Record(ctx, kind, noteID, seq)
	require.NoError(in.t, err)
	require.NoError(in.t, sd.ActivityLogger.Flush(ctx))

	return seq
}

// AdvertiseUpdate writes only the activity-log entry for a CRDT delta at
// writerSeq, without writing the delta file itself — simulating the
// cloud-sync lag where a peer's activity log replicates ahead of its
// crdtlog.
func (in *Instance) AdvertiseUpdate(ctx context.Context, sd *sdmanager.SD, kind activity.Kind, noteID string, writerSeq uint64) {
	in.t.Helper()

	_, err := sd.ActivityLogger.Record(ctx, kind, noteID, writerSeq)
	require.NoError(in.t, err)
	require.NoError(in.t, sd.ActivityLogger.Flush(ctx))
}

// DeleteNote records a permanent deletion of noteID as this instance's
// writer and flushes it to disk immediately.
func (in *Instance) DeleteNote(ctx context.Context, sd *sdmanager.SD, noteID string) {
	in.t.Helper()

	_, err := sd.DeletionLogger.Record(ctx, noteID)
	require.NoError(in.t, err)
	require.NoError(in.t, sd.DeletionLogger.Flush(ctx))
}

// Close stops the instance's background watchers/polling.
func (in *Instance) Close() {
	in.Manager.Close()
}

// testWriter adapts testing.T.Log to an io.Writer so component loggers
// interleave with the rest of a test's output instead of racing stderr.
type testWriter struct{ t *testing.T }

func newTestWriter(t *testing.T) *testWriter { return &testWriter{t: t} }

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", p)

	return len(p), nil
}
