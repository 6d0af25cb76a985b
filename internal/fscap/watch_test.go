package fscap

import (
	"context"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWatcher is a minimal FsWatcher for tests that never touches a real
// inotify/kqueue handle.
type fakeWatcher struct {
	events chan fsnotify.Event
	errs   chan error
	added  []string
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		events: make(chan fsnotify.Event, 8),
		errs:   make(chan error, 1),
	}
}

func (f *fakeWatcher) Add(name string) error         { f.added = append(f.added, name); return nil }
func (f *fakeWatcher) Remove(string) error            { return nil }
func (f *fakeWatcher) Close() error                   { return nil }
func (f *fakeWatcher) Events() <-chan fsnotify.Event  { return f.events }
func (f *fakeWatcher) Errors() <-chan error           { return f.errs }

func TestWatch_FiltersByGlob(t *testing.T) {
	fw := newFakeWatcher()
	orig := watcherFactory
	watcherFactory = func() (FsWatcher, error) { return fw, nil }
	t.Cleanup(func() { watcherFactory = orig })

	dir := t.TempDir()
	c := NewOSCapability()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := c.Watch(ctx, dir, []string{"*.md"})
	require.NoError(t, err)

	fw.events <- fsnotify.Event{Name: dir + "/note.md", Op: fsnotify.Write}
	fw.events <- fsnotify.Event{Name: dir + "/note.tmp", Op: fsnotify.Write}

	select {
	case ev := <-out:
		assert.Equal(t, dir+"/note.md", ev.Path)
		assert.Equal(t, OpWrite, ev.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-out:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatch_ClosesOnContextCancel(t *testing.T) {
	fw := newFakeWatcher()
	orig := watcherFactory
	watcherFactory = func() (FsWatcher, error) { return fw, nil }
	t.Cleanup(func() { watcherFactory = orig })

	dir := t.TempDir()
	c := NewOSCapability()

	ctx, cancel := context.WithCancel(context.Background())

	out, err := c.Watch(ctx, dir, nil)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestWatch_EmptyDirErrors(t *testing.T) {
	c := NewOSCapability()
	_, err := c.Watch(context.Background(), "", nil)
	assert.ErrorIs(t, err, errEmptyPath)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "remove", OpRemove.String())
	assert.Equal(t, "rename", OpRename.String())
	assert.Equal(t, "unknown", Op(99).String())
}
