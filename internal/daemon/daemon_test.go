package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_WritesCurrentPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := Acquire(path)
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquire_SecondAcquisitionNamesHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := Acquire(path)
	require.NoError(t, err)
	defer lock.Release()

	second, err := Acquire(path)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.Contains(t, err.Error(), "already running")
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))
}

func TestAcquire_CreatesParentDirectories(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "daemon.pid")

	lock, err := Acquire(path)
	require.NoError(t, err)
	defer lock.Release()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestAcquire_EmptyPathRejected(t *testing.T) {
	t.Parallel()

	lock, err := Acquire("")
	assert.Error(t, err)
	assert.Nil(t, lock)
}

func TestRelease_RemovesFileAndIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := Acquire(path)
	require.NoError(t, err)

	lock.Release()
	lock.Release() // second call is a no-op

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	var nilLock *Lock
	nilLock.Release() // nil receiver is a no-op too
}

func TestAcquire_DeadHoldersFileDoesNotBlock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")
	// A pidfile with no live flock behind it: the previous daemon died
	// without cleanup.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	lock, err := Acquire(path)
	require.NoError(t, err)
	defer lock.Release()

	pid, alive := Holder(path)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
}

func TestHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pid, alive := Holder(filepath.Join(dir, "absent.pid"))
	assert.Zero(t, pid)
	assert.False(t, alive)

	garbled := filepath.Join(dir, "garbled.pid")
	require.NoError(t, os.WriteFile(garbled, []byte("not-a-pid\n"), 0o644))

	pid, alive = Holder(garbled)
	assert.Zero(t, pid)
	assert.False(t, alive)

	dead := filepath.Join(dir, "dead.pid")
	require.NoError(t, os.WriteFile(dead, []byte("999999999\n"), 0o644))

	pid, alive = Holder(dead)
	assert.Equal(t, 999999999, pid)
	assert.False(t, alive)
}

func TestNotifyReload_NoLock(t *testing.T) {
	t.Parallel()

	err := NotifyReload(filepath.Join(t.TempDir(), "absent.pid"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestNotifyReload_StaleLockCleanedUp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	err := NotifyReload(path)
	assert.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "the stale lock must be removed")
}

func TestNotifyReload_SignalsLiveHolder(t *testing.T) {
	// Not parallel: sends a real SIGHUP to the process. Running in parallel
	// with other signal tests risks a window where no handler is registered
	// (between signal.Stop and signal.Notify), which terminates the process.

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	require.NoError(t, NotifyReload(path))

	select {
	case sig := <-sigCh:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not received within 2 seconds")
	}
}

func TestShutdownContext_FirstSignalCancels(t *testing.T) {
	// Not parallel: sends a real SIGINT to the process.

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := ShutdownContext(parent, logger)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of SIGINT")
	}
}

func TestShutdownContext_ParentCancelStopsGoroutine(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := ShutdownContext(parent, logger)

	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of parent cancel")
	}
}

func TestReloadSignal_DeliversSignal(t *testing.T) {
	// Not parallel: sends a real SIGHUP to the process.

	ch := ReloadSignal()
	defer signal.Stop(ch)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	select {
	case sig := <-ch:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not received within 2 seconds")
	}
}
