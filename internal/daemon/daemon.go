// Package daemon owns the engine's single-process lifecycle. Exactly one
// daemon may run per logical index: the Lock type guards that invariant
// with a flock'd pidfile, Holder lets CLI subcommands discover the
// running daemon, NotifyReload asks it to re-read pause/resume state,
// and ShutdownContext gives in-flight syncs one drain window before a
// second signal force-exits.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFilePermissions = 0o644
	lockDirPermissions  = 0o755
)

// Lock is the held daemon singleton: an open, exclusively-flocked
// pidfile. The flock, not the file content, is the actual mutual
// exclusion — the written PID exists so other processes can identify
// and signal the holder.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the daemon lock at path, writing this process's PID into
// it. If another live daemon holds the lock, the error names its PID so
// the operator knows which process to look at. A leftover file from a
// dead daemon does not block acquisition: flock dies with its holder.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("daemon: lock path is empty, data directory unresolved")
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("daemon: creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, alive := Holder(path); alive {
			return nil, fmt.Errorf("daemon: already running as pid %d (lock %s)", pid, path)
		}

		return nil, fmt.Errorf("daemon: lock %s is held by another process: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("daemon: truncating lock file: %w", err)
	}

	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		f.Close()

		return nil, fmt.Errorf("daemon: writing pid: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("daemon: syncing lock file: %w", err)
	}

	return &Lock{path: path, f: f}, nil
}

// Release removes the pidfile and drops the flock. Safe to call on a nil
// Lock (acquisition failed) and more than once.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}

	os.Remove(l.path)
	l.f.Close()
	l.f = nil
}

// Holder reports the PID recorded at path and whether that process is
// still alive (probed with signal 0). A missing or unparseable file
// reports no holder.
func Holder(path string) (pid int, alive bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}

	return pid, proc.Signal(syscall.Signal(0)) == nil
}

// NotifyReload sends SIGHUP to the daemon holding path's lock, asking it
// to reconcile live SD registration against persisted pause flags. A
// dead holder's leftover pidfile is cleaned up on the way out.
func NotifyReload(path string) error {
	pid, alive := Holder(path)
	if pid == 0 {
		return fmt.Errorf("daemon: not running (no lock at %s)", path)
	}

	if !alive {
		os.Remove(path)

		return fmt.Errorf("daemon: pid %d is gone, removed stale lock %s", pid, path)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("daemon: finding pid %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("daemon: signaling pid %d: %w", pid, err)
	}

	return nil
}

// ShutdownContext returns a context canceled on the first SIGINT/SIGTERM,
// opening the drain window in which the engine waits out pending syncs
// and flushes snapshots. Any further signal during that window abandons
// the drain and exits immediately.
func ShutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		draining := false

		for {
			select {
			case sig := <-sigCh:
				if !draining {
					draining = true

					logger.Info("daemon: shutdown requested, draining", "signal", sig.String())
					cancel()

					continue
				}

				logger.Warn("daemon: second signal, abandoning drain", "signal", sig.String())
				os.Exit(1)
			case <-parent.Done():
				return
			}
		}
	}()

	return ctx
}

// ReloadSignal returns a channel fired each time this process receives
// SIGHUP, the daemon's "re-read pause/resume state" trigger (the
// receiving end of NotifyReload).
func ReloadSignal() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	return ch
}
