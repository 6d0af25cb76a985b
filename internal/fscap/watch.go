package fscap

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a mock implementation instead of
// touching a real inotify/kqueue handle.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher to FsWatcher. fsnotify exposes
// Events and Errors as public fields rather than methods.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWatcher) Add(name string) error        { return fw.w.Add(name) }
func (fw *fsnotifyWatcher) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWatcher) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWatcher) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWatcher) Errors() <-chan error          { return fw.w.Errors }

// watcherFactory is overridden in tests to avoid spinning up a real
// fsnotify watcher.
var watcherFactory = func() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

const eventBufferSize = 64

// Watch monitors dir (recursively) for filesystem changes and streams
// FileEvents matching globs (nil or empty matches everything) until ctx is
// canceled. New subdirectories created after Watch starts are picked up
// automatically.
func (c *OSCapability) Watch(ctx context.Context, dir string, globs []string) (<-chan FileEvent, error) {
	if dir == "" {
		return nil, errEmptyPath
	}

	watcher, err := watcherFactory()
	if err != nil {
		return nil, fmt.Errorf("fscap: creating filesystem watcher: %w", err)
	}

	if err := addWatchesRecursive(watcher, dir); err != nil {
		watcher.Close()

		return nil, fmt.Errorf("fscap: adding watches under %s: %w", dir, err)
	}

	out := make(chan FileEvent, eventBufferSize)

	go watchLoop(ctx, watcher, globs, out)

	return out, nil
}

func addWatchesRecursive(watcher FsWatcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return skipEntry(d)
		}

		if !d.IsDir() {
			return nil
		}

		return watcher.Add(path)
	})
}

func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}

	return nil
}

func watchLoop(ctx context.Context, watcher FsWatcher, globs []string, out chan<- FileEvent) {
	defer watcher.Close()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}

			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					watcher.Add(ev.Name)
				}
			}

			if !matchesAny(globs, ev.Name) {
				continue
			}

			op := opFromFsnotify(ev)
			trySend(ctx, out, FileEvent{Path: ev.Name, Op: op})

		case _, ok := <-watcher.Errors():
			if !ok {
				return
			}
		}
	}
}

func trySend(ctx context.Context, out chan<- FileEvent, ev FileEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func opFromFsnotify(ev fsnotify.Event) Op {
	switch {
	case ev.Has(fsnotify.Create):
		return OpCreate
	case ev.Has(fsnotify.Remove):
		return OpRemove
	case ev.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

func matchesAny(globs []string, name string) bool {
	if len(globs) == 0 {
		return true
	}

	base := filepath.Base(name)

	for _, g := range globs {
		if ok, err := filepath.Match(g, base); err == nil && ok {
			return true
		}
	}

	return false
}
