package activity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/notesync/engine/internal/fscap"
)

// flushWindow is the maximum time a buffered entry waits before being
// written to disk. Kept short so a peer polling the activity log notices
// a change promptly without forcing a disk write per entry.
const flushWindow = 50 * time.Millisecond

// LogFileName returns the activity log file name this writer appends to:
// "{profileId}_{instanceId}.log".
func LogFileName(profileID, instanceID string) string {
	return profileID + "_" + instanceID + ".log"
}

// Logger owns one writer's activity log: it allocates the per-writer
// activity sequence each entry carries and batches bursts of local edits
// into a single append instead of one disk write per change. Callers
// that need an entry durably on disk before acknowledging a write call
// Flush.
type Logger struct {
	cap    fscap.Capability
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	seq       uint64
	seqLoaded bool
	pending   []string
	timer     *time.Timer
}

// NewLogger returns a Logger that appends to path (typically
// "<sd>/activity/<profileId>_<instanceId>.log").
func NewLogger(cap fscap.Capability, path string, logger *slog.Logger) *Logger {
	return &Logger{cap: cap, path: path, logger: logger}
}

// Record queues one entry for the next flush and returns the activity
// sequence allocated to it. The first call recovers the sequence
// high-water mark from the existing log file, so sequences keep
// increasing across restarts.
func (l *Logger) Record(ctx context.Context, kind Kind, noteID string, writerSeq uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.seqLoaded {
		recovered, err := l.recoverSeq(ctx)
		if err != nil {
			return 0, err
		}

		l.seq = recovered
		l.seqLoaded = true
	}

	l.seq++

	entry := Entry{
		Seq:             l.seq,
		TimestampMillis: time.Now().UnixMilli(),
		Kind:            kind,
		NoteID:          noteID,
		WriterSeq:       writerSeq,
	}

	l.pending = append(l.pending, entry.Encode())

	if l.timer == nil {
		l.timer = time.AfterFunc(flushWindow, func() {
			if err := l.Flush(context.Background()); err != nil {
				l.logger.Warn("activity log flush failed", "path", l.path, "error", err)
			}
		})
	}

	return l.seq, nil
}

// recoverSeq scans the existing log file for the highest sequence
// already written. Called once, under l.mu.
func (l *Logger) recoverSeq(ctx context.Context) (uint64, error) {
	exists, err := l.cap.Exists(ctx, l.path)
	if err != nil {
		return 0, fmt.Errorf("activity: checking %s: %w", l.path, err)
	}

	if !exists {
		return 0, nil
	}

	data, err := l.cap.Read(ctx, l.path)
	if err != nil {
		return 0, fmt.Errorf("activity: reading %s: %w", l.path, err)
	}

	var max uint64

	for _, line := range strings.Split(string(data), "\n") {
		if entry, ok := ParseEntry(line); ok && entry.Seq > max {
			max = entry.Seq
		}
	}

	return max, nil
}

// Flush writes every pending entry to disk immediately, as one append.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var buf []byte
	for _, line := range pending {
		buf = append(buf, []byte(line)...)
		buf = append(buf, '\n')
	}

	if err := l.cap.Append(ctx, l.path, buf); err != nil {
		return fmt.Errorf("activity: flushing %s: %w", l.path, err)
	}

	return nil
}

// Compact rewrites the log file keeping only entries whose sequence is at
// least minSeq — the minimum watermark any peer has advanced past — via
// atomic replace. Pending entries are flushed first so nothing buffered
// is lost to the rewrite.
func (l *Logger) Compact(ctx context.Context, minSeq uint64) error {
	if err := l.Flush(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.cap.Exists(ctx, l.path)
	if err != nil || !exists {
		return err
	}

	data, err := l.cap.Read(ctx, l.path)
	if err != nil {
		return fmt.Errorf("activity: reading %s for compaction: %w", l.path, err)
	}

	var kept []byte

	for _, line := range strings.Split(string(data), "\n") {
		if entry, ok := ParseEntry(line); ok && entry.Seq >= minSeq {
			kept = append(kept, []byte(line)...)
			kept = append(kept, '\n')
		}
	}

	if err := l.cap.Write(ctx, l.path, kept); err != nil {
		return fmt.Errorf("activity: compacting %s: %w", l.path, err)
	}

	return nil
}
