package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/notesync/engine/internal/fscap"
)

// flushWindow mirrors internal/activity.Logger's buffering window: short
// enough that a peer polling the deletion log notices promptly.
const flushWindow = 50 * time.Millisecond

// LogFileName returns the deletion log file name this writer appends to:
// "{profileId}_{instanceId}.log".
func LogFileName(profileID, instanceID string) string {
	return profileID + "_" + instanceID + ".log"
}

// Logger owns one writer's deletion log: it allocates the per-writer
// sequence each entry carries and buffers this writer's own deletions,
// flushing them to disk on a short timer, the same shape as
// internal/activity.Logger.
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
// "<sd>/deleted/<profileId>_<instanceId>.log").
func NewLogger(cap fscap.Capability, path string, logger *slog.Logger) *Logger {
	return &Logger{cap: cap, path: path, logger: logger}
}

// Record queues a deletion of noteID for the next flush and returns the
// sequence allocated to it. The first call recovers the sequence
// high-water mark from the existing log file.
func (l *Logger) Record(ctx context.Context, noteID string) (uint64, error) {
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

	entry := Entry{Seq: l.seq, TimestampMillis: time.Now().UnixMilli(), NoteID: noteID}
	l.pending = append(l.pending, entry.Encode())

	if l.timer == nil {
		l.timer = time.AfterFunc(flushWindow, func() {
			if err := l.Flush(context.Background()); err != nil {
				l.logger.Warn("deletion log flush failed", "path", l.path, "error", err)
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
		return 0, fmt.Errorf("deletion: checking %s: %w", l.path, err)
	}

	if !exists {
		return 0, nil
	}

	data, err := l.cap.Read(ctx, l.path)
	if err != nil {
		return 0, fmt.Errorf("deletion: reading %s: %w", l.path, err)
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
		return fmt.Errorf("deletion: flushing %s: %w", l.path, err)
	}

	return nil
}
