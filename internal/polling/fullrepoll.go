package polling

import (
	"context"
	"log/slog"
	"time"
)

// NoteLister enumerates the non-deleted notes of one SD, for the full
// repoll sweep.
type NoteLister interface {
	ListActiveNotes(ctx context.Context, sdID string) ([]string, error)
}

// FullRepollTimer enqueues every non-deleted note of every registered SD
// at PriorityFullRepoll on a fixed interval. Setting
// Config.FullRepollInterval to zero disables it.
type FullRepollTimer struct {
	group    *Group
	lister   NoteLister
	interval time.Duration
	logger   *slog.Logger
}

// NewFullRepollTimer returns a timer that enqueues into group using
// lister, on cfg.FullRepollInterval.
func NewFullRepollTimer(group *Group, lister NoteLister, cfg Config, logger *slog.Logger) *FullRepollTimer {
	return &FullRepollTimer{group: group, lister: lister, interval: cfg.FullRepollInterval, logger: logger}
}

// Run blocks, firing a sweep on every interval, until ctx is canceled. It
// returns immediately if the timer is disabled.
func (t *FullRepollTimer) Run(ctx context.Context) error {
	if t.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *FullRepollTimer) sweep(ctx context.Context) {
	for _, sdID := range t.group.SDIDs() {
		notes, err := t.lister.ListActiveNotes(ctx, sdID)
		if err != nil {
			t.logger.Warn("polling: full repoll listing failed", "sd_id", sdID, "error", err)
			continue
		}

		for _, noteID := range notes {
			t.group.Enqueue(Entry{SDID: sdID, NoteID: noteID, Priority: PriorityFullRepoll})
		}
	}
}
