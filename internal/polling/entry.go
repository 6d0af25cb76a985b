package polling

import "time"

// Entry is one note queued for a poll-driven sync check.
type Entry struct {
	SDID     string
	NoteID   string
	Priority Priority

	// EnqueuedAt is when this entry was first drawn into the queue, used
	// to age out fast-path-handoff and recent-edit entries.
	EnqueuedAt time.Time

	// Flagged marks an open/in-list entry as still relevant; Unflag clears
	// it, and an unflagged open/in-list entry is dropped on the next tick.
	Flagged bool
}

// entryKey dedups entries by the (SD, note) pair they target.
type entryKey struct {
	sdID   string
	noteID string
}

// expired reports whether e should be removed without being drawn again,
// per the per-class exit criteria (excluding the
// "expectedSequences observed" criterion, which the caller checks via
// StaleCheck instead).
func (e *Entry) expired(now time.Time, cfg Config) bool {
	switch e.Priority {
	case PriorityFastPathHandoff:
		return now.Sub(e.EnqueuedAt) >= cfg.FastPathMaxDelay
	case PriorityRecentEdit:
		return now.Sub(e.EnqueuedAt) >= cfg.RecentEditWindow
	case PriorityOpen, PriorityInList:
		return !e.Flagged
	case PriorityFullRepoll:
		return false // removed after one poll by the drawing logic itself
	default:
		return true
	}
}
