// Package polling implements the Tier-2 scheduler: a priority-weighted,
// token-bucket-budgeted background poller that re-checks notes filesystem
// watchers may have missed.
package polling

// Priority classes a poll entry can carry, ordered highest first. Lower
// values are drawn before higher ones on every tick.
type Priority int

const (
	// PriorityFastPathHandoff covers a note whose activity entry has been
	// seen but whose CRDT log has not yet become visible locally.
	PriorityFastPathHandoff Priority = iota
	// PriorityRecentEdit covers a note edited locally within the recent
	// edit window, kept warm in case a peer update lands concurrently.
	PriorityRecentEdit
	// PriorityOpen covers a note currently open in some UI window.
	PriorityOpen
	// PriorityInList covers a note currently visible in a list UI.
	PriorityInList
	// PriorityFullRepoll covers the periodic full sweep of every
	// non-deleted note.
	PriorityFullRepoll
)

// numPriorities is the count of Priority values, used to size per-priority
// queue storage.
const numPriorities = int(PriorityFullRepoll) + 1

func (p Priority) String() string {
	switch p {
	case PriorityFastPathHandoff:
		return "fast-path-handoff"
	case PriorityRecentEdit:
		return "recent-edit"
	case PriorityOpen:
		return "open"
	case PriorityInList:
		return "in-list"
	case PriorityFullRepoll:
		return "full-repoll"
	default:
		return "unknown"
	}
}
