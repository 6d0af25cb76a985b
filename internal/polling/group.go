package polling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Syncer is the per-SD sync cycle a drawn poll entry triggers. It is
// satisfied by internal/activity.Sync and internal/deletion.Sync, both
// already singleflight-coalesced per SD, so drawing several entries for
// the same SD within one tick costs one underlying scan.
type Syncer interface {
	SyncFromOtherInstances(ctx context.Context, sdID, sdRoot string) (map[string]struct{}, error)
}

// StaleCheckFunc reports whether a fast-path-handoff entry's expected CRDT
// log sequence is still unobserved, i.e. whether the entry must stay
// queued. A nil StaleCheckFunc leaves fast-path-handoff entries to age out
// on FastPathMaxDelay alone.
type StaleCheckFunc func(sdID, noteID string) bool

// Group is the single ticking Tier-2 scheduler: a
// token-bucket budget shared across priority classes, drained on each
// tick in priority order with a reserve held back for lower classes.
type Group struct {
	cfg        Config
	syncer     Syncer
	staleCheck StaleCheckFunc
	logger     *slog.Logger

	mu       sync.Mutex
	queues   [numPriorities][]*Entry
	index    map[entryKey]*Entry
	sdRoots  map[string]string
	tokens   float64
	lastTick time.Time
}

// NewGroup returns a Group ready to have SDs registered and entries
// enqueued. staleCheck may be nil.
func NewGroup(cfg Config, syncer Syncer, staleCheck StaleCheckFunc, logger *slog.Logger) *Group {
	return &Group{
		cfg:        cfg,
		syncer:     syncer,
		staleCheck: staleCheck,
		logger:     logger,
		index:      make(map[entryKey]*Entry),
		sdRoots:    make(map[string]string),
	}
}

// RegisterSD makes sdID eligible for draws, resolving its root for sync
// calls. Call before enqueuing any entry for that SD.
func (g *Group) RegisterSD(sdID, sdRoot string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sdRoots[sdID] = sdRoot
}

// UnregisterSD removes sdID; queued entries for it are left to expire
// naturally rather than being force-dropped; there is no "SD
// unloaded" exit criterion.
func (g *Group) UnregisterSD(sdID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.sdRoots, sdID)
}

// SDIDs returns every currently registered SD id.
func (g *Group) SDIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.sdRoots))
	for id := range g.sdRoots {
		out = append(out, id)
	}

	return out
}

// Enqueue adds or upgrades a poll entry. An existing entry for the same
// (sdID, noteID) at an equal or higher priority is left untouched; a
// lower-priority existing entry is replaced.
func (g *Group) Enqueue(e Entry) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	key := entryKey{sdID: e.SDID, noteID: e.NoteID}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.index[key]; ok {
		if e.Priority >= existing.Priority {
			return
		}

		g.removeFromQueueLocked(existing)
	}

	stored := e
	g.index[key] = &stored
	g.queues[e.Priority] = append(g.queues[e.Priority], &stored)
}

// Flag enqueues (or keeps alive) an open/in-list entry.
func (g *Group) Flag(sdID, noteID string, priority Priority) {
	g.Enqueue(Entry{SDID: sdID, NoteID: noteID, Priority: priority, Flagged: true})
}

// Unflag marks an open/in-list entry as no longer relevant; it is dropped
// the next time the group expires or draws its queue.
func (g *Group) Unflag(sdID, noteID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.index[entryKey{sdID: sdID, noteID: noteID}]; ok {
		e.Flagged = false
	}
}

func (g *Group) removeFromQueueLocked(e *Entry) {
	q := g.queues[e.Priority]
	for i, cur := range q {
		if cur == e {
			g.queues[e.Priority] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Run ticks the group on cfg.TickInterval until ctx is canceled.
func (g *Group) Run(ctx context.Context) error {
	g.lastTick = time.Now()

	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.Tick(ctx); err != nil {
				g.logger.Warn("polling: tick failed", "error", err)
			}
		}
	}
}

// Tick earns tokens for the elapsed time since the last tick, draws
// eligible entries in priority order, and fans the draw out to each
// affected SD's Syncer. It is exported so tests can drive the scheduler
// deterministically without a real ticker.
func (g *Group) Tick(ctx context.Context) error {
	now := time.Now()

	g.mu.Lock()
	if g.lastTick.IsZero() {
		g.lastTick = now
	}

	elapsed := now.Sub(g.lastTick).Seconds()
	g.lastTick = now

	g.tokens += elapsed * (g.cfg.PollRatePerMinute / 60)
	if g.tokens > g.cfg.MaxBurstPerSecond {
		g.tokens = g.cfg.MaxBurstPerSecond
	}

	g.expireLocked(now)
	drawn := g.drawLocked()
	g.mu.Unlock()

	if len(drawn) == 0 {
		return nil
	}

	return g.dispatch(ctx, drawn)
}

// expireLocked drops every queued entry whose exit criteria (other than
// "expectedSequences observed", checked post-sync in requeue) are already
// met, so an entry that is never drawn again still eventually leaves the
// queue.
func (g *Group) expireLocked(now time.Time) {
	for p := 0; p < numPriorities; p++ {
		q := g.queues[p]

		kept := q[:0]
		for _, e := range q {
			if e.expired(now, g.cfg) {
				delete(g.index, entryKey{sdID: e.SDID, noteID: e.NoteID})
				continue
			}
			kept = append(kept, e)
		}
		g.queues[p] = kept
	}
}

// drawLocked removes and returns drawable entries within budget, highest
// priority first, reserving cfg.NormalPriorityReserve of the token pool
// for every class below PriorityFastPathHandoff.
func (g *Group) drawLocked() []*Entry {
	reserve := g.tokens * g.cfg.NormalPriorityReserve
	topBudget := g.tokens - reserve

	var drawn []*Entry

	spent := 0.0

	q := g.queues[PriorityFastPathHandoff]
	remaining := q[:0]
	for _, e := range q {
		if spent < topBudget {
			drawn = append(drawn, e)
			spent++
		} else {
			remaining = append(remaining, e)
		}
	}
	g.queues[PriorityFastPathHandoff] = remaining

	budget := g.tokens
	for p := int(PriorityRecentEdit); p < numPriorities; p++ {
		q := g.queues[p]
		remaining := q[:0]
		for _, e := range q {
			if spent < budget {
				drawn = append(drawn, e)
				spent++
			} else {
				remaining = append(remaining, e)
			}
		}
		g.queues[p] = remaining
	}

	g.tokens -= spent
	if g.tokens < 0 {
		g.tokens = 0
	}

	for _, e := range drawn {
		delete(g.index, entryKey{sdID: e.SDID, noteID: e.NoteID})
	}

	return drawn
}

// dispatch fans a tick's draws out across SDs concurrently, one sync call
// per SD regardless of how many entries it drew (the sync cycle itself is
// sharded per SD, not per note).
func (g *Group) dispatch(ctx context.Context, drawn []*Entry) error {
	bySD := make(map[string][]*Entry)
	for _, e := range drawn {
		bySD[e.SDID] = append(bySD[e.SDID], e)
	}

	grp, gctx := errgroup.WithContext(ctx)

	for sdID, entries := range bySD {
		sdID, entries := sdID, entries

		grp.Go(func() error {
			g.mu.Lock()
			root, ok := g.sdRoots[sdID]
			g.mu.Unlock()

			if !ok {
				g.logger.Warn("polling: drew entries for unregistered SD", "sd_id", sdID)
				return nil
			}

			if _, err := g.syncer.SyncFromOtherInstances(gctx, sdID, root); err != nil {
				g.logger.Warn("polling: sync cycle failed", "sd_id", sdID, "error", err)
			}

			g.requeue(entries)

			return nil
		})
	}

	return grp.Wait()
}

// requeue re-evaluates each drawn entry's exit criteria after its SD has
// synced and either drops it or puts it back in its queue for the next
// tick.
func (g *Group) requeue(entries []*Entry) {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range entries {
		if e.Priority == PriorityFullRepoll {
			continue // one poll, never requeued
		}

		if e.Priority == PriorityFastPathHandoff && g.staleCheck != nil && !g.staleCheck(e.SDID, e.NoteID) {
			continue // expectedSequences observed
		}

		if e.expired(now, g.cfg) {
			continue
		}

		key := entryKey{sdID: e.SDID, noteID: e.NoteID}
		if _, already := g.index[key]; already {
			continue // superseded by a fresher Enqueue while the sync ran
		}

		g.index[key] = e
		g.queues[e.Priority] = append(g.queues[e.Priority], e)
	}
}
