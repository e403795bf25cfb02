package bufferpool

import "github.com/novabuf/bufferpool/pkg/clockx"

// replacer is the Cache Manager's view of the Replacement Selector, named
// in Pin/Unpin/Victim terms rather than clockx's generic evictable/evict
// vocabulary.
type replacer interface {
	// pin marks frameID unevictable: newly pinned, or now in use.
	pin(frameID int)
	// unpin marks frameID evictable: a candidate the selector may nominate.
	unpin(frameID int)
	// victim nominates a frame for eviction, removing it from tracking.
	victim() (frameID int, ok bool)
	// remove drops frameID from tracking outright, e.g. on DeletePage.
	remove(frameID int)
	// size reports the number of tracked (evictable) frames.
	size() int
}

// clockReplacer adapts pkg/clockx's Clock to the replacer interface:
// clockx stays a generic, reusable second-chance structure; this adapter
// gives it buffer-pool vocabulary and implements one nuance clockx doesn't
// know about on its own.
//
// Unpin on a frame that's already tracked as evictable must not refresh
// its reference bit — unlike a textbook CLOCK, re-unpinning something
// already evictable does not give it a second chance. clockx.Touch always
// sets the reference bit, so this adapter keeps its own evictable
// bookkeeping to dedup before calling down.
type clockReplacer struct {
	c         *clockx.Clock
	evictable []bool
}

func newClockReplacer(capacity int) *clockReplacer {
	if capacity <= 0 {
		capacity = 1
	}
	return &clockReplacer{
		c:         clockx.New(capacity),
		evictable: make([]bool, capacity),
	}
}

// pin marks frameID unevictable. No-op if the frame was never tracked.
func (a *clockReplacer) pin(frameID int) {
	a.c.SetEvictable(frameID, false)
	if frameID >= 0 && frameID < len(a.evictable) {
		a.evictable[frameID] = false
	}
}

// unpin marks frameID evictable with a fresh reference bit, unless it was
// already tracked as evictable — re-unpinning an already-evictable frame
// is a dedup no-op.
func (a *clockReplacer) unpin(frameID int) {
	if frameID >= 0 && frameID < len(a.evictable) && a.evictable[frameID] {
		return
	}
	a.c.Touch(frameID)
	a.c.SetEvictable(frameID, true)
	if frameID >= 0 && frameID < len(a.evictable) {
		a.evictable[frameID] = true
	}
}

func (a *clockReplacer) victim() (int, bool) {
	id, ok := a.c.Evict()
	if ok && id >= 0 && id < len(a.evictable) {
		a.evictable[id] = false
	}
	return id, ok
}

func (a *clockReplacer) remove(frameID int) {
	a.c.Remove(frameID)
	if frameID >= 0 && frameID < len(a.evictable) {
		a.evictable[frameID] = false
	}
}

func (a *clockReplacer) size() int {
	return a.c.Size()
}
