// Package bufferpool implements the Cache Manager: the fixed-capacity
// in-memory cache of disk pages, its page table, free list, and pin/dirty
// bookkeeping, backed by the clock-sweep Replacement Selector in
// replacer.go.
package bufferpool

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/novabuf/bufferpool/internal/disk"
	"github.com/novabuf/bufferpool/internal/page"
	"github.com/novabuf/bufferpool/internal/pin"
	"github.com/novabuf/bufferpool/internal/wal"
)

const logPrefix = "bufferpool: "

// ErrNoFreeFrame is returned by FetchPage/NewPage when every frame is
// pinned and the free list and the Selector both have nothing to offer.
var ErrNoFreeFrame = errors.New("bufferpool: no free frame available")

// Frame is one slot of the pool's preallocated array. Data() is valid to
// read/write only while the frame is pinned; a caller obtains Lock/RLock
// on the frame itself to serialize access to it with other pinners.
type Frame struct {
	frameID page.FrameID
	pageID  page.ID
	buf     page.Page
	pin     pin.Count
	dirty   bool
	latch   sync.RWMutex
}

func (f *Frame) PageID() page.ID  { return f.pageID }
func (f *Frame) Data() *page.Page { return &f.buf }
func (f *Frame) IsDirty() bool    { return f.dirty }
func (f *Frame) PinCount() int32  { return f.pin.Get() }

func (f *Frame) Lock()    { f.latch.Lock() }
func (f *Frame) Unlock()  { f.latch.Unlock() }
func (f *Frame) RLock()   { f.latch.RLock() }
func (f *Frame) RUnlock() { f.latch.RUnlock() }

// Pool is the Cache Manager. The zero value is not usable; construct with
// NewPool. A single manager_latch (mu) serializes page-table, free-list
// and pin/dirty changes; it is not held across FetchPage's disk read or
// DeletePage's disk-manager deallocation. replacer has no latch of its
// own: every call into it is made with mu held.
type Pool struct {
	mu        sync.Mutex
	frames    []*Frame
	pageTable map[page.ID]page.FrameID
	freeList  []page.FrameID
	replacer  replacer

	disk disk.Manager
	log  *wal.Manager // accepted, not invoked by this package

	sf singleflight.Group
}

// NewPool allocates a pool of size frames backed by dm. log is an optional
// LogManager, kept only as a reserved WAL integration point.
func NewPool(size int, dm disk.Manager, log *wal.Manager) *Pool {
	if size <= 0 {
		size = 1
	}
	frames := make([]*Frame, size)
	free := make([]page.FrameID, size)
	for i := range frames {
		frames[i] = &Frame{frameID: page.FrameID(i), pageID: page.Invalid}
		free[i] = page.FrameID(i)
	}
	return &Pool{
		frames:    frames,
		pageTable: make(map[page.ID]page.FrameID, size),
		freeList:  free,
		replacer:  newClockReplacer(size),
		disk:      dm,
		log:       log,
	}
}

// Size reports the pool's fixed frame capacity.
func (p *Pool) Size() int { return len(p.frames) }

// acquireFrame finds a frame to (re)use: the free list first, then the
// Selector's victim. Callers must hold p.mu. If a victim frame holds a
// dirty resident page, acquireFrame flushes it before reassigning the
// frame.
func (p *Pool) acquireFrame() (page.FrameID, error) {
	if n := len(p.freeList); n > 0 {
		fid := p.freeList[0]
		p.freeList = p.freeList[1:]
		return fid, nil
	}

	vid, ok := p.replacer.victim()
	if !ok {
		return page.NoFrame, ErrNoFreeFrame
	}

	fid := page.FrameID(vid)
	fr := p.frames[fid]
	if fr.pageID != page.Invalid {
		fr.Lock()
		if fr.dirty {
			if err := p.disk.WritePage(fr.pageID, &fr.buf); err != nil {
				fr.Unlock()
				return page.NoFrame, err
			}
			fr.dirty = false
		}
		delete(p.pageTable, fr.pageID)
		fr.pageID = page.Invalid
		fr.Unlock()
	}
	return fid, nil
}

// FetchPage returns a pinned reference to page_id, reading it from disk on
// a cache miss. Concurrent FetchPage calls for the same absent page_id
// coalesce onto one disk read; each call still pins the frame once, so n
// concurrent fetches leave pin_count == n.
//
// The page table gains its (page_id -> frame_id) entry only after the disk
// read completes. Until then a second FetchPage(id) finds nothing at the
// fast-path lookup and falls through to the same singleflight key, so it
// waits for the read instead of handing its caller a frame that's still
// being filled in. Publishing the entry early (before the read) would let
// that second caller's fast path return the frame while the per-frame
// latch protecting its buffer is still unlocked mid-write, racing on
// fr.buf and violating "a successful Fetch happens-before any caller
// access to the returned frame's data".
func (p *Pool) FetchPage(id page.ID) (*Frame, error) {
	p.mu.Lock()
	if fid, ok := p.pageTable[id]; ok {
		fr := p.frames[fid]
		fr.pin.Inc()
		p.replacer.pin(int(fr.frameID))
		p.mu.Unlock()
		slog.Debug(logPrefix+"fetch hit", "pageID", id, "frameID", fid)
		return fr, nil
	}
	p.mu.Unlock()

	key := strconv.FormatUint(uint64(id), 10)
	v, err, _ := p.sf.Do(key, func() (any, error) {
		p.mu.Lock()
		if fid, ok := p.pageTable[id]; ok {
			fr := p.frames[fid]
			p.mu.Unlock()
			return fr, nil
		}

		fid, err := p.acquireFrame()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		fr := p.frames[fid]
		fr.Lock()
		fr.pageID = id
		fr.dirty = false
		fr.pin = pin.Count{}
		fr.buf.Reset()
		// Hold the frame's own latch across the read and release the
		// manager latch for its duration: the frame is already removed
		// from the free list and the replacer, and it is absent from the
		// page table until the read succeeds below, so nothing else in
		// the manager can reach fid while this runs.
		p.mu.Unlock()

		readErr := p.disk.ReadPage(id, &fr.buf)
		fr.Unlock()
		if readErr != nil {
			p.mu.Lock()
			fr.pageID = page.Invalid
			p.freeList = append(p.freeList, fid)
			p.mu.Unlock()
			return nil, readErr
		}

		p.mu.Lock()
		p.pageTable[id] = fid
		p.mu.Unlock()

		slog.Debug(logPrefix+"fetch miss, read from disk", "pageID", id, "frameID", fid)
		return fr, nil
	})
	if err != nil {
		return nil, err
	}
	fr := v.(*Frame)

	p.mu.Lock()
	fr.pin.Inc()
	p.replacer.pin(int(fr.frameID))
	p.mu.Unlock()
	return fr, nil
}

// NewPage allocates a fresh page_id and returns a pinned, zero-initialized
// frame for it. It reserves a frame before allocating the page_id so a
// failure to find a free frame never leaks a disk-manager page_id.
func (p *Pool) NewPage() (*Frame, page.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, err := p.acquireFrame()
	if err != nil {
		return nil, page.Invalid, err
	}

	id, err := p.disk.AllocatePage()
	if err != nil {
		p.freeList = append(p.freeList, fid)
		return nil, page.Invalid, err
	}

	fr := p.frames[fid]
	fr.Lock()
	fr.pageID = id
	fr.dirty = false
	fr.pin = pin.Count{}
	fr.pin.Inc()
	fr.buf.Reset()
	fr.Unlock()

	p.pageTable[id] = fid
	p.replacer.pin(int(fr.frameID))

	slog.Debug(logPrefix+"new page", "pageID", id, "frameID", fid)
	return fr, id, nil
}

// UnpinPage releases one pin on page_id. Returns false on an unbalanced
// unpin (caller error); unpinning a page that isn't resident is a
// defensively-idempotent no-op returning true.
func (p *Pool) UnpinPage(id page.ID, isDirty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.pageTable[id]
	if !ok {
		return true
	}
	fr := p.frames[fid]

	fr.Lock()
	ok = fr.pin.Dec()
	if ok && isDirty {
		fr.dirty = true
	}
	zero := fr.pin.IsZero()
	fr.Unlock()

	if !ok {
		return false
	}
	if zero {
		p.replacer.unpin(int(fr.frameID))
	}
	return true
}

// FlushPage writes page_id's buffer to disk if dirty. Returns false if
// page_id is not resident.
func (p *Pool) FlushPage(id page.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(id)
}

// flushLocked is FlushPage's body; callers must hold p.mu.
func (p *Pool) flushLocked(id page.ID) (bool, error) {
	fid, ok := p.pageTable[id]
	if !ok {
		return false, nil
	}
	fr := p.frames[fid]

	fr.Lock()
	defer fr.Unlock()
	if !fr.dirty {
		return true, nil
	}
	if err := p.disk.WritePage(id, &fr.buf); err != nil {
		return false, err
	}
	fr.dirty = false
	slog.Debug(logPrefix+"flushed page", "pageID", id, "frameID", fid)
	return true, nil
}

// FlushAllPages flushes every resident dirty page, best-effort; it
// continues past individual write errors and returns them joined.
func (p *Pool) FlushAllPages() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for id := range p.pageTable {
		if _, err := p.flushLocked(id); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// FlushPages flushes exactly the given page ids, best-effort, and reports
// how many were actually resident and flushed.
func (p *Pool) FlushPages(ids ...page.ID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	n := 0
	for _, id := range ids {
		ok, err := p.flushLocked(id)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errs
}

// DeletePage deallocates page_id on disk and, if resident and unpinned,
// evicts it from the pool and returns its frame to the free list. It
// returns false if the page is still pinned; the disk-manager deallocation
// has already happened regardless.
func (p *Pool) DeletePage(id page.ID) (bool, error) {
	if err := p.disk.DeallocatePage(id); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.pageTable[id]
	if !ok {
		return true, nil
	}
	fr := p.frames[fid]
	if fr.pin.Get() > 0 {
		return false, nil
	}

	fr.Lock()
	delete(p.pageTable, id)
	fr.pageID = page.Invalid
	fr.dirty = false
	fr.buf.Reset()
	fr.Unlock()

	p.replacer.remove(int(fr.frameID))
	p.freeList = append(p.freeList, fid)

	slog.Debug(logPrefix+"deleted page", "pageID", id, "frameID", fid)
	return true, nil
}

// Reset flushes every resident page best-effort, then discards all
// residency and returns the pool to its freshly-constructed state, useful
// for tests and administrative reload. If any frame is pinned it returns
// an error and changes nothing.
func (p *Pool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, fr := range p.frames {
		if !fr.pin.IsZero() {
			return errors.New("bufferpool: reset: a page is still pinned")
		}
	}

	var errs error
	for id := range p.pageTable {
		if _, err := p.flushLocked(id); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	n := len(p.frames)
	p.pageTable = make(map[page.ID]page.FrameID, n)
	p.freeList = p.freeList[:0]
	p.replacer = newClockReplacer(n)
	for i, fr := range p.frames {
		fr.Lock()
		fr.pageID = page.Invalid
		fr.dirty = false
		fr.pin = pin.Count{}
		fr.buf.Reset()
		fr.Unlock()
		p.freeList = append(p.freeList, page.FrameID(i))
	}
	return errs
}
