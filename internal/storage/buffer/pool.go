package buffer

import (
	"log/slog"
	"sync"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/storage/page"
)

// Disk is the subset of diskmgr.Manager the buffer pool depends on, kept
// as an interface so tests can substitute an in-memory fake and so the
// pool never reaches into disk-manager internals (spec.md §9: explicit
// collaborators, no singletons).
type Disk interface {
	AllocatePage() (page.ID, error)
	DeallocatePage(page.ID) error
	ReadPage(page.ID, []byte) error
	WritePage(page.ID, []byte) error
}

// frame holds one cached page image plus its bookkeeping.
type frame struct {
	pageID page.ID
	buf    []byte
	pin    int32
	dirty  bool
}

// Pool is a fixed-size buffer pool. It partitions its frame ids among
// page_table (cached), free_list (never used), and the replacer (cached,
// pin_count == 0) per spec.md §4.3's invariant.
type Pool struct {
	mu sync.Mutex

	disk     Disk
	frames   []*frame
	pageTbl  map[page.ID]int
	freeList []int
	replacer Replacer
}

// NewPool builds a pool of poolSize frames backed by disk, using replacer
// as its victim policy (LRUReplacer or ClockReplacer).
func NewPool(disk Disk, poolSize int, replacer Replacer) *Pool {
	p := &Pool{
		disk:     disk,
		frames:   make([]*frame, poolSize),
		pageTbl:  make(map[page.ID]int),
		freeList: make([]int, poolSize),
		replacer: replacer,
	}
	for i := range p.freeList {
		p.freeList[i] = poolSize - 1 - i
	}
	return p
}

// Handle is a pinned page returned by Fetch/NewPage. Callers must pair it
// with exactly one Unpin call on every control path.
type Handle struct {
	PageID page.ID
	Buf    []byte
}

func (p *Pool) takeFrame() (int, bool) {
	if n := len(p.freeList); n > 0 {
		id := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return id, true
	}
	if id, ok := p.replacer.Victim(); ok {
		return id, true
	}
	return 0, false
}

func (p *Pool) evictFrame(frameID int) error {
	f := p.frames[frameID]
	if f == nil {
		return nil
	}
	if f.dirty {
		if err := p.disk.WritePage(f.pageID, f.buf); err != nil {
			return err
		}
	}
	delete(p.pageTbl, f.pageID)
	p.frames[frameID] = nil
	return nil
}

// Fetch pins and returns the page, loading it from disk on a cache miss.
// Returns (nil, false) only when every frame is pinned (spec.md §4.3).
func (p *Pool) Fetch(id page.ID) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.pageTbl[id]; ok {
		f := p.frames[idx]
		if f.pin == 0 {
			p.replacer.Pin(idx)
		}
		f.pin++
		return &Handle{PageID: id, Buf: f.buf}, true
	}

	idx, ok := p.takeFrame()
	if !ok {
		slog.Warn("buffer: fetch failed, all frames pinned", "page", id)
		return nil, false
	}
	if err := p.evictFrame(idx); err != nil {
		slog.Error("buffer: evict write-back failed", "err", err)
		return nil, false
	}

	buf := make([]byte, page.Size)
	if err := p.disk.ReadPage(id, buf); err != nil {
		slog.Error("buffer: read page failed", "page", id, "err", err)
		return nil, false
	}
	p.frames[idx] = &frame{pageID: id, buf: buf, pin: 1}
	p.pageTbl[id] = idx
	p.replacer.Pin(idx)
	return &Handle{PageID: id, Buf: buf}, true
}

// NewPage allocates a fresh logical page id from disk and pins a zeroed
// frame for it.
func (p *Pool) NewPage(t page.Type) (*Handle, bool) {
	id, err := p.disk.AllocatePage()
	if err != nil {
		slog.Error("buffer: allocate page failed", "err", err)
		return nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.takeFrame()
	if !ok {
		slog.Warn("buffer: new_page failed, all frames pinned", "page", id)
		return nil, false
	}
	if err := p.evictFrame(idx); err != nil {
		slog.Error("buffer: evict write-back failed", "err", err)
		return nil, false
	}

	buf := page.New(t, id)
	p.frames[idx] = &frame{pageID: id, buf: buf, pin: 1, dirty: true}
	p.pageTbl[id] = idx
	p.replacer.Pin(idx)
	return &Handle{PageID: id, Buf: buf}, true
}

// Unpin decrements the pin count for id. If dirty is true the frame's
// dirty flag is set (and never cleared here). When the pin count reaches
// zero the frame is returned to the replacer.
func (p *Pool) Unpin(id page.ID, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTbl[id]
	if !ok {
		slog.Warn("buffer: unpin of uncached page", "page", id)
		return
	}
	f := p.frames[idx]
	if f.pin <= 0 {
		slog.Warn("buffer: unpin of already-unpinned page", "page", id)
		return
	}
	if dirty {
		f.dirty = true
	}
	f.pin--
	if f.pin == 0 {
		p.replacer.Unpin(idx)
	}
}

// Flush writes the page back to disk and clears its dirty flag. A no-op
// if the page is not cached.
func (p *Pool) Flush(id page.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pageTbl[id]
	if !ok {
		return nil
	}
	f := p.frames[idx]
	if err := p.disk.WritePage(id, f.buf); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// FlushAll writes back every dirty cached page.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	ids := make([]page.ID, 0, len(p.pageTbl))
	for id := range p.pageTbl {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.Flush(id); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the page from the cache (failing if it is pinned) and
// deallocates it on disk. If it was never cached it is simply deallocated.
func (p *Pool) Delete(id page.ID) (bool, error) {
	p.mu.Lock()
	idx, cached := p.pageTbl[id]
	if cached {
		f := p.frames[idx]
		if f.pin > 0 {
			p.mu.Unlock()
			return false, nil
		}
		p.replacer.Pin(idx) // remove from eviction pool bookkeeping
		delete(p.pageTbl, id)
		p.frames[idx] = nil
		p.freeList = append(p.freeList, idx)
	}
	p.mu.Unlock()

	if err := p.disk.DeallocatePage(id); err != nil {
		return false, err
	}
	return true, nil
}

// CheckAllUnpinned reports whether every cached page currently has a pin
// count of zero, per spec.md §8's check_all_unpinned invariant.
func (p *Pool) CheckAllUnpinned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.frames {
		if f != nil && f.pin != 0 {
			return false
		}
	}
	return true
}

// ErrBufferFull is returned by callers that want an error rather than a
// boolean when Fetch/NewPage fail because every frame is pinned.
var ErrBufferFull = errkind.ErrBufferPoolFull
