package grovedb

import (
	"fmt"
	"sort"
	"unsafe"
)

// freelist tracks pages that previous transactions released. Free pages are
// handed back out before the file is ever grown. Pages freed by a commit sit
// in pending, keyed by the transaction id that freed them, until no open
// read transaction can still observe them.
type freelist struct {
	ids     []pgid          // all free and available page ids, sorted
	pending map[txid][]pgid // pages freed per transaction, awaiting release
	cache   map[pgid]bool   // fast lookup of all free and pending page ids
}

func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid][]pgid),
		cache:   make(map[pgid]bool),
	}
}

// size returns the size of the page after serialization.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		// The first element holds the count when it overflows the
		// page header field.
		n++
	}
	return pageHeaderSize + (int(unsafe.Sizeof(pgid(0))) * n)
}

// count returns count of pages on the freelist.
func (f *freelist) count() int {
	return f.freeCount() + f.pendingCount()
}

// freeCount returns count of free pages.
func (f *freelist) freeCount() int {
	return len(f.ids)
}

// pendingCount returns count of pending pages.
func (f *freelist) pendingCount() int {
	var count int
	for _, list := range f.pending {
		count += len(list)
	}
	return count
}

// copyall copies into dst a list of all free ids and all pending ids in one
// sorted list.
func (f *freelist) copyall(dst []pgid) {
	i := copy(dst, f.ids)
	for _, list := range f.pending {
		i += copy(dst[i:], list)
	}
	sort.Slice(dst, func(a, b int) bool { return dst[a] < dst[b] })
}

// allocate returns the starting page id of a contiguous run of n free pages.
// It returns 0 if no contiguous run is available.
func (f *freelist) allocate(n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation: %d", id))
		}

		// Reset initial page if this is not contiguous with the previous one.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		if (id-initial)+1 == pgid(n) {
			// Remove the run from the free list. Runs at the start are
			// cheap to cut off, interior runs shift the tail down.
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			for i := pgid(0); i < pgid(n); i++ {
				delete(f.cache, initial+i)
			}

			return initial
		}

		previd = id
	}
	return 0
}

// free releases a page and its overflow for a given transaction id.
// The pages stay pending until no open read transaction can observe them.
func (f *freelist) free(txid txid, p *page) {
	if p.id <= 1 {
		panic(fmt.Sprintf("cannot free page 0 or 1: %d", p.id))
	}

	ids := f.pending[txid]
	for id := p.id; id <= p.id+pgid(p.overflow); id++ {
		if f.cache[id] {
			panic(fmt.Sprintf("page %d already freed", id))
		}
		ids = append(ids, id)
		f.cache[id] = true
	}
	f.pending[txid] = ids
}

// release moves all pages freed by transactions with an id less than or
// equal to txid onto the available freelist.
func (f *freelist) release(txid txid) {
	m := make([]pgid, 0)
	for tid, ids := range f.pending {
		if tid <= txid {
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	if len(m) == 0 {
		return
	}
	f.ids = append(f.ids, m...)
	sort.Slice(f.ids, func(a, b int) bool { return f.ids[a] < f.ids[b] })
}

// rollback removes the pages from a given pending tx.
func (f *freelist) rollback(txid txid) {
	for _, id := range f.pending[txid] {
		delete(f.cache, id)
	}
	delete(f.pending, txid)
}

// freed returns whether a given page is in the free list.
func (f *freelist) freed(pgid pgid) bool {
	return f.cache[pgid]
}

// read initializes the freelist from a freelist page.
func (f *freelist) read(p *page) {
	// If the page.count is at the max uint16 value then it's considered an
	// overflow and the size of the freelist is stored as the first element.
	idx, count := 0, int(p.count)
	if count == 0xFFFF {
		idx = 1
		count = int(unsafe.Slice((*pgid)(unsafe.Pointer(&p.ptr)), 1)[0])
	}

	if count == 0 {
		f.ids = nil
	} else {
		ids := unsafe.Slice((*pgid)(unsafe.Pointer(&p.ptr)), idx+count)[idx:]
		f.ids = make([]pgid, len(ids))
		copy(f.ids, ids)
		sort.Slice(f.ids, func(a, b int) bool { return f.ids[a] < f.ids[b] })
	}

	f.reindex()
}

// write writes the pgids onto a freelist page. All free and pending ids are
// saved to disk since in the event of a program crash, all pending ids will
// become free.
func (f *freelist) write(p *page) error {
	p.flags |= freelistPageFlag

	// The page.count can only hold up to 64k elements so if we overflow that
	// number then we handle it by putting the size in the first element.
	lenids := f.count()
	if lenids == 0 {
		p.count = uint16(lenids)
	} else if lenids < 0xFFFF {
		p.count = uint16(lenids)
		f.copyall(unsafe.Slice((*pgid)(unsafe.Pointer(&p.ptr)), lenids))
	} else {
		p.count = 0xFFFF
		buf := unsafe.Slice((*pgid)(unsafe.Pointer(&p.ptr)), lenids+1)
		buf[0] = pgid(lenids)
		f.copyall(buf[1:])
	}

	return nil
}

// reload reads the freelist from a page and filters out pending items.
func (f *freelist) reload(p *page) {
	f.read(p)

	// Build a cache of only pending pages.
	pcache := make(map[pgid]bool)
	for _, pendingIDs := range f.pending {
		for _, pendingID := range pendingIDs {
			pcache[pendingID] = true
		}
	}

	// Check each page in the freelist and build a new available freelist
	// with any pages not in the pending lists.
	var a []pgid
	for _, id := range f.ids {
		if !pcache[id] {
			a = append(a, id)
		}
	}
	f.ids = a

	f.reindex()
}

// reindex rebuilds the free cache based on available and pending free lists.
func (f *freelist) reindex() {
	f.cache = make(map[pgid]bool, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for _, pendingIDs := range f.pending {
		for _, pendingID := range pendingIDs {
			f.cache[pendingID] = true
		}
	}
}
