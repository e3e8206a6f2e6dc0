// Package pager provides the memory-object abstraction the paged-file
// engine writes back from: an in-process stand-in for a kernel page cache.
//
// A MemoryObject tracks file content at page granularity. Pages move
// through three states:
//
//	clean          content matches durable storage (or was paged in)
//	dirty          modified since the last successful write-back
//	awaiting-clean bracketed by a writeback fence; a write-back is reading
//	               the page's content right now
//
// Pages created by growing the object (Resize) are dirty zero pages: they
// are logically part of the file but carry no data payload, and dirty-range
// queries report them as zero ranges so the engine can persist them as
// metadata-only zero batches.
//
// Dirty Transition Callback:
// Before a clean (or awaiting-clean) page can be dirtied, the registered
// MarkDirty callback runs. The engine uses it to reserve the space that a
// future flush of the page will need; if the callback fails (for example
// with store.ErrNoSpace) the write fails for that page range and the page
// stays clean — never silently dropped.
//
// Writeback Fencing:
// WritebackBegin moves dirty pages in a range to awaiting-clean before the
// flusher reads their contents; WritebackEnd moves them to clean. Pages
// re-dirtied between the two calls return to dirty and stay tracked — the
// fence bracket is what makes that race safe. WritebackAbort undoes a
// begin after a failed commit, returning pages to dirty so later queries
// still report them.
//
// Thread Safety: all methods are safe for concurrent use. The MarkDirty
// callback is invoked with the object's lock held and must not call back
// into the MemoryObject.
package pager

import (
	"fmt"
	"sync"

	"github.com/marmos91/pagedfs/pkg/store"
)

type pageState uint8

const (
	pageDirty pageState = iota
	pageAwaitingClean
)

// page tracks one resident page. Absent pages are clean zero pages.
type page struct {
	state pageState
	zero  bool   // no data payload; content is all zeroes
	data  []byte // nil while zero
}

// DirtyRange is one maximal run of dirty pages, page-aligned, tagged with
// whether it is a zero range (no payload to write).
type DirtyRange struct {
	Range store.Range
	Zero  bool
}

// MarkDirty is invoked before pages transition to dirty. pageRange is
// page-aligned and covers only pages actually transitioning. Returning an
// error aborts the transition and fails the write that caused it.
type MarkDirty func(pageRange store.Range) error

// MemoryObject is the page-cache-backed view of one file's content.
type MemoryObject struct {
	mu        sync.Mutex
	pageSize  uint64
	size      uint64
	pages     map[uint64]*page // keyed by page index
	clean     map[uint64][]byte
	modified  bool
	markDirty MarkDirty
}

// New creates an empty MemoryObject with the given page size.
func New(pageSize uint64) *MemoryObject {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic("pager: page size must be a power of two")
	}
	return &MemoryObject{
		pageSize: pageSize,
		pages:    make(map[uint64]*page),
		clean:    make(map[uint64][]byte),
	}
}

// NewWithSize creates a MemoryObject whose logical size is already size,
// with no resident pages. Committed content is supplied later through
// SupplyPages; unlike Resize, nothing is marked dirty.
func NewWithSize(pageSize, size uint64) *MemoryObject {
	m := New(pageSize)
	m.size = size
	return m
}

// SetMarkDirty registers the dirty-transition callback. Must be called
// before the object receives writes.
func (m *MemoryObject) SetMarkDirty(cb MarkDirty) {
	m.mu.Lock()
	m.markDirty = cb
	m.mu.Unlock()
}

// PageSize returns the object's page size.
func (m *MemoryObject) PageSize() uint64 { return m.pageSize }

// ContentSize returns the logical file size.
func (m *MemoryObject) ContentSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// WasModifiedSinceLastCall reports whether any write or resize happened
// since the previous call, and clears the bit. The engine uses this
// one-shot query to decide whether a flush must carry a new mtime.
func (m *MemoryObject) WasModifiedSinceLastCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.modified
	m.modified = false
	return was
}

// pageRange returns the page indexes touched by the byte range [start,end).
func (m *MemoryObject) pageRange(start, end uint64) (uint64, uint64) {
	return start / m.pageSize, (end + m.pageSize - 1) / m.pageSize
}

// ensureDirtyLocked transitions pages [first,last) to dirty, invoking the
// callback once per maximal run of pages that are not already dirty data
// pages. Each run's transition commits before the next run's callback, so
// on an error every page below the returned index is dirty and every page
// at or above it is untouched.
func (m *MemoryObject) ensureDirtyLocked(first, last uint64) (uint64, error) {
	idx := first
	for idx < last {
		if !m.pageNeedsDirtyLocked(idx) {
			idx++
			continue
		}
		runEnd := idx + 1
		for runEnd < last && m.pageNeedsDirtyLocked(runEnd) {
			runEnd++
		}
		if m.markDirty != nil {
			r := store.Range{Start: idx * m.pageSize, End: runEnd * m.pageSize}
			if err := m.markDirty(r); err != nil {
				return idx, err
			}
		}
		for j := idx; j < runEnd; j++ {
			m.dirtyPageLocked(j)
		}
		idx = runEnd
	}
	return last, nil
}

func (m *MemoryObject) pageNeedsDirtyLocked(idx uint64) bool {
	pg := m.pages[idx]
	return pg == nil || pg.zero || pg.state != pageDirty
}

// dirtyPageLocked materializes page idx as a dirty data page, seeding it
// from the clean copy when one exists.
func (m *MemoryObject) dirtyPageLocked(idx uint64) {
	pg := m.pages[idx]
	if pg == nil {
		pg = &page{state: pageDirty, data: make([]byte, m.pageSize)}
		if prev, ok := m.clean[idx]; ok {
			copy(pg.data, prev)
			delete(m.clean, idx)
		}
		m.pages[idx] = pg
		return
	}
	if pg.zero {
		pg.zero = false
		pg.data = make([]byte, m.pageSize)
	}
	pg.state = pageDirty
}

// WriteAt copies data into the object at offset, dirtying the pages it
// touches. The written range must lie within the content size; callers
// grow the object with Resize first.
//
// On a dirty-transition failure the write stops at the failing page run:
// pages before it keep their new content, the error is returned, and n
// reports the bytes applied.
func (m *MemoryObject) WriteAt(data []byte, offset uint64) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + uint64(len(data))
	if end > m.size {
		return 0, fmt.Errorf("write [%d,%d) beyond content size %d: %w", offset, end, m.size, store.ErrInvalidRange)
	}

	first, last := m.pageRange(offset, end)
	through, err := m.ensureDirtyLocked(first, last)

	written := 0
	cursor := offset
	limit := min(end, through*m.pageSize)
	for cursor < limit {
		idx := cursor / m.pageSize
		pageEnd := min((idx+1)*m.pageSize, limit)
		pg := m.pages[idx]
		n := copy(pg.data[cursor-idx*m.pageSize:], data[written:written+int(pageEnd-cursor)])
		written += n
		cursor = pageEnd
		m.modified = true
	}
	return written, err
}

// ReadAt reads cached content at offset. Unwritten regions and zero pages
// read as zeroes. Reads are clipped to the content size.
func (m *MemoryObject) ReadAt(buf []byte, offset uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked(buf, offset), nil
}

func (m *MemoryObject) readLocked(buf []byte, offset uint64) int {
	if offset >= m.size {
		return 0
	}
	n := int(min(uint64(len(buf)), m.size-offset))
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	cursor := offset
	end := offset + uint64(n)
	for cursor < end {
		idx := cursor / m.pageSize
		pageEnd := min((idx+1)*m.pageSize, end)
		var src []byte
		if pg := m.pages[idx]; pg != nil && !pg.zero {
			src = pg.data
		} else if data, ok := m.clean[idx]; ok {
			src = data
		}
		if src != nil {
			copy(buf[cursor-offset:pageEnd-offset], src[cursor-idx*m.pageSize:])
		}
		cursor = pageEnd
	}
	return n
}

// SupplyPages installs paged-in content as clean pages. Used by read paths
// that fault in committed data from the store; the flusher never supplies.
func (m *MemoryObject) SupplyPages(data []byte, offset uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset%m.pageSize != 0 {
		panic("pager: supply offset not page-aligned")
	}
	for len(data) > 0 {
		idx := offset / m.pageSize
		n := min(uint64(len(data)), m.pageSize)
		if _, resident := m.pages[idx]; !resident {
			pageData := make([]byte, m.pageSize)
			copy(pageData, data[:n])
			m.clean[idx] = pageData
		}
		data = data[n:]
		offset += n
	}
}

// Resize changes the logical content size.
//
// Growing marks the new tail pages as dirty zero pages (they must be
// persisted as part of the file) and re-zeroes the grown part of a partial
// final page. Shrinking drops page state beyond the new size and zeroes
// the truncated tail of the new final page; dirty pages dropped this way
// simply stop being reported, and the engine recoups their reservation at
// the next flush.
//
// Note for callers on the flush path: resizing can fault and reenter the
// filesystem on real kernels, so the engine dispatches this call to an
// independent goroutine (see pkg/paged).
func (m *MemoryObject) Resize(newSize uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.size
	m.size = newSize
	m.modified = true
	switch {
	case newSize < old:
		firstGone := (newSize + m.pageSize - 1) / m.pageSize
		lastOld := (old + m.pageSize - 1) / m.pageSize
		for idx := firstGone; idx < lastOld; idx++ {
			delete(m.pages, idx)
			delete(m.clean, idx)
		}
		if tail := newSize % m.pageSize; tail != 0 {
			idx := newSize / m.pageSize
			if pg := m.pages[idx]; pg != nil && !pg.zero {
				for i := tail; i < m.pageSize; i++ {
					pg.data[i] = 0
				}
			}
			if data, ok := m.clean[idx]; ok {
				for i := tail; i < m.pageSize; i++ {
					data[i] = 0
				}
			}
		}
	case newSize > old:
		firstNew := (old + m.pageSize - 1) / m.pageSize
		lastNew := (newSize + m.pageSize - 1) / m.pageSize
		for idx := firstNew; idx < lastNew; idx++ {
			if _, resident := m.pages[idx]; !resident {
				m.pages[idx] = &page{state: pageDirty, zero: true}
				delete(m.clean, idx)
			}
		}
		if tail := old % m.pageSize; tail != 0 {
			// The grown part of the old final page is logically zero and
			// must reach disk: the page becomes dirty without a callback,
			// like the kernel's own zero-fill.
			idx := old / m.pageSize
			pg := m.pages[idx]
			if pg == nil {
				data := make([]byte, m.pageSize)
				if prev, ok := m.clean[idx]; ok {
					copy(data, prev)
					delete(m.clean, idx)
				}
				pg = &page{state: pageDirty, data: data}
				m.pages[idx] = pg
			}
			if !pg.zero {
				for i := tail; i < m.pageSize; i++ {
					pg.data[i] = 0
				}
			}
			pg.state = pageDirty
		}
	}
}

// QueryDirtyRanges reports maximal runs of dirty pages intersecting r,
// page-aligned, up to maxRanges at a time. remaining is non-zero when more
// runs exist past the last one returned; callers continue the scan from
// the end of the last range. Pages inside a writeback fence are not
// reported.
func (m *MemoryObject) QueryDirtyRanges(r store.Range, maxRanges int) (ranges []DirtyRange, remaining uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, last := m.pageRange(r.Start, r.End)
	var cur *DirtyRange
	for idx := first; idx < last; idx++ {
		pg := m.pages[idx]
		if pg == nil || pg.state != pageDirty {
			cur = nil
			continue
		}
		pageRange := store.Range{Start: idx * m.pageSize, End: (idx + 1) * m.pageSize}
		if cur != nil && cur.Zero == pg.zero && cur.Range.End == pageRange.Start {
			cur.Range.End = pageRange.End
			continue
		}
		if len(ranges) == maxRanges {
			for rest := idx; rest < last; rest++ {
				if pg := m.pages[rest]; pg != nil && pg.state == pageDirty {
					remaining++
				}
			}
			return ranges, remaining
		}
		ranges = append(ranges, DirtyRange{Range: pageRange, Zero: pg.zero})
		cur = &ranges[len(ranges)-1]
	}
	return ranges, 0
}

// WritebackBegin fences the dirty pages covering r: they move to
// awaiting-clean and stop being reported by QueryDirtyRanges until the
// bracket resolves. r is rounded outward to page boundaries.
func (m *MemoryObject) WritebackBegin(r store.Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, last := m.pageRange(r.Start, r.End)
	for idx := first; idx < last; idx++ {
		if pg := m.pages[idx]; pg != nil && pg.state == pageDirty {
			pg.state = pageAwaitingClean
		}
	}
}

// WritebackEnd resolves the fence over r: awaiting-clean pages become
// clean. Pages re-dirtied since WritebackBegin are left dirty. Returns the
// number of pages cleaned.
func (m *MemoryObject) WritebackEnd(r store.Range) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, last := m.pageRange(r.Start, r.End)
	var cleaned uint64
	for idx := first; idx < last; idx++ {
		pg := m.pages[idx]
		if pg == nil || pg.state != pageAwaitingClean {
			continue
		}
		cleaned++
		if pg.zero {
			delete(m.pages, idx)
			continue
		}
		m.clean[idx] = pg.data
		delete(m.pages, idx)
	}
	return cleaned
}

// WritebackAbort undoes WritebackBegin over r after a failed commit:
// awaiting-clean pages return to dirty so later queries report them again.
func (m *MemoryObject) WritebackAbort(r store.Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, last := m.pageRange(r.Start, r.End)
	for idx := first; idx < last; idx++ {
		if pg := m.pages[idx]; pg != nil && pg.state == pageAwaitingClean {
			pg.state = pageDirty
		}
	}
}

// DirtyPageCount returns the number of pages currently dirty (fenced pages
// included). Test helper.
func (m *MemoryObject) DirtyPageCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.pages))
}
