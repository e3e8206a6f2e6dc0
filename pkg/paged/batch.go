package paged

import (
	"github.com/marmos91/pagedfs/pkg/pager"
	"github.com/marmos91/pagedfs/pkg/store"
)

// batchMode tags how a flush batch's ranges reach the store.
type batchMode uint8

const (
	// modeCopyOnWrite writes to freshly allocated extents, consuming
	// reservation.
	modeCopyOnWrite batchMode = iota
	// modeOverwrite writes in place into pre-allocated overwrite extents.
	modeOverwrite
	// modeZero deallocates ranges; no data payload, no reservation.
	modeZero
)

func (m batchMode) String() string {
	switch m {
	case modeCopyOnWrite:
		return "cow"
	case modeOverwrite:
		return "overwrite"
	case modeZero:
		return "zero"
	default:
		return "unknown"
	}
}

// flushBatch is one transaction's worth of write-back: disjoint ascending
// byte ranges plus their total payload size. Zero batches carry byteCount
// 0 (a metadata instruction, not data).
//
// reservedPages is the whole pages of reservation this batch consumes when
// it commits. Only copy-on-write batches carry a non-zero count, and the
// counts across all batches sum to exactly the total buildFlushBatches
// reports — the commit loop decrements the restore guard by this field, so
// the two must never drift apart.
type flushBatch struct {
	mode          batchMode
	ranges        []store.Range
	byteCount     uint64
	reservedPages uint64
}

// batcher accumulates ranges for one mode, closing out a batch when the
// running payload would exceed the limit. limit 0 means unbounded (zero
// mode).
type batcher struct {
	mode     batchMode
	limit    uint64
	pageSize uint64
	current  flushBatch
	done     []flushBatch
}

func newBatcher(mode batchMode, limit, pageSize uint64) *batcher {
	return &batcher{mode: mode, limit: limit, pageSize: pageSize, current: flushBatch{mode: mode}}
}

func (b *batcher) append(r store.Range) {
	b.current.ranges = append(b.current.ranges, r)
	b.current.byteCount += r.Length()
	if b.mode == modeCopyOnWrite {
		b.current.reservedPages += r.Length() / b.pageSize
	}
}

// push appends r, cutting it exactly at the batch size boundary: the
// remainder carries over into a fresh batch, recursively for ranges wider
// than a whole batch.
func (b *batcher) push(r store.Range) {
	if r.IsEmpty() {
		return
	}
	if b.mode == modeZero {
		b.current.ranges = append(b.current.ranges, r)
		return
	}
	room := b.limit - b.current.byteCount
	if r.Length() > room {
		split := store.Range{Start: r.Start, End: r.Start + room}
		if !split.IsEmpty() {
			b.append(split)
		}
		b.done = append(b.done, b.current)
		b.current = flushBatch{mode: b.mode}
		b.push(store.Range{Start: split.End, End: r.End})
		return
	}
	b.append(r)
}

// finish returns the closed batches plus the in-progress one if non-empty.
func (b *batcher) finish() []flushBatch {
	if len(b.current.ranges) > 0 {
		b.done = append(b.done, b.current)
	}
	return b.done
}

// buildFlushBatches partitions the pager-reported dirty ranges into
// size-bounded, mode-tagged batches, one batch per transaction.
//
// dirty must cover the entire memory object, not clipped to contentSize:
// clipping early would make it impossible to count the dirty pages being
// intentionally skipped. overwrite is the object's overwrite extent map
// (page-aligned; Handle.Allocate aligns it and Handle.Truncate clips it at
// a page boundary).
//
// Returns the batches in emission order (all copy-on-write, then all
// overwrite, then at most one zero batch), the count of pages in
// copy-on-write batches (the pages whose flush draws reservation, always
// the sum of the batches' own reservedPages fields), and the count of
// non-zero dirty pages beyond the page-aligned content size (never written
// this flush, but still dirty: the caller keeps them reserved).
func buildFlushBatches(opts Options, contentSize uint64, dirty []pager.DirtyRange, overwrite []store.Range) (batches []flushBatch, reservedPages, skippedPages uint64) {
	alignedSize := opts.alignUp(contentSize)

	cow := newBatcher(modeCopyOnWrite, opts.FlushBatchSize, opts.PageSize)
	over := newBatcher(modeOverwrite, opts.FlushBatchSize, opts.PageSize)
	zero := newBatcher(modeZero, 0, opts.PageSize)

	for _, d := range dirty {
		r := d.Range

		// Split at the page-aligned content-size boundary. The portion
		// beyond is never written: it is not part of the file. Non-zero
		// tails stay reserved; zeroed tails carry nothing to lose.
		if r.End > alignedSize {
			beyond := store.Range{Start: max(r.Start, alignedSize), End: r.End}
			if !d.Zero {
				skippedPages += beyond.Length() / opts.PageSize
			}
			r.End = alignedSize
		}
		if r.IsEmpty() {
			continue
		}

		if d.Zero {
			// Zeroed pages inside an overwrite extent keep their
			// allocation: the zeros are written in place. Outside one, the
			// range deallocates.
			splitByOverwrite(r, overwrite, over.push, zero.push)
			continue
		}

		// Split by the overwrite extent map: sub-ranges inside a
		// pre-allocated extent are written in place, the rest copy-on-write.
		splitByOverwrite(r, overwrite, over.push, cow.push)
	}

	for _, b := range cow.finish() {
		reservedPages += b.reservedPages
		batches = append(batches, b)
	}
	batches = append(batches, over.finish()...)
	batches = append(batches, zero.finish()...)
	return batches, reservedPages, skippedPages
}

// splitByOverwrite walks r against the ascending overwrite extent map,
// handing sub-ranges covered by an extent to inside and the rest to
// outside, in ascending order.
func splitByOverwrite(r store.Range, overwrite []store.Range, inside, outside func(store.Range)) {
	cursor := r.Start
	for _, ow := range overwrite {
		if ow.End <= cursor {
			continue
		}
		if ow.Start >= r.End {
			break
		}
		if ow.Start > cursor {
			outside(store.Range{Start: cursor, End: min(ow.Start, r.End)})
			cursor = min(ow.Start, r.End)
		}
		if cursor >= r.End {
			break
		}
		piece := store.Range{Start: cursor, End: min(ow.End, r.End)}
		inside(piece)
		cursor = piece.End
	}
	if cursor < r.End {
		outside(store.Range{Start: cursor, End: r.End})
	}
}
