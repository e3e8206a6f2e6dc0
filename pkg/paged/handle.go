// Package paged implements the write-back and flush engine that reconciles
// a page-cache-backed view of file data (pkg/pager) with a transactional,
// copy-on-write extent store (pkg/store).
//
// One Handle exists per file opened for paged I/O. The handle:
//
//   - accounts every dirtied page in a reservation ledger, so that flushing
//     the dirty set can never fail for lack of disk space
//   - tracks creation/modification timestamps through a tri-state machine
//     that survives updates racing with an in-flight flush
//   - partitions dirty ranges into size-bounded batches, one transaction
//     each, tagged copy-on-write, in-place overwrite, or zero-fill
//   - defers destructive truncation (extent freeing) to flush time, in a
//     two-phase shrink-then-trim lifecycle
//   - restores dirty state and reservation exactly when a flush fails
//     partway, so retrying sync is always safe and makes progress
//
// Concurrency Model:
// Flush, Truncate, Allocate, UpdateAttributes and Seal serialize on the
// handle's exclusive flush lock. Writes (mark-dirty) are not blocked by a
// running flush; the pager's writeback fencing makes that race safe. The
// fine-grained inner mutex guards only the dirty bookkeeping and is never
// held across a store or pager call.
package paged

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/pagedfs/internal/logger"
	"github.com/marmos91/pagedfs/pkg/pager"
	"github.com/marmos91/pagedfs/pkg/store"
)

// queryRangesPerCall bounds one dirty-range query; the flusher loops until
// the pager reports no remainder.
const queryRangesPerCall = 64

// Handle is the paged-file write-back engine for one file.
type Handle struct {
	opts    Options
	store   store.Store
	object  store.DataObject
	memObj  *pager.MemoryObject
	metrics FlushMetrics

	// flushMu is the truncate-class exclusive lock: flush, truncate,
	// allocate, attribute updates and sealing are strictly serialized.
	flushMu sync.Mutex

	pageIns *barrier

	inner inner

	closed bool
}

// NewHandle wires a handle over its collaborators and registers the
// pager's dirty-transition callback. metrics may be nil for no-op.
//
// The memory object's logical size is initialized from the object's
// committed content size.
func NewHandle(ctx context.Context, opts Options, st store.Store, obj store.DataObject, metrics FlushMetrics) (*Handle, error) {
	if opts.PageSize == 0 {
		opts = DefaultOptions()
	}
	if opts.FlushBatchSize%opts.PageSize != 0 {
		return nil, fmt.Errorf("flush batch size %d not a multiple of page size %d: %w",
			opts.FlushBatchSize, opts.PageSize, store.ErrInvalidRange)
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	props, err := obj.GetProperties(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading properties of object %d: %w", obj.ObjectID(), err)
	}
	h := &Handle{
		opts:    opts,
		store:   st,
		object:  obj,
		memObj:  pager.NewWithSize(opts.PageSize, props.ContentSize),
		metrics: metrics,
		pageIns: newBarrier(),
	}
	h.memObj.SetMarkDirty(h.onMarkDirty)
	return h, nil
}

// MemoryObject returns the page-cache view callers write into and read
// from.
func (h *Handle) MemoryObject() *pager.MemoryObject { return h.memObj }

// Object returns the underlying data object handle.
func (h *Handle) Object() store.DataObject { return h.object }

// onMarkDirty is the pager's dirty-transition callback. It classifies the
// transitioning pages against the overwrite extent map and grows the
// reservation for the copy-on-write ones. An error here fails the write
// that dirtied the pages.
func (h *Handle) onMarkDirty(pageRange store.Range) error {
	// Count pages not fully inside an overwrite extent; those need fresh
	// reservation. The overwrite map is page-aligned (Allocate aligns it,
	// Truncate clips it at a page boundary), so pages are wholly in or
	// wholly out.
	cowPages := pageRange.Length() / h.opts.PageSize
	for _, ow := range h.object.OverwriteRanges() {
		overlap := ow.Intersect(pageRange)
		cowPages -= overlap.Length() / h.opts.PageSize
	}
	if err := h.markDirtyPages(cowPages); err != nil {
		return err
	}
	if cowPages == 0 {
		// Overwrite pages need no reservation, but dirtying a sealed
		// object must still fail.
		h.inner.mu.Lock()
		sealed := h.inner.readOnly
		h.inner.mu.Unlock()
		if sealed {
			return fmt.Errorf("mark dirty on sealed object %d: %w", h.object.ObjectID(), store.ErrReadOnly)
		}
	}
	h.inner.mu.Lock()
	h.metrics.SetDirtyPages(h.inner.dirtyPageCount)
	h.inner.mu.Unlock()
	return nil
}

// WriteAt writes data at offset through the page cache, growing the file
// if the write extends past the current size. Content reaches the store
// only at the next Flush.
//
// Fails with store.ErrNoSpace when the reservation for the newly dirtied
// pages cannot be taken — the write is refused, not silently dropped.
func (h *Handle) WriteAt(ctx context.Context, data []byte, offset uint64) (int, error) {
	end := offset + uint64(len(data))
	if end < offset || end > h.opts.MaxFileSize {
		return 0, fmt.Errorf("write [%d,%d): %w", offset, end, store.ErrTooLarge)
	}
	if end > h.memObj.ContentSize() {
		if err := h.Truncate(ctx, end); err != nil {
			return 0, err
		}
	}
	return h.memObj.WriteAt(data, offset)
}

// ReadAt reads file content at offset, faulting committed data in through
// the page-in path where the cache has no newer copy.
func (h *Handle) ReadAt(ctx context.Context, buf []byte, offset uint64) (int, error) {
	end := min(offset+uint64(len(buf)), h.memObj.ContentSize())
	if end > offset {
		if err := h.PageIn(ctx, store.Range{Start: offset, End: end}); err != nil {
			return 0, err
		}
	}
	return h.memObj.ReadAt(buf, offset)
}

// PageIn faults committed content for r into the page cache as clean
// pages. Tracked by the page-in barrier so a flush-time truncate can wait
// out concurrent faults before shrinking.
func (h *Handle) PageIn(ctx context.Context, r store.Range) error {
	h.pageIns.begin()
	defer h.pageIns.end()
	start := h.opts.alignDown(r.Start)
	end := h.opts.alignUp(r.End)
	buf := make([]byte, end-start)
	if _, err := h.object.ReadAt(ctx, buf, start); err != nil {
		return fmt.Errorf("paging in [%d,%d) of object %d: %w", start, end, h.object.ObjectID(), err)
	}
	h.memObj.SupplyPages(buf, start)
	return nil
}

// ============================================================================
// Flush
// ============================================================================

// Flush writes all dirty state back to the store: pending shrink and trim
// work first, then the dirty pages in size-bounded transactions, then (or
// alongside) size and timestamp metadata.
//
// On failure the dirty pages and reservation of not-yet-committed batches
// are restored exactly, so a retry is always safe; batches that committed
// before the failure are durable and are not redone.
func (h *Handle) Flush(ctx context.Context) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	start := time.Now()
	err := h.flushLocked(ctx)
	h.metrics.ObserveFlush(time.Since(start), err)
	return err
}

// reservationGuard restores un-flushed dirty pages to the ledger on every
// exit from flushLocked. Batches decrement pages as they commit; whatever
// remains — everything on the failure path, just the intentionally-skipped
// tail on success — is put back, and the ticket's surplus is released.
type reservationGuard struct {
	h     *Handle
	res   *store.Reservation
	pages uint64
}

func (g *reservationGuard) finish() {
	if g.pages > 0 {
		g.h.metrics.AddPagesPutBack(g.pages)
	}
	g.h.putBack(g.pages, g.res)
	g.res.Release()
}

func (h *Handle) flushLocked(ctx context.Context) error {
	// Step 1: let in-flight page-ins finish. A concurrent read fault must
	// not observe content mid-truncate.
	h.pageIns.wait()

	// Steps 2–3: pending destructive truncation, serialized with the rest
	// of the flush.
	if err := h.flushPendingShrink(ctx); err != nil {
		return err
	}

	// Step 4: snapshot and reset the dirty state. This is the point that
	// fixes what the flush covers.
	modified := h.memObj.WasModifiedSinceLastCall()
	h.inner.mu.Lock()
	mtime, mtimeArmed := h.inner.dirtyMtime.beginFlush(modified)
	crtime, crtimeArmed := h.inner.dirtyCrtime.beginFlush(false)
	h.inner.mu.Unlock()
	taken, res, err := h.take()
	if err != nil {
		return err
	}

	guard := &reservationGuard{h: h, res: res}
	defer guard.finish()

	// Step 5: compute sizes and partition the dirty ranges.
	props, err := h.object.GetProperties(ctx)
	if err != nil {
		return fmt.Errorf("reading properties of object %d: %w", h.object.ObjectID(), err)
	}
	contentSize := h.memObj.ContentSize()
	dirty := h.queryAllDirtyRanges(contentSize)
	batches, reservedPages, skippedPages := buildFlushBatches(h.opts, contentSize, dirty, h.object.OverwriteRanges())

	// Step 6: reconcile the snapshot against what the batcher saw. Pages
	// dirtied between take and the query make the batcher count run ahead;
	// pages dropped by a truncate make it run behind. Either direction must
	// end neither under- nor double-reserved.
	if reservedPages > taken {
		taken += h.moveTo(res)
	}
	var pagesNotFlushed uint64
	if taken >= reservedPages {
		pagesNotFlushed = min(taken-reservedPages, skippedPages)
	}
	guard.pages = reservedPages + pagesNotFlushed

	logger.Debug("flush object=%d batches=%d reserved_pages=%d skipped_pages=%d content_size=%d",
		h.object.ObjectID(), len(batches), reservedPages, skippedPages, contentSize)

	// Step 7: metadata-only flush.
	if len(batches) == 0 {
		if props.ContentSize == contentSize && !mtimeArmed && !crtimeArmed {
			return nil // nothing dirty at all
		}
		if err := h.commitMetadata(ctx, contentSize, crtime, crtimeArmed, mtime, mtimeArmed); err != nil {
			return err
		}
		h.endTimestampFlush()
		return nil
	}

	// Step 8: one transaction per batch.
	for i, batch := range batches {
		first := i == 0
		last := i == len(batches)-1
		if err := h.commitBatch(ctx, batch, res, contentSize, first, last, crtime, crtimeArmed, mtime, mtimeArmed); err != nil {
			// Step 9: the guard puts the un-flushed remainder back.
			return err
		}
		if batch.mode == modeCopyOnWrite {
			guard.pages -= batch.reservedPages
		}
		if first {
			h.endTimestampFlush()
		}
	}
	// Step 10: guard.pages is now exactly pagesNotFlushed; the deferred
	// finish restores the intentionally-skipped tail.
	return nil
}

// queryAllDirtyRanges drains the pager's paginated dirty-range query over
// the entire memory object.
func (h *Handle) queryAllDirtyRanges(contentSize uint64) []pager.DirtyRange {
	var out []pager.DirtyRange
	cursor := uint64(0)
	end := h.opts.alignUp(contentSize)
	for cursor < end {
		ranges, remaining := h.memObj.QueryDirtyRanges(store.Range{Start: cursor, End: end}, queryRangesPerCall)
		out = append(out, ranges...)
		if remaining == 0 {
			break
		}
		cursor = ranges[len(ranges)-1].Range.End
	}
	return out
}

// flushPendingShrink performs deferred truncation: the shrink transaction
// (step 2) and, when extent deletion overran one transaction's budget, the
// store trim (step 3). Failures leave the pending state armed for retry.
func (h *Handle) flushPendingShrink(ctx context.Context) error {
	h.inner.mu.Lock()
	shrink := h.inner.shrink
	h.inner.mu.Unlock()

	if shrink.kind == shrinkTo {
		err := h.commitShrink(ctx, shrink.size)
		h.metrics.ObserveTransaction("shrink", err)
		if err != nil {
			return fmt.Errorf("shrinking object %d to %d: %w", h.object.ObjectID(), shrink.size, err)
		}
	}

	h.inner.mu.Lock()
	needsTrim := h.inner.shrink.kind == shrinkNeedsTrim
	h.inner.mu.Unlock()
	if !needsTrim {
		return nil
	}
	if err := h.store.TrimObject(ctx, h.object.ObjectID()); err != nil {
		h.metrics.ObserveTransaction("trim", err)
		return fmt.Errorf("trimming object %d: %w", h.object.ObjectID(), err)
	}
	h.metrics.ObserveTransaction("trim", nil)
	h.inner.mu.Lock()
	if h.inner.shrink.kind == shrinkNeedsTrim {
		h.inner.shrink = pendingShrink{}
	}
	h.inner.mu.Unlock()
	return nil
}

func (h *Handle) commitShrink(ctx context.Context, newSize uint64) error {
	txn, err := h.store.NewTransaction(ctx, h.lockKeys(), store.TransactionOptions{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	defer txn.Discard()
	needsTrim, err := h.object.Shrink(txn, newSize)
	if err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	h.inner.mu.Lock()
	// A truncate cannot have raced in (the flush lock covers it), so the
	// pending state is still ours to resolve.
	if needsTrim {
		h.inner.shrink = pendingShrink{kind: shrinkNeedsTrim}
	} else {
		h.inner.shrink = pendingShrink{}
	}
	h.inner.mu.Unlock()
	return nil
}

// commitMetadata commits a metadata-only flush transaction: content size
// and whichever timestamps are armed.
func (h *Handle) commitMetadata(ctx context.Context, contentSize uint64, crtime time.Time, crtimeArmed bool, mtime time.Time, mtimeArmed bool) error {
	txn, err := h.store.NewTransaction(ctx, h.lockKeys(), store.TransactionOptions{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	defer txn.Discard()
	attrs := store.ObjectAttributes{ContentSize: &contentSize}
	if crtimeArmed {
		ns := crtime.UnixNano()
		attrs.CreateTime = &ns
	}
	if mtimeArmed {
		ns := mtime.UnixNano()
		attrs.ModifyTime = &ns
	}
	if err := h.object.UpdateAttributes(txn, attrs); err != nil {
		return err
	}
	err = txn.Commit(ctx)
	h.metrics.ObserveTransaction("metadata", err)
	if err != nil {
		return fmt.Errorf("committing metadata flush of object %d: %w", h.object.ObjectID(), err)
	}
	return nil
}

// commitBatch runs one flush batch as its own transaction: writeback
// fencing, buffer capture, data write, metadata on the first/last batch,
// commit, fence release.
func (h *Handle) commitBatch(ctx context.Context, batch flushBatch, res *store.Reservation, contentSize uint64, first, last bool, crtime time.Time, crtimeArmed bool, mtime time.Time, mtimeArmed bool) error {
	opts := store.TransactionOptions{}
	if batch.mode == modeCopyOnWrite {
		// Copy-on-write batches draw on the reservation snapshotted by
		// take; overwrite and zero batches reuse already-allocated extents
		// and borrow ambient metadata space.
		opts.Reservation = res
	} else {
		opts.BorrowMetadataSpace = true
	}
	txn, err := h.store.NewTransaction(ctx, h.lockKeys(), opts)
	if err != nil {
		return err
	}
	defer txn.Discard()

	// The fence must precede reading page contents; releasing it before
	// the read would let a racing write slip between capture and commit
	// without re-dirtying the pages.
	for _, r := range batch.ranges {
		h.memObj.WritebackBegin(r)
	}
	abort := func() {
		for _, r := range batch.ranges {
			h.memObj.WritebackAbort(r)
		}
	}

	var buf []byte
	if batch.mode != modeZero {
		buf = make([]byte, batch.byteCount)
		cursor := 0
		for _, r := range batch.ranges {
			// Reads clip at the content size; the balance of the final
			// page stays zero, which is exactly what belongs past EOF.
			if _, err := h.memObj.ReadAt(buf[cursor:cursor+int(r.Length())], r.Start); err != nil {
				abort()
				return err
			}
			cursor += int(r.Length())
		}
	}

	switch batch.mode {
	case modeCopyOnWrite:
		err = h.object.MultiWrite(txn, batch.ranges, buf)
	case modeOverwrite:
		err = h.object.MultiOverwrite(txn, batch.ranges, buf)
	case modeZero:
		for _, r := range batch.ranges {
			if err = h.object.Zero(txn, r); err != nil {
				break
			}
		}
	}
	if err != nil {
		abort()
		return err
	}

	// Timestamps ride the first transaction so a later failure still
	// leaves them durable alongside the data that committed; the content
	// size rides the last so it never claims bytes that did not commit.
	attrs := store.ObjectAttributes{}
	stage := false
	if first {
		if crtimeArmed {
			ns := crtime.UnixNano()
			attrs.CreateTime = &ns
			stage = true
		}
		if mtimeArmed {
			ns := mtime.UnixNano()
			attrs.ModifyTime = &ns
			stage = true
		}
	}
	if last {
		attrs.ContentSize = &contentSize
		stage = true
	}
	if stage {
		if err := h.object.UpdateAttributes(txn, attrs); err != nil {
			abort()
			return err
		}
	}

	err = txn.Commit(ctx)
	h.metrics.ObserveTransaction(batch.mode.String(), err)
	if err != nil {
		abort()
		return fmt.Errorf("committing %s batch of object %d: %w", batch.mode, h.object.ObjectID(), err)
	}

	var cleaned uint64
	for _, r := range batch.ranges {
		cleaned += h.memObj.WritebackEnd(r)
	}
	h.metrics.AddBytesCleaned(batch.byteCount)
	logger.Debug("flushed %s batch object=%d ranges=%d bytes=%d pages_cleaned=%d",
		batch.mode, h.object.ObjectID(), len(batch.ranges), batch.byteCount, cleaned)
	return nil
}

// endTimestampFlush collapses pending-flush timestamp state after the
// first successful commit carrying it. Updates that raced in re-armed the
// trackers to set and are deliberately untouched.
func (h *Handle) endTimestampFlush() {
	h.inner.mu.Lock()
	h.inner.dirtyCrtime.endFlush()
	h.inner.dirtyMtime.endFlush()
	h.inner.mu.Unlock()
}

func (h *Handle) lockKeys() []store.LockKey {
	return []store.LockKey{{ObjectID: h.object.ObjectID()}}
}

// ============================================================================
// Truncate / Allocate / Attributes
// ============================================================================

// Truncate changes the file's logical size.
//
// Growth is immediate in the page cache (new pages are dirty zero pages
// persisted by the next flush). Shrinking resizes the cache immediately
// but defers extent freeing to the next flush, merging with any
// still-pending shrink — the smaller target always wins.
func (h *Handle) Truncate(ctx context.Context, newSize uint64) error {
	if newSize > h.opts.MaxFileSize {
		return fmt.Errorf("truncate to %d: %w", newSize, store.ErrTooLarge)
	}
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	h.inner.mu.Lock()
	sealed := h.inner.readOnly
	h.inner.mu.Unlock()
	if sealed {
		return fmt.Errorf("truncate of sealed object %d: %w", h.object.ObjectID(), store.ErrReadOnly)
	}

	oldSize := h.memObj.ContentSize()
	if newSize < oldSize {
		// Clip the overwrite map before the size changes: a mark-dirty
		// racing with the resize must classify against the new boundary or
		// it would under-reserve pages that are no longer overwritable in
		// place. The clip lands on a page boundary so the map never holds a
		// partial page; a page straddling the new size is reclassified as
		// copy-on-write wholesale.
		h.object.TruncateOverwriteRanges(h.opts.alignDown(newSize))
	}

	h.resizeOffThread(newSize)

	h.inner.mu.Lock()
	if newSize < oldSize {
		h.inner.shrink.merge(newSize)
	}
	// Size changes do not pass through the pager's write path, so the
	// kernel-observed mtime must be armed by hand.
	h.inner.dirtyMtime.set(time.Now())
	h.inner.mu.Unlock()

	logger.Debug("truncate object=%d size=%d->%d", h.object.ObjectID(), oldSize, newSize)
	return nil
}

// resizeOffThread changes the memory object's size on an independent
// goroutine. Resizing a memory-mapped file can fault and reenter the
// filesystem synchronously through the kernel; running it on the calling
// executor could deadlock if every executor thread were blocked on that
// same reentrant call.
func (h *Handle) resizeOffThread(newSize uint64) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.memObj.Resize(newSize)
	}()
	<-done
}

// Allocate pre-allocates overwrite extents covering [offset, offset+length)
// so later writes there can go in place without fresh reservation. The
// range is widened to page boundaries (the dirty-page classification works
// in whole pages); the file grows if the range extends past its size.
//
// A full flush runs first: pending shrink or trim work could otherwise
// free the very extents being set up.
func (h *Handle) Allocate(ctx context.Context, offset, length uint64) error {
	if length == 0 {
		return fmt.Errorf("allocate of empty range: %w", store.ErrInvalidRange)
	}
	end := offset + length
	if end < offset || end > h.opts.MaxFileSize {
		return fmt.Errorf("allocate [%d,%d): %w", offset, end, store.ErrTooLarge)
	}
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	if err := h.flushLocked(ctx); err != nil {
		return fmt.Errorf("flush before allocate of object %d: %w", h.object.ObjectID(), err)
	}

	aligned := store.Range{Start: h.opts.alignDown(offset), End: h.opts.alignUp(end)}
	grew := false
	if end > h.memObj.ContentSize() {
		h.resizeOffThread(end)
		grew = true
	}

	txn, err := h.store.NewTransaction(ctx, h.lockKeys(), store.TransactionOptions{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	defer txn.Discard()
	if err := h.object.Allocate(txn, aligned); err != nil {
		return err
	}
	if grew {
		size := end
		if err := h.object.UpdateAttributes(txn, store.ObjectAttributes{ContentSize: &size}); err != nil {
			return err
		}
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing allocate [%d,%d) of object %d: %w", aligned.Start, aligned.End, h.object.ObjectID(), err)
	}
	if grew {
		h.forceMtimeDirty()
	}
	return nil
}

// UpdateAttrs selects the attribute fields UpdateAttributes persists.
type UpdateAttrs struct {
	CreateTime *time.Time
	ModifyTime *time.Time
}

// UpdateAttributes commits an explicit attribute update, serialized with
// flushes.
//
// When the caller does not supply an mtime, any pending dirty mtime is
// persisted instead, so the update cannot silently revert the timestamp of
// a write still waiting for flush. On success an explicitly-set creation
// time clears the dirty creation-time state, and the dirty-mtime flush
// cycle ends (collapsing to none only if untouched since).
func (h *Handle) UpdateAttributes(ctx context.Context, attrs UpdateAttrs) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	h.inner.mu.Lock()
	var mtime *time.Time
	if attrs.ModifyTime != nil {
		mtime = attrs.ModifyTime
	} else if t, ok := h.inner.dirtyMtime.beginFlush(false); ok {
		mtime = &t
	}
	h.inner.mu.Unlock()

	txn, err := h.store.NewTransaction(ctx, h.lockKeys(), store.TransactionOptions{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	defer txn.Discard()
	var objAttrs store.ObjectAttributes
	if attrs.CreateTime != nil {
		ns := attrs.CreateTime.UnixNano()
		objAttrs.CreateTime = &ns
	}
	if mtime != nil {
		ns := mtime.UnixNano()
		objAttrs.ModifyTime = &ns
	}
	if err := h.object.UpdateAttributes(txn, objAttrs); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing attribute update of object %d: %w", h.object.ObjectID(), err)
	}

	h.inner.mu.Lock()
	if attrs.CreateTime != nil {
		h.inner.dirtyCrtime = dirtyTimestamp{}
	}
	h.inner.dirtyMtime.endFlush()
	h.inner.mu.Unlock()
	return nil
}

// SetCreateTimeDirty arms the dirty creation timestamp for the next flush.
func (h *Handle) SetCreateTimeDirty(t time.Time) {
	h.inner.mu.Lock()
	h.inner.dirtyCrtime.set(t)
	h.inner.mu.Unlock()
}

// Seal flushes the file and marks it read-only. The state is permanent:
// every later attempt to dirty a page fails with store.ErrReadOnly.
func (h *Handle) Seal(ctx context.Context) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	if err := h.flushLocked(ctx); err != nil {
		return err
	}
	h.inner.mu.Lock()
	h.inner.readOnly = true
	h.inner.mu.Unlock()
	return nil
}

// Close releases the handle's outstanding reservation accounting back to
// the allocator, unconditionally — dirty pages that were never flushed are
// abandoned. Callers that need durability flush first.
func (h *Handle) Close() {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.inner.mu.Lock()
	held := h.opts.reservationNeeded(h.inner.dirtyPageCount) + h.inner.spare
	if h.inner.dirtyPageCount > 0 {
		logger.Warn("closing object %d with %d dirty pages unflushed", h.object.ObjectID(), h.inner.dirtyPageCount)
	}
	h.inner.dirtyPageCount = 0
	h.inner.spare = 0
	h.inner.readOnly = true
	h.inner.mu.Unlock()
	if held > 0 {
		h.store.Allocator().ReleaseReservation(h.object.OwnerID(), held)
	}
}

// DirtyPageCount reports the ledger's current dirty page count. Exposed
// for accounting checks and tests.
func (h *Handle) DirtyPageCount() uint64 {
	h.inner.mu.Lock()
	defer h.inner.mu.Unlock()
	return h.inner.dirtyPageCount
}
