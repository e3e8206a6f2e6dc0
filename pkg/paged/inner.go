package paged

import (
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/pagedfs/pkg/store"
)

// pendingShrinkKind enumerates the deferred-truncation states.
type pendingShrinkKind uint8

const (
	// shrinkNone: no destructive truncation work pending.
	shrinkNone pendingShrinkKind = iota
	// shrinkTo: the next flush must shrink the object to pendingShrink.size.
	shrinkTo
	// shrinkNeedsTrim: the shrink committed but extent deletion exceeded one
	// transaction's budget; the next flush must run the store's trim.
	shrinkNeedsTrim
)

// pendingShrink defers destructive truncation to the next flush, which is
// serialized with it. Freeing many small extents can itself exceed one
// transaction's mutation budget, hence the two-phase shrink-then-trim
// lifecycle.
type pendingShrink struct {
	kind pendingShrinkKind
	size uint64
}

// merge folds a new truncate target into the pending state. Multiple
// truncates before a flush only ever shrink further, so the smaller target
// wins; a pending trim is subsumed by the new shrink (whose own shrink pass
// rediscovers any leftover extents).
func (p *pendingShrink) merge(newSize uint64) {
	switch p.kind {
	case shrinkTo:
		if newSize < p.size {
			p.size = newSize
		}
	default:
		p.kind = shrinkTo
		p.size = newSize
	}
}

// inner is the handle's dirty bookkeeping, all behind one mutex so the
// derived reservation invariant stays atomic:
//
//	reservation held == reservationNeeded(dirtyPageCount) + spare
//
// at every point the lock is not held mid-mutation. The lock is
// fine-grained and never held across a blocking store or pager call; flush
// uses snapshot-then-release-then-recompute instead.
type inner struct {
	mu sync.Mutex

	dirtyCrtime dirtyTimestamp
	dirtyMtime  dirtyTimestamp

	// dirtyPageCount is the number of copy-on-write pages currently dirty
	// and unflushed. Pages in overwrite extents are not counted: their
	// space is already allocated and needs no reservation.
	dirtyPageCount uint64

	// spare is extra reservation slack retained to cover pages dirtied
	// after a flush snapshot but logically part of the same write burst.
	// Capped at Options.SpareCap.
	spare uint64

	shrink pendingShrink

	// readOnly is set once (by an integrity-sealing operation) and never
	// cleared; all further dirtying fails.
	readOnly bool
}

// ============================================================================
// Reservation ledger
//
// The ledger operations below are the only places dirtyPageCount, spare and
// the owner's reserved accounting change together. Between flushes the
// reservation is held as detached accounting (no ticket object); take and
// moveTo re-attach it to a ticket, putBack detaches it again.
// ============================================================================

// markDirtyPages accounts newPages newly-dirtied copy-on-write pages,
// reserving whatever the invariant requires beyond the current spare.
//
// Returns store.ErrNoSpace (wrapped) when the allocator cannot cover the
// growth; the caller must fail the write that dirtied the pages, never
// swallow it.
func (h *Handle) markDirtyPages(newPages uint64) error {
	if newPages == 0 {
		return nil
	}
	h.inner.mu.Lock()
	defer h.inner.mu.Unlock()
	if h.inner.readOnly {
		return fmt.Errorf("mark dirty on sealed object %d: %w", h.object.ObjectID(), store.ErrReadOnly)
	}
	needed := h.opts.reservationNeeded(h.inner.dirtyPageCount)
	newNeeded := h.opts.reservationNeeded(h.inner.dirtyPageCount + newPages)
	delta := newNeeded - needed
	if delta <= h.inner.spare {
		h.inner.spare -= delta
	} else {
		res, err := h.store.Allocator().Reserve(h.object.OwnerID(), delta-h.inner.spare)
		if err != nil {
			return fmt.Errorf("reserving %d bytes for %d dirty pages: %w", delta-h.inner.spare, newPages, err)
		}
		res.Forget()
		h.inner.spare = 0
	}
	h.inner.dirtyPageCount += newPages
	return nil
}

// take snapshots and resets the dirty state at the start of a flush,
// returning the page count covered and a ticket pre-loaded with the full
// amount held. The ticket is built by borrowing zero from the allocator
// and adding the held amount, so the ticket's invariants hold even though
// the space was reserved earlier, not fresh at this call.
func (h *Handle) take() (uint64, *store.Reservation, error) {
	h.inner.mu.Lock()
	defer h.inner.mu.Unlock()
	res, err := h.store.Allocator().Reserve(h.object.OwnerID(), 0)
	if err != nil {
		return 0, nil, err
	}
	res.Add(h.opts.reservationNeeded(h.inner.dirtyPageCount) + h.inner.spare)
	pages := h.inner.dirtyPageCount
	h.inner.dirtyPageCount = 0
	h.inner.spare = 0
	return pages, res, nil
}

// moveTo drains the dirty state accumulated since take into an existing
// ticket: the mid-flush top-up used when pages were dirtied concurrently
// with the snapshot.
func (h *Handle) moveTo(res *store.Reservation) uint64 {
	h.inner.mu.Lock()
	defer h.inner.mu.Unlock()
	res.Add(h.opts.reservationNeeded(h.inner.dirtyPageCount) + h.inner.spare)
	pages := h.inner.dirtyPageCount
	h.inner.dirtyPageCount = 0
	h.inner.spare = 0
	return pages
}

// putBack re-dirties pages pages out of the ticket: the restore path for
// flush failures and for intentionally-skipped tail pages. The ticket
// forgets exactly the accounting the invariant absorbs (needed growth plus
// recomputed spare); anything the ticket still holds afterwards is surplus
// and is the caller's to release.
//
// Net reservation is conserved across a take/putBack pair modulo exactly
// what committed transactions legitimately consumed — this is what makes a
// failed or partial flush retryable without losing or double-accounting
// reserved space.
func (h *Handle) putBack(pages uint64, res *store.Reservation) {
	h.inner.mu.Lock()
	defer h.inner.mu.Unlock()
	prevHeld := h.opts.reservationNeeded(h.inner.dirtyPageCount) + h.inner.spare
	h.inner.dirtyPageCount += pages
	newNeeded := h.opts.reservationNeeded(h.inner.dirtyPageCount)
	avail := res.Amount() + prevHeld
	if avail < newNeeded {
		// The ledger guarantees the ticket covers re-dirtied pages; a
		// shortfall means reservation was lost somewhere.
		panic(fmt.Sprintf("paged: put back of %d pages under-reserved (have %d, need %d)", pages, avail, newNeeded))
	}
	h.inner.spare = min(avail-newNeeded, h.opts.SpareCap)
	target := newNeeded + h.inner.spare
	if target >= prevHeld {
		res.ForgetSome(target - prevHeld)
	} else {
		// Spare shrank below its previous level (cap applied with no new
		// pages); the difference leaves the ledger entirely.
		h.store.Allocator().ReleaseReservation(h.object.OwnerID(), prevHeld-target)
	}
}

// heldReservation returns needed+spare, the accounting the ledger holds
// detached between flushes. Callers must not hold inner.mu.
func (h *Handle) heldReservation() uint64 {
	h.inner.mu.Lock()
	defer h.inner.mu.Unlock()
	return h.opts.reservationNeeded(h.inner.dirtyPageCount) + h.inner.spare
}

// forceMtimeDirty arms the dirty mtime with the current time. Size-changing
// paths call this because they do not otherwise pass through the pager's
// modified tracking.
func (h *Handle) forceMtimeDirty() {
	h.inner.mu.Lock()
	h.inner.dirtyMtime.set(time.Now())
	h.inner.mu.Unlock()
}
