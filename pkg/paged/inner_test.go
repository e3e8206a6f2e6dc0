package paged

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pagedfs/pkg/store"
	"github.com/marmos91/pagedfs/pkg/store/memory"
)

// newTestHandle builds a handle over a fresh in-memory store. capacity 0
// means unbounded.
func newTestHandle(t *testing.T, capacity uint64, metrics FlushMetrics) (*Handle, *memory.Store) {
	t.Helper()
	st := memory.NewStore(capacity)
	obj := st.CreateObject(1)
	h, err := NewHandle(context.Background(), DefaultOptions(), st, obj, metrics)
	require.NoError(t, err)
	return h, st
}

func TestReservationLedger(t *testing.T) {
	opts := DefaultOptions()
	page := opts.PageSize
	meta := opts.TransactionMetadataCost

	t.Run("MarkDirtyReservesPerInvariant", func(t *testing.T) {
		h, st := newTestHandle(t, 0, nil)
		require.NoError(t, h.markDirtyPages(5))
		assert.Equal(t, meta+5*page, h.heldReservation())
		assert.Equal(t, meta+5*page, st.BaseAllocator().ReservedBytes(1))

		// Crossing into a second transaction's worth adds its metadata cost.
		require.NoError(t, h.markDirtyPages(124))
		assert.Equal(t, 2*meta+129*page, h.heldReservation())
		assert.Equal(t, 2*meta+129*page, st.BaseAllocator().ReservedBytes(1))
	})

	t.Run("TakeAndPutBackConserve", func(t *testing.T) {
		h, st := newTestHandle(t, 0, nil)
		require.NoError(t, h.markDirtyPages(5))

		taken, res, err := h.take()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), taken)
		assert.Equal(t, meta+5*page, res.Amount())
		assert.Zero(t, h.DirtyPageCount())
		// Held by the ticket now; total accounting unchanged.
		assert.Equal(t, meta+5*page, st.BaseAllocator().ReservedBytes(1))

		// Two pages flushed, three go back; the difference becomes spare.
		require.NoError(t, st.BaseAllocator().CommitAllocation(1, 2*page, res))
		h.putBack(3, res)
		res.Release()
		assert.Equal(t, uint64(3), h.DirtyPageCount())
		assert.Equal(t, meta+5*page-2*page, h.heldReservation())
		assert.Equal(t, h.heldReservation(), st.BaseAllocator().ReservedBytes(1))
	})

	t.Run("SpareAbsorbsNewDirtyPages", func(t *testing.T) {
		h, st := newTestHandle(t, 0, nil)
		require.NoError(t, h.markDirtyPages(5))
		_, res, err := h.take()
		require.NoError(t, err)
		h.putBack(3, res)
		res.Release()
		// Spare covers 2 pages; re-dirtying them must not touch the
		// allocator.
		before := st.BaseAllocator().ReservedBytes(1)
		require.NoError(t, h.markDirtyPages(2))
		assert.Equal(t, before, st.BaseAllocator().ReservedBytes(1))
		assert.Equal(t, uint64(5), h.DirtyPageCount())
	})

	t.Run("SpareIsCapped", func(t *testing.T) {
		h, _ := newTestHandle(t, 0, nil)
		require.NoError(t, h.markDirtyPages(300))
		_, res, err := h.take()
		require.NoError(t, err)
		// Nothing flushed, nothing re-dirtied: everything beyond the cap
		// leaves the ledger.
		h.putBack(0, res)
		res.Release()
		assert.LessOrEqual(t, h.heldReservation(), h.opts.SpareCap)
	})

	t.Run("NoSpaceFailsTheMark", func(t *testing.T) {
		h, _ := newTestHandle(t, meta, nil) // room for metadata but no page
		err := h.markDirtyPages(1)
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrNoSpace)
		assert.Zero(t, h.DirtyPageCount())
	})
}
