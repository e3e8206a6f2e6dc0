package paged

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pagedfs/pkg/pager"
	"github.com/marmos91/pagedfs/pkg/store"
)

func dirtyRange(start, end uint64) pager.DirtyRange {
	return pager.DirtyRange{Range: store.Range{Start: start, End: end}}
}

func zeroRange(start, end uint64) pager.DirtyRange {
	return pager.DirtyRange{Range: store.Range{Start: start, End: end}, Zero: true}
}

func TestBuildFlushBatches(t *testing.T) {
	opts := DefaultOptions()
	page := opts.PageSize
	batch := opts.FlushBatchSize

	t.Run("SingleSmallRange", func(t *testing.T) {
		batches, reserved, skipped := buildFlushBatches(opts, 3*page,
			[]pager.DirtyRange{dirtyRange(0, 3*page)}, nil)
		require.Len(t, batches, 1)
		assert.Equal(t, modeCopyOnWrite, batches[0].mode)
		assert.Equal(t, []store.Range{{Start: 0, End: 3 * page}}, batches[0].ranges)
		assert.Equal(t, 3*page, batches[0].byteCount)
		assert.Equal(t, uint64(3), reserved)
		assert.Zero(t, skipped)
	})

	t.Run("CutExactlyAtBatchSize", func(t *testing.T) {
		// 2.5 batches of contiguous dirty pages.
		total := 2*batch + batch/2
		batches, reserved, _ := buildFlushBatches(opts, total,
			[]pager.DirtyRange{dirtyRange(0, total)}, nil)
		require.Len(t, batches, 3)
		assert.Equal(t, batch, batches[0].byteCount)
		assert.Equal(t, []store.Range{{Start: 0, End: batch}}, batches[0].ranges)
		assert.Equal(t, batch, batches[1].byteCount)
		assert.Equal(t, []store.Range{{Start: batch, End: 2 * batch}}, batches[1].ranges)
		assert.Equal(t, batch/2, batches[2].byteCount)
		assert.Equal(t, total/page, reserved)
	})

	t.Run("DiscontiguousRangesShareBatch", func(t *testing.T) {
		batches, reserved, _ := buildFlushBatches(opts, 100*page, []pager.DirtyRange{
			dirtyRange(0, page),
			dirtyRange(10*page, 12*page),
			dirtyRange(50*page, 51*page),
		}, nil)
		require.Len(t, batches, 1)
		assert.Len(t, batches[0].ranges, 3)
		assert.Equal(t, 4*page, batches[0].byteCount)
		assert.Equal(t, uint64(4), reserved)
	})

	t.Run("SplitByOverwriteMap", func(t *testing.T) {
		// Pages 2-5 are pre-allocated; a dirty run 0-8 splits around them.
		overwrite := []store.Range{{Start: 2 * page, End: 6 * page}}
		batches, reserved, _ := buildFlushBatches(opts, 8*page,
			[]pager.DirtyRange{dirtyRange(0, 8*page)}, overwrite)
		require.Len(t, batches, 2)
		assert.Equal(t, modeCopyOnWrite, batches[0].mode)
		assert.Equal(t, []store.Range{{Start: 0, End: 2 * page}, {Start: 6 * page, End: 8 * page}}, batches[0].ranges)
		assert.Equal(t, modeOverwrite, batches[1].mode)
		assert.Equal(t, []store.Range{{Start: 2 * page, End: 6 * page}}, batches[1].ranges)
		assert.Equal(t, uint64(4), reserved, "only copy-on-write pages draw reservation")
		assert.Equal(t, uint64(4), batches[0].reservedPages)
		assert.Zero(t, batches[1].reservedPages)
	})

	t.Run("SubPagePiecesNeverOutcountTheTotal", func(t *testing.T) {
		// An overwrite map ending mid-page (rebuilt from a store whose
		// extents were clipped at an unaligned size) splits pages into
		// sub-page pieces. The per-batch counts and the returned total must
		// stay equal, or the commit loop's decrements would drift from what
		// was counted and underflow.
		overwrite := []store.Range{{Start: 0, End: page / 2}, {Start: 2 * page, End: 2*page + page/2}}
		batches, reserved, _ := buildFlushBatches(opts, 3*page,
			[]pager.DirtyRange{dirtyRange(0, 3*page)}, overwrite)
		var perBatch uint64
		for _, b := range batches {
			perBatch += b.reservedPages
		}
		assert.Equal(t, reserved, perBatch)
		assert.Equal(t, uint64(1), reserved, "only the whole untouched page draws reservation")
	})

	t.Run("ZeroBatchIsUnbounded", func(t *testing.T) {
		// Far more zero bytes than one batch holds; they still emit as one.
		var dirty []pager.DirtyRange
		for i := uint64(0); i < 4; i++ {
			dirty = append(dirty, zeroRange(i*2*batch, i*2*batch+batch))
		}
		batches, reserved, _ := buildFlushBatches(opts, 8*batch, dirty, nil)
		require.Len(t, batches, 1)
		assert.Equal(t, modeZero, batches[0].mode)
		assert.Len(t, batches[0].ranges, 4)
		assert.Zero(t, batches[0].byteCount)
		assert.Zero(t, reserved)
	})

	t.Run("ZeroInsideOverwriteExtentWritesInPlace", func(t *testing.T) {
		// Deallocating a zeroed page would punch a hole in a pre-allocated
		// extent; inside the overwrite map the zeros go out as payload.
		overwrite := []store.Range{{Start: 0, End: 2 * page}}
		batches, reserved, _ := buildFlushBatches(opts, 3*page,
			[]pager.DirtyRange{zeroRange(0, 3*page)}, overwrite)
		require.Len(t, batches, 2)
		assert.Equal(t, modeOverwrite, batches[0].mode)
		assert.Equal(t, []store.Range{{Start: 0, End: 2 * page}}, batches[0].ranges)
		assert.Equal(t, modeZero, batches[1].mode)
		assert.Equal(t, []store.Range{{Start: 2 * page, End: 3 * page}}, batches[1].ranges)
		assert.Zero(t, reserved)
	})

	t.Run("EmissionOrder", func(t *testing.T) {
		overwrite := []store.Range{{Start: 4 * page, End: 5 * page}}
		batches, _, _ := buildFlushBatches(opts, 10*page, []pager.DirtyRange{
			zeroRange(0, page),
			dirtyRange(2*page, 3*page),
			dirtyRange(4*page, 5*page),
		}, overwrite)
		require.Len(t, batches, 3)
		assert.Equal(t, modeCopyOnWrite, batches[0].mode)
		assert.Equal(t, modeOverwrite, batches[1].mode)
		assert.Equal(t, modeZero, batches[2].mode)
	})

	t.Run("NonZeroTailBeyondContentSizeIsSkipped", func(t *testing.T) {
		// Content ends mid-range: pages past the aligned size are not
		// written, but stay counted so their reservation survives.
		contentSize := 2*page + 100
		batches, reserved, skipped := buildFlushBatches(opts, contentSize,
			[]pager.DirtyRange{dirtyRange(0, 6*page)}, nil)
		require.Len(t, batches, 1)
		assert.Equal(t, []store.Range{{Start: 0, End: 3 * page}}, batches[0].ranges)
		assert.Equal(t, uint64(3), reserved)
		assert.Equal(t, uint64(3), skipped)
	})

	t.Run("ZeroTailBeyondContentSizeIsDropped", func(t *testing.T) {
		batches, _, skipped := buildFlushBatches(opts, 2*page,
			[]pager.DirtyRange{zeroRange(0, 6*page)}, nil)
		require.Len(t, batches, 1)
		assert.Equal(t, []store.Range{{Start: 0, End: 2 * page}}, batches[0].ranges)
		assert.Zero(t, skipped, "zeroed pages carry nothing worth reserving")
	})

	t.Run("EntirelyBeyondContentSize", func(t *testing.T) {
		batches, reserved, skipped := buildFlushBatches(opts, page,
			[]pager.DirtyRange{dirtyRange(2*page, 4*page)}, nil)
		assert.Empty(t, batches)
		assert.Zero(t, reserved)
		assert.Equal(t, uint64(2), skipped)
	})
}
