package paged

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReservationNeeded(t *testing.T) {
	opts := DefaultOptions()
	page := opts.PageSize
	meta := opts.TransactionMetadataCost
	perTxn := opts.pagesPerTransaction()
	assert.Equal(t, uint64(128), perTxn)

	cases := []struct {
		name  string
		pages uint64
		want  uint64
	}{
		{"ZeroPagesNeedNothing", 0, 0},
		{"OnePage", 1, meta + page},
		{"ExactlyOneBatch", 128, meta + 128*page},
		{"OnePageIntoSecondBatch", 129, 2*meta + 129*page},
		{"TwoFullBatches", 256, 2*meta + 256*page},
		{"ThreeBatches", 266, 3*meta + 266*page},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, opts.reservationNeeded(tc.pages))
		})
	}
}

func TestAlignment(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, uint64(0), opts.alignUp(0))
	assert.Equal(t, uint64(4096), opts.alignUp(1))
	assert.Equal(t, uint64(4096), opts.alignUp(4096))
	assert.Equal(t, uint64(8192), opts.alignUp(4097))

	assert.Equal(t, uint64(0), opts.alignDown(4095))
	assert.Equal(t, uint64(4096), opts.alignDown(4096))
	assert.Equal(t, uint64(4096), opts.alignDown(8191))
}

func TestPendingShrinkMerge(t *testing.T) {
	t.Run("SmallerTargetWins", func(t *testing.T) {
		var p pendingShrink
		p.merge(8192)
		assert.Equal(t, pendingShrink{kind: shrinkTo, size: 8192}, p)
		p.merge(4096)
		assert.Equal(t, pendingShrink{kind: shrinkTo, size: 4096}, p)
		p.merge(16384)
		assert.Equal(t, pendingShrink{kind: shrinkTo, size: 4096}, p, "larger target must not grow a pending shrink")
	})

	t.Run("NewShrinkSubsumesPendingTrim", func(t *testing.T) {
		p := pendingShrink{kind: shrinkNeedsTrim}
		p.merge(4096)
		assert.Equal(t, pendingShrink{kind: shrinkTo, size: 4096}, p)
	})
}
