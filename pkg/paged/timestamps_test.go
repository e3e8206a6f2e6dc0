package paged

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirtyTimestamp(t *testing.T) {
	t.Run("EmptyTrackerHasNoValue", func(t *testing.T) {
		var d dirtyTimestamp
		_, ok := d.get()
		assert.False(t, ok)

		_, ok = d.beginFlush(false)
		assert.False(t, ok, "beginFlush from empty should carry nothing")
	})

	t.Run("SetIsVisibleUntilFlushCompletes", func(t *testing.T) {
		var d dirtyTimestamp
		stamp := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		d.set(stamp)

		got, ok := d.get()
		require.True(t, ok)
		assert.Equal(t, stamp, got)

		got, ok = d.beginFlush(false)
		require.True(t, ok)
		assert.Equal(t, stamp, got)

		// Still visible while the flush is in flight.
		got, ok = d.get()
		require.True(t, ok)
		assert.Equal(t, stamp, got)

		d.endFlush()
		_, ok = d.get()
		assert.False(t, ok)
	})

	t.Run("ForceUpdateArmsFromEmpty", func(t *testing.T) {
		var d dirtyTimestamp
		before := time.Now()
		got, ok := d.beginFlush(true)
		require.True(t, ok)
		assert.False(t, got.Before(before))

		// The forced value persists for a retry.
		again, ok := d.beginFlush(false)
		require.True(t, ok)
		assert.Equal(t, got, again)
	})

	t.Run("RetryCarriesSameValue", func(t *testing.T) {
		var d dirtyTimestamp
		stamp := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		d.set(stamp)

		first, ok := d.beginFlush(false)
		require.True(t, ok)

		// Simulate a failed flush: no endFlush, flush again.
		second, ok := d.beginFlush(false)
		require.True(t, ok)
		assert.Equal(t, first, second)
	})

	t.Run("SetDuringFlushSurvivesEndFlush", func(t *testing.T) {
		var d dirtyTimestamp
		d.set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
		_, ok := d.beginFlush(false)
		require.True(t, ok)

		racing := time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)
		d.set(racing)
		d.endFlush()

		got, ok := d.get()
		require.True(t, ok, "value set mid-flush must not be dropped")
		assert.Equal(t, racing, got)
	})
}
