package paged

import "time"

// dirtyTimestampState enumerates the three states of a tracked timestamp.
type dirtyTimestampState uint8

const (
	// timestampNone: nothing to persist.
	timestampNone dirtyTimestampState = iota
	// timestampSet: an update is waiting for the next flush.
	timestampSet
	// timestampPendingFlush: a flush is in flight carrying the value; if it
	// completes without the value being set again, the state collapses to
	// none.
	timestampPendingFlush
)

// dirtyTimestamp defers discarding a dirty timestamp until a flush actually
// completes without a further update.
//
// A plain "set or not" flag loses a race: a write that lands while a flush
// is persisting the old value would have its timestamp silently dropped
// when the flush clears the flag. The pending-flush state keeps the two
// apart — endFlush only collapses pendingFlush, so a Set that re-armed the
// state mid-flush survives.
//
// Callers synchronize access through the owning handle's inner mutex.
type dirtyTimestamp struct {
	state dirtyTimestampState
	value time.Time
}

// set records a new timestamp to persist, overwriting any pending-flush
// state (a later update always wins).
func (d *dirtyTimestamp) set(t time.Time) {
	d.state = timestampSet
	d.value = t
}

// get returns the tracked value if one exists in either armed state.
func (d *dirtyTimestamp) get() (time.Time, bool) {
	if d.state == timestampNone {
		return time.Time{}, false
	}
	return d.value, true
}

// beginFlush moves the tracker into pendingFlush and returns the value the
// flush should persist.
//
// From none: returns nothing, unless forceUpdate generates a current
// timestamp and arms pendingFlush with it (used when the pager reports
// modifications that never went through an explicit set). From set or
// pendingFlush: re-arms pendingFlush with the existing value, so a retry
// after a failed flush still carries the timestamp.
func (d *dirtyTimestamp) beginFlush(forceUpdate bool) (time.Time, bool) {
	if d.state == timestampNone {
		if !forceUpdate {
			return time.Time{}, false
		}
		d.value = time.Now()
	}
	d.state = timestampPendingFlush
	return d.value, true
}

// endFlush collapses pendingFlush to none. A set that raced with the flush
// left the state at timestampSet, which is deliberately untouched.
func (d *dirtyTimestamp) endFlush() {
	if d.state == timestampPendingFlush {
		d.state = timestampNone
		d.value = time.Time{}
	}
}
