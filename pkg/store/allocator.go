package store

import (
	"fmt"
	"sync"
)

// SimpleAllocator is a capacity-bounded space accounting allocator shared by
// the store backends.
//
// It tracks, per owner, two pools:
//
//   - reserved: bytes promised to future allocations (tickets plus
//     accounting detached from tickets via Reservation.Forget)
//   - allocated: bytes committed to live extents
//
// Free space is capacity minus both pools across all owners. The allocator
// does not know extent layout; backends report allocations and frees as
// their transactions commit. This accounting is what upholds the engine's
// guarantee that committing a flush transaction can never fail for lack of
// space: the bytes were moved out of the free pool when the pages were
// dirtied.
//
// Thread Safety: safe for concurrent use.
type SimpleAllocator struct {
	mu        sync.Mutex
	capacity  uint64
	reserved  map[uint64]uint64
	allocated map[uint64]uint64
}

// NewSimpleAllocator creates an allocator managing capacity bytes.
// A capacity of 0 means unbounded.
func NewSimpleAllocator(capacity uint64) *SimpleAllocator {
	return &SimpleAllocator{
		capacity:  capacity,
		reserved:  make(map[uint64]uint64),
		allocated: make(map[uint64]uint64),
	}
}

// Reserve implements Allocator.
func (a *SimpleAllocator) Reserve(ownerID uint64, amount uint64) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity != 0 && amount > a.freeLocked() {
		return nil, fmt.Errorf("reserve %d bytes for owner %d: %w", amount, ownerID, ErrNoSpace)
	}
	a.reserved[ownerID] += amount
	return &Reservation{alloc: a, ownerID: ownerID, amount: amount}, nil
}

// ReleaseReservation implements Allocator.
func (a *SimpleAllocator) ReleaseReservation(ownerID uint64, amount uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount > a.reserved[ownerID] {
		panic("allocator: releasing more reservation than held")
	}
	a.reserved[ownerID] -= amount
}

// ReservedBytes implements Allocator.
func (a *SimpleAllocator) ReservedBytes(ownerID uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[ownerID]
}

// AllocatedBytes implements Allocator.
func (a *SimpleAllocator) AllocatedBytes(ownerID uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated[ownerID]
}

// FreeBytes returns the unreserved, unallocated capacity. Only meaningful
// for bounded allocators; unbounded ones report 0.
func (a *SimpleAllocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity == 0 {
		return 0
	}
	return a.freeLocked()
}

func (a *SimpleAllocator) freeLocked() uint64 {
	var used uint64
	for _, v := range a.reserved {
		used += v
	}
	for _, v := range a.allocated {
		used += v
	}
	if used >= a.capacity {
		return 0
	}
	return a.capacity - used
}

// CommitAllocation records bytes committed to new extents for owner.
//
// When res is non-nil the bytes are drawn from the ticket, moving them from
// the reserved pool to the allocated pool; the ticket must cover them (the
// engine's ledger guarantees it does). When res is nil the bytes come from
// free space, which can fail with ErrNoSpace.
//
// Called by store backends while applying a commit.
func (a *SimpleAllocator) CommitAllocation(ownerID uint64, bytes uint64, res *Reservation) error {
	if bytes == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if res != nil {
		if !res.consume(bytes) {
			return fmt.Errorf("commit of %d bytes exceeds reservation: %w", bytes, ErrInternalConsistency)
		}
		if bytes > a.reserved[ownerID] {
			return fmt.Errorf("commit of %d bytes exceeds reserved accounting: %w", bytes, ErrInternalConsistency)
		}
		a.reserved[ownerID] -= bytes
	} else {
		if a.capacity != 0 && bytes > a.freeLocked() {
			return fmt.Errorf("allocate %d bytes for owner %d: %w", bytes, ownerID, ErrNoSpace)
		}
	}
	a.allocated[ownerID] += bytes
	return nil
}

// AdoptAllocation records bytes already committed to extents, bypassing
// reservation. Persistent backends use it to rebuild accounting from their
// index at open; it fails with ErrNoSpace if the index claims more than the
// configured capacity.
func (a *SimpleAllocator) AdoptAllocation(ownerID uint64, bytes uint64) error {
	if bytes == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity != 0 && bytes > a.freeLocked() {
		return fmt.Errorf("adopt %d allocated bytes for owner %d: %w", bytes, ownerID, ErrNoSpace)
	}
	a.allocated[ownerID] += bytes
	return nil
}

// FreeAllocation records bytes returned to free space by extent deletion
// (zero, shrink, trim).
func (a *SimpleAllocator) FreeAllocation(ownerID uint64, bytes uint64) {
	if bytes == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bytes > a.allocated[ownerID] {
		panic("allocator: freeing more than is allocated")
	}
	a.allocated[ownerID] -= bytes
}
