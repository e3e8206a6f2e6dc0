package store

import "sync"

// Reservation is a ticket for disk space set aside with an allocator,
// guaranteeing that a later allocation of up to Amount bytes cannot fail
// for lack of space.
//
// Lifecycle:
//
// A ticket is created by Allocator.Reserve, which moves bytes from the free
// pool into the owner's reserved accounting. From there the bytes can go
// three ways:
//
//   - Release returns them to the free pool (the ticket's terminal state
//     when its space was not used).
//   - Forget / ForgetSome detach them from the ticket while leaving the
//     owner's reserved accounting in place. The paged-file engine uses this
//     to hold reservation across flushes without keeping a ticket object
//     alive; the detached accounting is re-attached later via Add on a
//     fresh zero-amount ticket, and ultimately released on handle teardown
//     through Allocator.ReleaseReservation.
//   - Committing a transaction that carries the ticket consumes bytes for
//     the extents it allocates, moving them from reserved to allocated.
//
// Add never checks free space: it only re-attaches accounting that an
// earlier Reserve already paid for. This is what lets take() build a
// pre-loaded ticket by borrowing zero from the allocator and adding the
// amount the engine knows it holds.
//
// Thread Safety: all methods are safe for concurrent use.
type Reservation struct {
	mu      sync.Mutex
	alloc   *SimpleAllocator
	ownerID uint64
	amount  uint64
}

// Amount returns the bytes currently attached to the ticket.
func (r *Reservation) Amount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amount
}

// OwnerID returns the reservation owner this ticket charges against.
func (r *Reservation) OwnerID() uint64 {
	return r.ownerID
}

// Add attaches amount bytes to the ticket without touching the free pool.
// The bytes must already be accounted to the owner (reserved earlier and
// detached via Forget).
func (r *Reservation) Add(amount uint64) {
	r.mu.Lock()
	r.amount += amount
	r.mu.Unlock()
}

// Forget detaches the ticket's whole amount, leaving the owner's reserved
// accounting in place, and returns the detached amount.
func (r *Reservation) Forget() uint64 {
	r.mu.Lock()
	amount := r.amount
	r.amount = 0
	r.mu.Unlock()
	return amount
}

// ForgetSome detaches amount bytes from the ticket, leaving the owner's
// reserved accounting in place. Panics if the ticket holds less: callers
// only ever forget amounts their own bookkeeping proves are attached, so a
// shortfall is a ledger bug, not a runtime condition.
func (r *Reservation) ForgetSome(amount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if amount > r.amount {
		panic("reservation: forgetting more than is attached")
	}
	r.amount -= amount
}

// Release returns the ticket's remaining bytes to the free pool and empties
// it. Safe to call on an empty ticket.
func (r *Reservation) Release() {
	r.mu.Lock()
	amount := r.amount
	r.amount = 0
	r.mu.Unlock()
	if amount > 0 {
		r.alloc.ReleaseReservation(r.ownerID, amount)
	}
}

// consume draws amount bytes out of the ticket for extents a committing
// transaction allocated. Called by the allocator with its own lock held.
func (r *Reservation) consume(amount uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if amount > r.amount {
		return false
	}
	r.amount -= amount
	return true
}
