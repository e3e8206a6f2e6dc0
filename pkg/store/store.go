// Package store defines the contracts between the paged-file write-back
// engine and the transactional object store underneath it.
//
// The engine (pkg/paged) never talks to a concrete backend directly. It is
// written against the interfaces in this package:
//
//   - Store: opens transactions and runs maintenance (trim)
//   - Transaction: a unit of atomic, crash-safe mutation
//   - DataObject: one copy-on-write data object (a file's extents)
//   - Allocator: disk-space reservation and accounting
//
// Implementations live in subpackages: pkg/store/memory (reference
// implementation with commit fault injection, used by the engine tests)
// and pkg/store/badger (persistent extent store on BadgerDB).
//
// Separation of Concerns:
//
// The store manages extents, object attributes and space accounting. It does
// NOT manage the page cache (pkg/pager), dirty-page bookkeeping or flush
// scheduling (pkg/paged), or any wire protocol. The extent allocation
// algorithm, on-disk layout and journaling are implementation details of the
// backends; the engine relies only on the commit semantics documented here.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
// A Transaction, however, is owned by a single flush or metadata operation
// and must not be shared.
package store

import "context"

// Range is a half-open byte range [Start, End) within a data object.
type Range struct {
	Start uint64
	End   uint64
}

// Length returns the number of bytes covered by the range.
func (r Range) Length() uint64 {
	return r.End - r.Start
}

// IsEmpty reports whether the range covers no bytes.
func (r Range) IsEmpty() bool {
	return r.End <= r.Start
}

// Intersect returns the overlap of r and other, which may be empty.
func (r Range) Intersect(other Range) Range {
	out := Range{Start: max(r.Start, other.Start), End: min(r.End, other.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

// LockKey identifies a lock taken by a transaction. Transactions on the
// same object serialize on their lock keys inside the store; the engine
// only ever locks the object it owns.
type LockKey struct {
	ObjectID uint64
}

// TransactionOptions controls how a transaction accounts for the space its
// mutations consume.
//
// Exactly one of the two accounting modes applies:
//
//   - Reservation != nil: allocations made by the transaction draw down the
//     given reservation at commit time. Used for copy-on-write data batches,
//     whose space was reserved when the pages were dirtied.
//   - BorrowMetadataSpace: the transaction uses the store's ambient metadata
//     headroom. Used for overwrite and zero batches, metadata-only flushes,
//     shrinks and trims, none of which allocate new data extents.
type TransactionOptions struct {
	BorrowMetadataSpace bool
	Reservation         *Reservation
}

// Transaction is a single atomic unit of mutation against the store.
//
// Mutations are staged through DataObject methods that take the transaction
// and become durable, all or nothing, when Commit returns nil. A transaction
// whose Commit fails has no effect on the store.
//
// Commit failures are recoverable at the granularity of one transaction;
// the engine retries the not-yet-committed remainder on the next flush.
type Transaction interface {
	// Commit atomically applies the staged mutations and releases the
	// transaction's locks.
	//
	// Returns ErrNoSpace if ambient metadata headroom is exhausted, or a
	// backend I/O error. After Commit returns, successful or not, the
	// transaction must not be reused.
	Commit(ctx context.Context) error

	// Discard drops staged mutations and releases the transaction's locks.
	// A no-op after Commit; callers defer it unconditionally.
	Discard()
}

// Store opens transactions and exposes the allocator and maintenance
// operations shared by all data objects in it.
type Store interface {
	// NewTransaction opens a transaction holding the given lock keys.
	//
	// Blocks until the locks are available. Lock contention between
	// transactions is resolved inside the store; the caller only observes
	// the wait.
	NewTransaction(ctx context.Context, keys []LockKey, opts TransactionOptions) (Transaction, error)

	// Allocator returns the space allocator backing this store.
	Allocator() Allocator

	// TrimObject deletes extents left beyond an object's size by an earlier
	// Shrink that exceeded its per-transaction deletion budget. Trim commits
	// its own transactions internally, in bounded batches; a failure leaves
	// the remaining extents for a later trim.
	TrimObject(ctx context.Context, objectID uint64) error
}

// ObjectAttributes carries the attribute fields a transaction can update.
// Nil fields are left unchanged.
type ObjectAttributes struct {
	ContentSize *uint64
	CreateTime  *int64 // nanoseconds since the Unix epoch
	ModifyTime  *int64
}

// ObjectProperties describes a data object's current persistent state.
type ObjectProperties struct {
	// ContentSize is the logical file size in bytes.
	ContentSize uint64

	// StorageSize is the number of bytes currently allocated to the
	// object's extents (data only, excluding metadata records).
	StorageSize uint64

	// CreateTime and ModifyTime are nanoseconds since the Unix epoch.
	CreateTime int64
	ModifyTime int64

	// HasOverwriteExtents reports whether any pre-allocated overwrite
	// extents exist for the object.
	HasOverwriteExtents bool
}

// DataObject is the handle to one copy-on-write data object.
//
// Write-type methods stage mutations into the supplied transaction; nothing
// is durable until the transaction commits. Read-type methods observe
// committed state only.
//
// Overwrite Extents:
// A byte range pre-allocated via Allocate may later be written in place
// (MultiOverwrite) without consuming new space. The overwrite extent map is
// also mirrored in memory (OverwriteRanges / TruncateOverwriteRanges) so the
// engine can classify dirty pages without opening a transaction.
type DataObject interface {
	// ObjectID returns the object's identity within the store.
	ObjectID() uint64

	// OwnerID identifies the reservation owner (volume) for this object.
	OwnerID() uint64

	// ReadAt reads committed content at the given offset. Reads beyond the
	// content size return zeroes up to the requested length.
	ReadAt(ctx context.Context, buf []byte, offset uint64) (int, error)

	// GetProperties returns the object's committed properties.
	GetProperties(ctx context.Context) (ObjectProperties, error)

	// MultiWrite stages copy-on-write writes of data into ranges. The ranges
	// must be disjoint and ascending; data holds their concatenated payload
	// and its length must equal the total range length. New extents are
	// allocated at commit, drawing on the transaction's reservation.
	MultiWrite(txn Transaction, ranges []Range, data []byte) error

	// MultiOverwrite stages in-place writes into pre-allocated overwrite
	// extents. Every range must lie inside an overwrite extent. No new
	// space is consumed.
	MultiOverwrite(txn Transaction, ranges []Range, data []byte) error

	// Zero stages deallocation of the given range: committed extents inside
	// it are dropped and subsequent reads return zeroes. Carries no data
	// payload.
	Zero(txn Transaction, r Range) error

	// Allocate stages pre-allocation of overwrite extents covering r.
	// Already-allocated sub-ranges are left as they are.
	Allocate(txn Transaction, r Range) error

	// Shrink stages a truncation of the object to newSize, deleting extents
	// beyond it up to the store's per-transaction deletion budget. Returns
	// needsTrim=true when extents remain past newSize after the budget is
	// spent; the caller must follow up with Store.TrimObject.
	Shrink(txn Transaction, newSize uint64) (needsTrim bool, err error)

	// UpdateAttributes stages attribute updates; nil fields are unchanged.
	UpdateAttributes(txn Transaction, attrs ObjectAttributes) error

	// OverwriteRanges returns a snapshot of the in-memory overwrite extent
	// map, ascending and disjoint.
	OverwriteRanges() []Range

	// TruncateOverwriteRanges clips the in-memory overwrite extent map to
	// newSize immediately, without a transaction. Called by truncate before
	// the memory object's logical size changes so that concurrent
	// mark-dirty classification sees the new boundary.
	TruncateOverwriteRanges(newSize uint64)
}

// Allocator tracks free space and reservations for a store.
//
// A reservation is a ticket guaranteeing that a later allocation of the
// reserved amount cannot fail for lack of space. The paged-file engine
// keeps, at all times, enough reserved to flush every dirty page it tracks;
// see the Reservation type for the ticket's lifecycle.
type Allocator interface {
	// Reserve sets aside amount bytes for the given owner, taken from free
	// space. Returns ErrNoSpace if the free pool cannot cover the amount.
	// Reserve(owner, 0) always succeeds and is used to materialize a ticket
	// for accounting that is already held (see Reservation.Add).
	Reserve(ownerID uint64, amount uint64) (*Reservation, error)

	// ReleaseReservation returns amount bytes of owner accounting to the
	// free pool without a ticket. Used on handle teardown, when the
	// accounting outlives any Reservation object.
	ReleaseReservation(ownerID uint64, amount uint64)

	// ReservedBytes returns the total bytes currently reserved for owner,
	// including accounting detached from tickets via Forget.
	ReservedBytes(ownerID uint64) uint64

	// AllocatedBytes returns the bytes committed to extents for owner.
	AllocatedBytes(ownerID uint64) uint64
}
