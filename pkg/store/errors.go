package store

import "errors"

// ============================================================================
// Standard Store Errors
// ============================================================================

// These errors provide a consistent way to indicate common failure
// conditions across all store implementations. The paged-file engine checks
// for them with errors.Is and maps them to caller-visible failures.
//
// Error Wrapping:
// Implementations wrap these errors with additional context:
//
//	if free < amount {
//	    return fmt.Errorf("reserve %d bytes for owner %d: %w", amount, ownerID, store.ErrNoSpace)
//	}

var (
	// ErrNoSpace indicates the allocator has no free space left.
	//
	// Returned by Allocator.Reserve when the free pool cannot cover the
	// requested amount, and by Transaction.Commit when ambient metadata
	// headroom is exhausted. This is a recoverable condition: the mark-dirty
	// path surfaces it to the writer, and freeing space makes retries
	// succeed.
	ErrNoSpace = errors.New("no space available")

	// ErrObjectNotFound indicates the requested data object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrInvalidRange indicates a byte range is malformed for the
	// operation: empty where content is required, overlapping or unsorted
	// where disjoint ascending ranges are required, or outside an overwrite
	// extent for MultiOverwrite.
	ErrInvalidRange = errors.New("invalid range")

	// ErrTooLarge indicates a size or offset exceeds the maximum file size.
	ErrTooLarge = errors.New("size exceeds maximum file size")

	// ErrReadOnly indicates a mutation was attempted on a read-only object.
	// Once an object is sealed (e.g. by an integrity-sealing operation) the
	// state is permanent; retrying cannot help.
	ErrReadOnly = errors.New("object is read-only")

	// ErrInjectedFailure is the error used by commit fault injection in the
	// memory store. Tests force transaction commits to fail with it to
	// exercise the engine's partial-flush recovery.
	ErrInjectedFailure = errors.New("injected commit failure")

	// ErrInternalConsistency indicates the store found a record in an
	// unexpected shape. This is fatal for the affected object and is never
	// retried.
	ErrInternalConsistency = errors.New("internal consistency error")
)
