package paged

// Options carries the engine's policy constants.
//
// The specific byte values are deployment policy tuned to the store's
// journal and transaction cost model; nothing in the engine assigns them
// semantic meaning beyond the constraints documented per field. They are
// surfaced through pkg/config rather than hardcoded.
type Options struct {
	// PageSize is the memory object's page size. Power of two.
	PageSize uint64

	// FlushBatchSize caps the dirty bytes one flush transaction carries.
	// Must be a multiple of PageSize. Batching amortizes the fixed
	// per-transaction metadata cost across many pages.
	FlushBatchSize uint64

	// TransactionMetadataCost is the fixed metadata/journal overhead
	// reserved per flush transaction, independent of its page count.
	TransactionMetadataCost uint64

	// SpareCap bounds the extra reservation slack retained after a flush to
	// cover pages dirtied while the flush was running. Must be at least
	// enough to flush one extra transaction's worth of pages.
	SpareCap uint64

	// MaxFileSize bounds truncate and allocate targets.
	MaxFileSize uint64
}

// DefaultOptions returns the engine defaults: 4 KiB pages, 512 KiB flush
// batches (128 pages per transaction), 16 KiB metadata cost per
// transaction.
func DefaultOptions() Options {
	opts := Options{
		PageSize:                4096,
		FlushBatchSize:          512 * 1024,
		TransactionMetadataCost: 16 * 1024,
		MaxFileSize:             1 << 50,
	}
	opts.SpareCap = opts.TransactionMetadataCost + opts.FlushBatchSize
	return opts
}

// pagesPerTransaction is how many pages fit in one size-bounded batch.
func (o Options) pagesPerTransaction() uint64 {
	return o.FlushBatchSize / o.PageSize
}

// reservationNeeded returns the bytes that must stay reserved to guarantee
// a flush of pages dirty pages: one transaction's metadata cost per batch
// in the worst case, plus the data bytes themselves.
func (o Options) reservationNeeded(pages uint64) uint64 {
	if pages == 0 {
		return 0
	}
	perTxn := o.pagesPerTransaction()
	txns := (pages + perTxn - 1) / perTxn
	return txns*o.TransactionMetadataCost + pages*o.PageSize
}

// alignUp rounds n up to the next page boundary.
func (o Options) alignUp(n uint64) uint64 {
	return (n + o.PageSize - 1) / o.PageSize * o.PageSize
}

// alignDown rounds n down to a page boundary.
func (o Options) alignDown(n uint64) uint64 {
	return n / o.PageSize * o.PageSize
}
