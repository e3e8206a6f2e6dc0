package paged

import "time"

// FlushMetrics receives write-back engine observations. The Prometheus
// implementation lives in pkg/metrics; passing nil to NewHandle selects the
// built-in no-op implementation, so metrics cost nothing when disabled.
type FlushMetrics interface {
	// ObserveFlush records one flush call, its duration and outcome.
	ObserveFlush(d time.Duration, err error)

	// ObserveTransaction records one flush transaction commit by batch mode
	// ("cow", "overwrite", "zero", "metadata", "shrink", "trim") and
	// outcome.
	ObserveTransaction(mode string, err error)

	// AddBytesCleaned counts payload bytes durably written back.
	AddBytesCleaned(n uint64)

	// AddPagesPutBack counts dirty pages restored to the ledger after a
	// failed or partial flush.
	AddPagesPutBack(n uint64)

	// SetDirtyPages reports the handle's current dirty page count.
	SetDirtyPages(n uint64)
}

// noopMetrics is used when no FlushMetrics is supplied.
type noopMetrics struct{}

func (noopMetrics) ObserveFlush(time.Duration, error) {}
func (noopMetrics) ObserveTransaction(string, error)  {}
func (noopMetrics) AddBytesCleaned(uint64)            {}
func (noopMetrics) AddPagesPutBack(uint64)            {}
func (noopMetrics) SetDirtyPages(uint64)              {}
