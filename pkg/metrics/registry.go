// Package metrics instruments the paged write-back engine with Prometheus
// and serves the scrape endpoint.
//
// Metrics are optional: without InitRegistry, NewFlushMetrics returns a
// no-op implementation, and paged.NewHandle accepts nil outright. The
// flush counters, histograms and gauges live in flush.go; the HTTP
// exposition server in server.go.
//
// Usage:
//
//	// In main.go, before any handles exist
//	metrics.InitRegistry()
//	flushMetrics := metrics.NewFlushMetrics()
//	go metrics.NewServer(cfg.Metrics.Address).Start(ctx)
//
//	handle, err := paged.NewHandle(ctx, opts, store, obj, flushMetrics)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all pagedfs metrics
	// Protected by registryOnce for write-once, read-many pattern
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It's safe to call
// multiple times - subsequent calls are ignored.
//
// If not called, GetRegistry() will return nil and all metrics constructors
// will return no-op implementations.
//
// Thread safety:
// sync.Once provides the necessary memory barriers to ensure the registry
// write is visible to all subsequent reads.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry() has not been called, indicating metrics
// are disabled.
//
// Thread safety:
// Safe to call concurrently. The sync.Once in InitRegistry() provides
// a happens-before relationship ensuring the registry value is visible.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
//
// Metrics are enabled if InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
