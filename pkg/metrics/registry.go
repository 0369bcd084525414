// Package metrics exposes the broker's Prometheus registry and the
// counters/gauges the Worker Pool, Authz Client, and Session layer
// report into (spec.md's operability surface, supplemented per
// SPEC_FULL.md §11). Following the teacher's pkg/metrics pattern, every
// recording function is nil-safe: a disabled registry costs one nil
// check, not a branch at every call site.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry creates the process-wide Prometheus registry. Calling it
// more than once is a no-op returning the existing registry; callers
// that never call it get IsEnabled()==false and every collector
// constructor in this package returns nil.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
		enabled = true
	}
	return registry
}

// GetRegistry returns the process-wide registry, or nil if InitRegistry
// was never called.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// reset tears the registry down; test-only, since InitRegistry is
// otherwise meant to run exactly once per process.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = nil
	enabled = false
}
