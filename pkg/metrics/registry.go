// Package metrics provides Prometheus metrics collection for DittoSDB.
//
// All metrics are optional. Until InitRegistry is called, constructors return
// no-op implementations, so components can always record without checking.
//
// Usage:
//
//	metrics.InitRegistry()
//	sdbMetrics := prometheus.NewSDBMetrics()
//	svc, _ := simpledb.NewService(simpledb.Options{Metrics: sdbMetrics, ...})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global registry. Later calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
