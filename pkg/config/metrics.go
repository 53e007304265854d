package config

import (
	"github.com/marmos91/dittosdb/pkg/metrics"
	promMetrics "github.com/marmos91/dittosdb/pkg/metrics/prometheus"
)

// MetricsResult contains the metrics components created from configuration.
type MetricsResult struct {
	// ServerConfig configures the admin HTTP server. The server always
	// runs; /metrics answers 503 while collection is disabled.
	ServerConfig metrics.ServerConfig

	// SDBMetrics is shared by the storage service and the adapter (never
	// nil, uses noop if disabled)
	SDBMetrics metrics.SDBMetrics
}

// InitializeMetrics initializes the global Prometheus registry when
// metrics are enabled and returns collectors for every component.
func InitializeMetrics(cfg *Config) *MetricsResult {
	result := &MetricsResult{
		ServerConfig: metrics.ServerConfig{Port: cfg.Metrics.Port},
	}

	if !cfg.Metrics.Enabled {
		result.SDBMetrics = metrics.NewNoopSDBMetrics()
		return result
	}

	metrics.InitRegistry()
	result.SDBMetrics = promMetrics.NewSDBMetrics()

	return result
}
