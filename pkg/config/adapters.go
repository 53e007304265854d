package config

import (
	"fmt"

	"github.com/marmos91/dittosdb/pkg/adapter"
	"github.com/marmos91/dittosdb/pkg/adapter/sdb"
	"github.com/marmos91/dittosdb/pkg/metrics"
)

// CreateAdapters creates all enabled protocol adapters from the configuration.
//
// Parameters:
//   - cfg: The complete DittoSDB configuration
//   - sdbMetrics: Optional metrics collector (nil = no metrics)
//
// Returns:
//   - []adapter.Adapter: Enabled adapters, not yet bound to a service
//   - error: Any error during adapter creation
func CreateAdapters(cfg *Config, sdbMetrics metrics.SDBMetrics) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.Adapters.SDB.Enabled {
		adapters = append(adapters, sdb.New(cfg.Adapters.SDB, sdbMetrics))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}
