package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoSDB Configuration File
#
# Every value can be overridden with an environment variable named after
# its path, e.g. DITTOSDB_ADAPTERS_SDB_PORT=5000.

`

// fieldComments annotates the generated file, keyed by dotted path.
var fieldComments = map[string]string{
	"logging":        "Logging configuration",
	"logging.level":  "DEBUG, INFO, WARN or ERROR",
	"logging.format": "text or json",
	"logging.output": "stdout, stderr, or a file path (rotated with the max_* settings)",

	"server":                  "Server-wide settings",
	"server.shutdown_timeout": "Upper bound for the whole shutdown sequence",

	"storage":               "Database storage",
	"storage.enabled":       "Opens fail while storage is disabled; can be toggled through the admin API",
	"storage.base_path":     "Root of <persistence>/<origin>/sdb/<name>.sdb",
	"storage.max_read_size": "Largest single read in bytes",
	"storage.open_pause":    "Testing only: hold the I/O thread after every open",

	"quota":             "Quota manager",
	"quota.usage_store": "Per-origin usage ledger: memory or badger",
	"quota.gc":          "Periodically forget ledger entries of vanished origins and refresh the rest",

	"metrics":         "Prometheus metrics and the admin HTTP server",
	"metrics.enabled": "Collect Prometheus metrics (served on /metrics)",
	"metrics.port":    "Admin HTTP port (/health, /metrics, /usage, /origins)",

	"adapters":     "Protocol adapters",
	"adapters.sdb": "SimpleDB TCP adapter",

	"adapters.sdb.bind_address":    "Empty listens on all interfaces",
	"adapters.sdb.max_connections": "0 means unlimited",
	"adapters.sdb.idle_timeout":    "Close sockets idle for this long (0 disables)",
	"adapters.sdb.outbound_queue":  "Pending replies per socket before the peer is dropped",
	"adapters.sdb.rate_limit":      "Per-socket request rate limit (0 disables)",
}

// InitConfig writes the default configuration to the default location and
// returns its path.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path. An existing
// file is only replaced when force is set.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateYAMLWithComments renders cfg as YAML with a comment above each
// documented key.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	annotate(&doc, "")

	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}

	return buf.String(), nil
}

func annotate(node *yaml.Node, prefix string) {
	if node.Kind != yaml.MappingNode {
		return
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		path := key.Value
		if prefix != "" {
			path = prefix + "." + key.Value
		}
		if comment, ok := fieldComments[path]; ok {
			key.HeadComment = comment
		}

		annotate(value, path)
	}
}
