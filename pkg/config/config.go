// Package config aggregates the sync core's tunables. The host builds a
// Config in code or loads one from YAML; the core reads no environment
// variables of its own.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RaoAhmadRaza/guardian-sync/pkg/backoff"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/breaker"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/httpclient"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/lock"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/queue"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/reconcile"
)

// Config is the full engine configuration.
type Config struct {
	// RunnerID identifies this runner in the processing lease. Empty
	// means a random id is assigned at engine construction.
	RunnerID string `json:"runner_id" yaml:"runner_id"`

	// StorageDir roots the file-backed store. Empty selects the
	// in-memory backend.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// WALPruneAge is the age past which terminal write-ahead-log
	// entries are pruned during recovery. Zero disables pruning.
	WALPruneAge time.Duration `json:"wal_prune_age" yaml:"wal_prune_age"`

	Backoff   backoff.Config    `json:"backoff" yaml:"backoff"`
	Breaker   breaker.Config    `json:"breaker" yaml:"breaker"`
	Lock      lock.Config       `json:"lock" yaml:"lock"`
	Queue     queue.Config      `json:"queue" yaml:"queue"`
	HTTP      httpclient.Config `json:"http" yaml:"http"`
	Reconcile reconcile.Config  `json:"reconcile" yaml:"reconcile"`
}

// DefaultConfig returns a configuration with every component at its
// defaults. The HTTP base URL must still be set by the host.
func DefaultConfig() *Config {
	return &Config{
		WALPruneAge: 24 * time.Hour,
		Backoff:     backoff.DefaultConfig(),
		Breaker:     breaker.DefaultConfig(),
		Lock:        lock.DefaultConfig(),
		HTTP:        httpclient.DefaultConfig(),
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.HTTP.BaseURL == "" {
		return fmt.Errorf("http.base_url is required")
	}
	if err := c.Lock.Validate(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	return nil
}

// LoadFromFile reads a YAML config file over the defaults. Duration
// fields accept Go duration strings ("2s", "5m").
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	// yaml.v3 decodes Go duration strings ("2s") into time.Duration
	// fields itself; it rejects plain integers for them.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}
