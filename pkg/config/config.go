package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

func Load(path string) (*Options, error) {
	opts := DefaultOptions()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return opts, nil
}

func LoadFromDir(dir string) (*Options, error) {
	configPath := filepath.Join(dir, "pulse.config.toml")
	return Load(configPath)
}

func (o *Options) Validate() error {
	if o.Port == 0 {
		o.Port = 4322
	}

	if o.Root == "" {
		o.Root = "."
	}

	if o.Concurrency == 0 {
		o.Concurrency = 4
	}
	if o.Concurrency < 1 || o.Concurrency > 32 {
		return fmt.Errorf("invalid concurrency: %d (must be 1..32)", o.Concurrency)
	}

	if o.BatchWindowMs == 0 {
		o.BatchWindowMs = 100
	}
	if o.BatchWindowMs < 10 || o.BatchWindowMs > 1000 {
		return fmt.Errorf("invalid batchWindowMs: %d (must be 10..1000)", o.BatchWindowMs)
	}

	if o.MaxBatch == 0 {
		o.MaxBatch = 10
	}
	if o.MaxBatch < 1 || o.MaxBatch > 100 {
		return fmt.Errorf("invalid maxBatch: %d (must be 1..100)", o.MaxBatch)
	}

	return nil
}
