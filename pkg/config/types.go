package config

// Options is the HMR engine's single configuration record: where the
// project root is, what port to serve on, and the batcher's tuning
// knobs. No environment variable is read; everything comes from the
// TOML file or DefaultOptions.
type Options struct {
	Port uint16 `toml:"port"`
	Root string `toml:"root"`

	Concurrency   int `toml:"concurrency"`
	BatchWindowMs int `toml:"batchWindowMs"`
	MaxBatch      int `toml:"maxBatch"`

	// ProjectEntries are ModuleIds exempt from pruning regardless of
	// importer count, distinguishing a true entry point from a module
	// that merely has no importers left.
	ProjectEntries []string `toml:"projectEntries"`
}

func DefaultOptions() *Options {
	return &Options{
		Port:          4322,
		Root:          ".",
		Concurrency:   4,
		BatchWindowMs: 100,
		MaxBatch:      10,
	}
}
