package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ncar/dsquasar/internal/engine"
	"github.com/ncar/dsquasar/internal/filter"
)

// Config represents the optional dsquasar configuration file. Pointer
// fields are nil when the file leaves them unset.
type Config struct {
	Archive ArchiveConfig `toml:"archive"`
	Catalog CatalogConfig `toml:"catalog"`
	Journal JournalConfig `toml:"journal"`
	Service ServiceConfig `toml:"service"`
	Engine  EngineConfig  `toml:"engine"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ArchiveConfig locates the local archive and limits what is reconciled.
type ArchiveConfig struct {
	Root       *string  `toml:"root"`
	FilterFile *string  `toml:"filter_file"`
	Filter     []string `toml:"filter"` // rule lines, "+ glob" or "- glob"
}

// CatalogConfig locates the SQLite catalog.
type CatalogConfig struct {
	Path *string `toml:"path"`
}

// JournalConfig locates the task journal. Without a path the journal lives
// under $XDG_RUNTIME_DIR, keyed by the archive and backup roots.
type JournalConfig struct {
	Path     *string `toml:"path"`
	Disabled *bool   `toml:"disabled"`
}

// ServiceConfig selects and tunes the transfer service.
type ServiceConfig struct {
	Kind              *string  `toml:"kind"`
	BackupRoot        *string  `toml:"backup_root"`
	BWLimit           *string  `toml:"bwlimit"`
	Owner             *string  `toml:"owner"`
	RequestsPerSecond *float64 `toml:"requests_per_second"`
	CallTimeout       *string  `toml:"call_timeout"`
}

// EngineConfig holds reconciliation tuning.
type EngineConfig struct {
	MaxConcurrency   *int    `toml:"max_concurrency"`
	MaxAttempts      *int    `toml:"max_attempts"`
	IntegrityRetries *int    `toml:"integrity_retries"`
	ChecksumWorkers  *int    `toml:"checksum_workers"`
	BatchMaxFiles    *int    `toml:"batch_max_files"`
	BatchMaxBytes    *string `toml:"batch_max_bytes"`
	BatchMinBytes    *string `toml:"batch_min_bytes"`
	StaleAfter       *string `toml:"stale_after"`
	PollInterval     *string `toml:"poll_interval"`
	PollMax          *string `toml:"poll_max"`
	RetryInterval    *string `toml:"retry_interval"`
	RetryMax         *string `toml:"retry_max"`
	Interval         *string `toml:"interval"` // between passes with run --continuous
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen *string `toml:"listen"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "dsquasar", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	return cfg, err
}

// LoadFile reads the config file at path. Unlike Load, a missing file is an
// error. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// FilterChain builds the archive filter from the configured rules. It
// returns nil when the config sets none.
func (a ArchiveConfig) FilterChain() (*filter.Chain, error) {
	if len(a.Filter) == 0 && a.FilterFile == nil {
		return nil, nil
	}
	chain := filter.NewChain()
	for _, line := range a.Filter {
		if err := chain.AddRule(line); err != nil {
			return nil, fmt.Errorf("archive.filter: %w", err)
		}
	}
	if a.FilterFile != nil {
		if err := chain.LoadFile(*a.FilterFile); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// Apply copies every set field onto cfg. Fields left unset keep cfg's
// values, which lets the engine's own defaults stand.
func (e EngineConfig) Apply(cfg *engine.Config) error {
	setInt(&cfg.MaxConcurrency, e.MaxConcurrency)
	setInt(&cfg.MaxAttempts, e.MaxAttempts)
	setInt(&cfg.IntegrityRetries, e.IntegrityRetries)
	setInt(&cfg.ChecksumWorkers, e.ChecksumWorkers)
	setInt(&cfg.Batch.MaxFiles, e.BatchMaxFiles)

	sizes := []struct {
		dst  *int64
		src  *string
		name string
	}{
		{&cfg.Batch.MaxBytes, e.BatchMaxBytes, "batch_max_bytes"},
		{&cfg.Batch.MinBytes, e.BatchMinBytes, "batch_min_bytes"},
	}
	for _, s := range sizes {
		if err := setSize(s.dst, s.src); err != nil {
			return fmt.Errorf("engine.%s: %w", s.name, err)
		}
	}

	durations := []struct {
		dst  *time.Duration
		src  *string
		name string
	}{
		{&cfg.StaleAfter, e.StaleAfter, "stale_after"},
		{&cfg.PollBackoff.Base, e.PollInterval, "poll_interval"},
		{&cfg.PollBackoff.Max, e.PollMax, "poll_max"},
		{&cfg.RetryBackoff.Base, e.RetryInterval, "retry_interval"},
		{&cfg.RetryBackoff.Max, e.RetryMax, "retry_max"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.src); err != nil {
			return fmt.Errorf("engine.%s: %w", d.name, err)
		}
	}
	return nil
}

// Apply copies the service call settings onto cfg.
func (s ServiceConfig) Apply(cfg *engine.Config) error {
	if s.RequestsPerSecond != nil {
		cfg.RequestsPerSecond = *s.RequestsPerSecond
	}
	if err := setDuration(&cfg.CallTimeout, s.CallTimeout); err != nil {
		return fmt.Errorf("service.call_timeout: %w", err)
	}
	return nil
}

// BytesPerSecond parses the bandwidth limit. Zero means unlimited.
func (s ServiceConfig) BytesPerSecond() (int64, error) {
	var n int64
	if err := setSize(&n, s.BWLimit); err != nil {
		return 0, fmt.Errorf("service.bwlimit: %w", err)
	}
	return n, nil
}

// PassInterval parses engine.interval, falling back to def.
func (e EngineConfig) PassInterval(def time.Duration) (time.Duration, error) {
	d := def
	if err := setDuration(&d, e.Interval); err != nil {
		return 0, fmt.Errorf("engine.interval: %w", err)
	}
	return d, nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setSize(dst *int64, src *string) error {
	if src == nil {
		return nil
	}
	n, err := filter.ParseSize(*src)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative duration %q", *src)
	}
	*dst = d
	return nil
}
