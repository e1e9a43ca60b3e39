package config

import (
	"time"

	"github.com/coral-mesh/frep/internal/logging"
)

// Config is the frep configuration file (~/.frep/config.yaml).
type Config struct {
	Log      logging.Config `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	PidStat  PidStatConfig  `yaml:"pidstat"`
	PerfStat PerfStatConfig `yaml:"perfstat"`
	Storage  StorageConfig  `yaml:"storage"`
	Export   ExportConfig   `yaml:"export"`
}

// SessionConfig configures every profiling session.
type SessionConfig struct {
	// Interval is the sampling interval, whole seconds only.
	Interval time.Duration `yaml:"interval" env:"FREP_INTERVAL"`
	// MaxDuration caps a sampler that is never asked to stop.
	MaxDuration time.Duration `yaml:"max_duration" env:"FREP_MAX_DURATION"`
	// StopTimeout bounds the wait for the sampler after SIGINT. Zero waits forever.
	StopTimeout time.Duration `yaml:"stop_timeout" env:"FREP_STOP_TIMEOUT"`
	// DumpDir holds generated dump files. Empty means the system temp dir.
	DumpDir string `yaml:"dump_dir" env:"FREP_DUMP_DIR"`
	// KeepDump leaves dump files on disk after parsing.
	KeepDump bool `yaml:"keep_dump" env:"FREP_KEEP_DUMP"`
}

// PidStatConfig configures the pidstat sampler.
type PidStatConfig struct {
	Binary string `yaml:"binary" env:"FREP_PIDSTAT_BINARY"`
	// CPU adds the -u utilization columns.
	CPU bool `yaml:"cpu" env:"FREP_PIDSTAT_CPU"`
}

// PerfStatConfig configures the perf stat sampler.
type PerfStatConfig struct {
	Binary string   `yaml:"binary" env:"FREP_PERF_BINARY"`
	Events []string `yaml:"events" env:"FREP_PERF_EVENTS"`
}

// StorageConfig configures the DuckDB result store.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled" env:"FREP_STORAGE_ENABLED"`
	Path    string `yaml:"path" env:"FREP_DB_PATH"`
}

// ExportConfig configures metric export.
type ExportConfig struct {
	// OTLPFile receives one OTLP JSON line per result. Empty disables export.
	OTLPFile string `yaml:"otlp_file" env:"FREP_OTLP_FILE"`
}
