package config

import (
	"os"
	"path/filepath"

	"github.com/coral-mesh/frep/internal/constants"
	"github.com/coral-mesh/frep/internal/logging"
	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/sys/privilege"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Session: SessionConfig{
			Interval:    constants.DefaultInterval,
			MaxDuration: constants.DefaultMaxDuration,
			StopTimeout: constants.DefaultStopTimeout,
		},
		PidStat: PidStatConfig{
			Binary: pidstat.DefaultBinary,
		},
		PerfStat: PerfStatConfig{
			Binary: perfstat.DefaultBinary,
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    filepath.Join(Dir(), constants.DatabaseFile),
		},
	}
}

// Dir returns the frep state directory, ~/.frep of the user who invoked
// sudo when running under it, falling back to a relative .frep when the home
// directory is unknown.
func Dir() string {
	home, err := privilege.HomeDir()
	if err != nil {
		return constants.DefaultDir
	}
	return filepath.Join(home, constants.DefaultDir)
}

// DefaultPath returns the config file location: $FREP_CONFIG if set,
// otherwise ~/.frep/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(constants.EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(Dir(), constants.ConfigFile)
}
