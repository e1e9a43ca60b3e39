// Package constants defines shared configuration constants.
package constants

import "time"

const (
	// AppName is the binary and directory name.
	AppName = "frep"

	ConfigFile = "config.yaml"

	DefaultDir = "." + AppName

	DatabaseFile = AppName + ".duckdb"

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "FREP_CONFIG"
)

// Sampling defaults. pidstat cannot sample faster than once a second.
const (
	DefaultInterval    = time.Second
	DefaultMaxDuration = time.Hour
	DefaultStopTimeout = 10 * time.Second
)
