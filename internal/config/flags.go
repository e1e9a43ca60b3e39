package config

import (
	"github.com/spf13/pflag"
)

// Flag names shared by the commands that start sessions.
const (
	FlagInterval    = "interval"
	FlagMaxDuration = "max-duration"
	FlagStopTimeout = "stop-timeout"
	FlagDumpDir     = "dump-dir"
	FlagKeepDump    = "keep-dump"
	FlagDBPath      = "db"
	FlagNoStore     = "no-store"
	FlagOTLPFile    = "otlp-file"
	FlagLogLevel    = "log-level"
)

// RegisterSessionFlags adds the session flags to fs. Their defaults mirror
// DefaultConfig; only flags the user actually set override the loaded config.
func RegisterSessionFlags(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.Duration(FlagInterval, def.Session.Interval, "Sampling interval (whole seconds)")
	fs.Duration(FlagMaxDuration, def.Session.MaxDuration, "Stop sampling on its own after this long")
	fs.Duration(FlagStopTimeout, def.Session.StopTimeout, "How long to wait for the sampler after SIGINT (0 waits forever)")
	fs.String(FlagDumpDir, "", "Directory for dump files (default: system temp dir)")
	fs.Bool(FlagKeepDump, false, "Keep the raw dump file after parsing")
}

// RegisterOutputFlags adds the result destination flags to fs.
func RegisterOutputFlags(fs *pflag.FlagSet) {
	fs.String(FlagDBPath, "", "DuckDB database for results (default: ~/.frep/frep.duckdb)")
	fs.Bool(FlagNoStore, false, "Do not store results in the database")
	fs.String(FlagOTLPFile, "", "Append results as OTLP JSON lines to this file")
}

// RegisterGlobalFlags adds flags every command understands.
func RegisterGlobalFlags(fs *pflag.FlagSet) {
	fs.String(FlagLogLevel, "", "Log level (trace, debug, info, warn, error)")
}

// ApplyFlags copies every flag of fs that was set on the command line into cfg.
// Flags that fs does not define are ignored.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case FlagInterval:
			cfg.Session.Interval, err = fs.GetDuration(f.Name)
		case FlagMaxDuration:
			cfg.Session.MaxDuration, err = fs.GetDuration(f.Name)
		case FlagStopTimeout:
			cfg.Session.StopTimeout, err = fs.GetDuration(f.Name)
		case FlagDumpDir:
			cfg.Session.DumpDir, err = fs.GetString(f.Name)
		case FlagKeepDump:
			cfg.Session.KeepDump, err = fs.GetBool(f.Name)
		case FlagDBPath:
			cfg.Storage.Path, err = fs.GetString(f.Name)
		case FlagNoStore:
			var noStore bool
			noStore, err = fs.GetBool(f.Name)
			cfg.Storage.Enabled = cfg.Storage.Enabled && !noStore
		case FlagOTLPFile:
			cfg.Export.OTLPFile, err = fs.GetString(f.Name)
		case FlagLogLevel:
			cfg.Log.Level, err = fs.GetString(f.Name)
		}
	})
	return err
}
