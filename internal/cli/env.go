package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/frep/internal/config"
	"github.com/coral-mesh/frep/internal/export"
	"github.com/coral-mesh/frep/internal/logging"
	"github.com/coral-mesh/frep/internal/profiler"
	"github.com/coral-mesh/frep/internal/storage"
	"github.com/coral-mesh/frep/internal/sys/privilege"
)

// env is what a command needs once flags are parsed: the effective config,
// a logger and the optional result destinations.
type env struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *storage.Store
	exporter *export.FileExporter
}

// loadConfig resolves the config file, environment and command line flags
// in that order and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(flagConfig)
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyFlags(cmd.Flags(), cfg); err != nil {
		return nil, fmt.Errorf("invalid flag: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Log.Output = cmd.ErrOrStderr()
	return cfg, nil
}

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		logger: logging.New(cfg.Log),
	}, nil
}

// openOutputs opens the result store and the OTLP file exporter when the
// config enables them.
func (e *env) openOutputs() error {
	if e.cfg.Storage.Enabled {
		if _, err := e.openStore(); err != nil {
			return err
		}
	}
	if e.cfg.Export.OTLPFile != "" {
		e.exporter = export.NewFileExporter(e.cfg.Export.OTLPFile, e.logger)
	}
	return nil
}

// openStore opens the result store whether or not recording stores results.
func (e *env) openStore() (*storage.Store, error) {
	if err := os.MkdirAll(filepath.Dir(e.cfg.Storage.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := storage.Open(e.cfg.Storage.Path, e.logger)
	if err != nil {
		return nil, err
	}
	if err := privilege.FixFileOwnership(e.cfg.Storage.Path); err != nil {
		e.logger.Warn().Err(err).Str("path", e.cfg.Storage.Path).Msg("Failed to hand database to the invoking user")
	}
	e.store = store
	return store, nil
}

func (e *env) close() {
	if e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close database")
	}
}

func (e *env) profilerOptions(target int) profiler.Options {
	s := e.cfg.Session
	return profiler.Options{
		TargetID:    target,
		Interval:    s.Interval,
		MaxDuration: s.MaxDuration,
		StopTimeout: s.StopTimeout,
		DumpDir:     s.DumpDir,
		KeepDump:    s.KeepDump,
		Logger:      e.logger,
	}
}
