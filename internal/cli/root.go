// Package cli implements the frep command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/frep/internal/cli/helpers"
	"github.com/coral-mesh/frep/internal/config"
	"github.com/coral-mesh/frep/pkg/version"
)

const flagConfig = "config"

// NewRootCmd builds the frep command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "frep",
		Short: "frep - function-scoped resource profiling with pidstat and perf stat",
		Long: `Run pidstat or perf stat against a process for exactly as long as a piece
of work runs, then parse what the sampler printed into typed results.

Results are stored in a local DuckDB database and can be exported as OTLP
JSON metrics:
- record:  profile a command (or a running pid) with pidstat, perf stat or a timer
- parse:   parse a dump kept from an earlier session
- history: list stored runs, show one of them
- threads: list the threads of a process to pick a sampling target
- doctor:  check that pidstat and perf are installed and permitted`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(flagConfig, "", "Config file (default: $FREP_CONFIG or ~/.frep/config.yaml)")
	config.RegisterGlobalFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newRecordCmd())
	rootCmd.AddCommand(newParseCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newShowCmd())
	rootCmd.AddCommand(newThreadsCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, summaryFormats); err != nil {
				return err
			}

			info := version.Get()
			if format != string(helpers.FormatTable) {
				return formatTo(cmd.OutOrStdout(), format, info)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "frep version %s\n", info.Version)
			fmt.Fprintf(out, "Git commit: %s\n", info.GitCommit)
			fmt.Fprintf(out, "Build date: %s\n", info.BuildDate)
			fmt.Fprintf(out, "Go version: %s (%s)\n", info.GoVersion, info.Platform)
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, summaryFormats)
	return cmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
