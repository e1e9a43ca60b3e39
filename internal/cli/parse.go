package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/frep/internal/cli/helpers"
	"github.com/coral-mesh/frep/internal/config"
	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/session"
)

func newParseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse a dump kept from an earlier session",
		Long: `Parse a dump file written with --keep-dump. The result is reported like a
fresh recording and, unless --no-store is given, stored. Parsing the same
dump twice stores it once.`,
	}

	cmd.AddCommand(newParseSubCmd("pidstat FILE", "Parse a bracketed pidstat dump", pidstatRecorder, pidstat.ParseFile))
	cmd.AddCommand(newParseSubCmd("perfstat FILE", "Parse a bracketed perf stat dump", perfstatRecorder, perfstat.ParseFile))

	return cmd
}

func newParseSubCmd[R any](use, short string, rec recorder[R], parse session.ParseFunc[R]) *cobra.Command {
	var (
		label  string
		format string
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, summaryFormats); err != nil {
				return err
			}

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}

			// A kept dump carries no fault of its own.
			result, err := parse(args[0], nil)
			if err != nil {
				return err
			}

			if err := e.openOutputs(); err != nil {
				return err
			}
			defer e.close()

			if label == "" {
				label = filepath.Base(args[0])
			}
			ctx := cmd.Context()
			if e.store != nil {
				rec.storeSink(e.store, ctx, label)(result, nil)
			}
			if e.exporter != nil {
				rec.exportSink(e.exporter, ctx, label)(result, nil)
			}

			return rec.print(cmd.OutOrStdout(), format, result)
		},
	}

	helpers.AddLabelFlag(cmd, &label, "Label stored with the run (default: the file name)")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, summaryFormats)
	config.RegisterOutputFlags(cmd.Flags())

	return cmd
}
