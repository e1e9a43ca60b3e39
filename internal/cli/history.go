package cli

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/frep/internal/cli/helpers"
	"github.com/coral-mesh/frep/internal/storage"
)

var listFormats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatYAML, helpers.FormatCSV}

func newHistoryCmd() *cobra.Command {
	var (
		kind      string
		label     string
		limit     int
		format    string
		timeFlags helpers.TimeFlags
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored profiling runs",
		Example: `  frep history
  frep history --kind perfstat --since 24h
  frep history -l nightly --from 2024-01-01 -o csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, listFormats); err != nil {
				return err
			}
			filter := storage.Filter{Kind: storage.Kind(kind), Label: label, Limit: limit}
			switch filter.Kind {
			case "", storage.KindPidStat, storage.KindPerfStat:
			default:
				return fmt.Errorf("unknown kind %q, must be %s or %s", kind, storage.KindPidStat, storage.KindPerfStat)
			}
			if limit < 0 {
				return fmt.Errorf("--limit cannot be negative")
			}
			tr, err := timeFlags.Parse()
			if err != nil {
				return err
			}
			filter.Since, filter.Until = tr.Start, tr.End

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer e.close()

			runs, err := store.History(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if format != string(helpers.FormatTable) && format != string(helpers.FormatCSV) {
				if runs == nil {
					runs = []storage.Run{}
				}
				return formatTo(cmd.OutOrStdout(), format, runs)
			}
			if len(runs) == 0 && format == string(helpers.FormatTable) {
				fmt.Fprintln(cmd.OutOrStdout(), hintStyle.Render("No runs recorded."))
				return nil
			}
			return formatTo(cmd.OutOrStdout(), format, runRows(runs))
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only runs of this kind (pidstat, perfstat)")
	helpers.AddLabelFlag(cmd, &label, "Only runs with this label")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs (0 for all)")
	timeFlags.AddFlags(cmd.Flags())
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, listFormats)

	return cmd
}

func newShowCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the stored rows of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, listFormats); err != nil {
				return err
			}

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			run, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}

			var rows any
			switch run.Kind {
			case storage.KindPidStat:
				records, err := store.Records(ctx, run.ID)
				if err != nil {
					return err
				}
				rows = recordRows(records)
			default:
				metrics, err := store.Metrics(ctx, run.ID)
				if err != nil {
					return err
				}
				rows = metricRows(slices.Sorted(maps.Keys(metrics)), func(name string) float64 { return metrics[name] })
			}

			out := cmd.OutOrStdout()
			switch format {
			case string(helpers.FormatJSON), string(helpers.FormatYAML):
				return formatTo(out, format, struct {
					Run  storage.Run `json:"run" yaml:"run"`
					Rows any         `json:"rows" yaml:"rows"`
				}{run, rows})
			case string(helpers.FormatCSV):
				return formatTo(out, format, rows)
			}

			fmt.Fprintf(out, "%s %s\n\n",
				titleStyle.Render(string(run.Kind)+" "+run.ID),
				hintStyle.Render(fmt.Sprintf("%s, recorded %s", run.Label, run.RecordedAt.Local().Format(time.DateTime))))
			if err := formatTo(out, format, rows); err != nil {
				return err
			}
			printFault(out, run.Error, run.Traceback)
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, listFormats)
	return cmd
}

// recordRow is one stored pidstat record as listed by show.
type recordRow struct {
	Sample  int    `header:"SAMPLE" json:"sample" yaml:"sample"`
	Time    int64  `header:"TIME" json:"time" yaml:"time"`
	TGID    int64  `header:"TGID" json:"tgid" yaml:"tgid"`
	TID     int64  `header:"TID" json:"tid" yaml:"tid"`
	Command string `header:"COMMAND" json:"command" yaml:"command"`
}

func recordRows(records []storage.ThreadRow) []recordRow {
	rows := make([]recordRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, recordRow{Sample: r.Sample, Time: r.Time, TGID: r.TGID, TID: r.TID, Command: r.Command})
	}
	return rows
}
